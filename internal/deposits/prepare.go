/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package deposits

import (
	"context"
	"errors"
	"fmt"

	"pos-payments-go/internal/amounts"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Target identifies who is paid: a device (implying its account) or a
// bare account.
type Target struct {
	DeviceKey string
	AccountId string
}

func (s *Service) resolveTarget(ctx context.Context, target Target) (*models.Account, *models.Device, error) {
	var device *models.Device
	accountId := target.AccountId
	if target.DeviceKey != "" {
		d, err := s.store.GetDevice(ctx, target.DeviceKey)
		if err != nil {
			return nil, nil, err
		}
		if d.AccountId == "" {
			return nil, nil, models.ErrNoAccount
		}
		device = d
		accountId = d.AccountId
	}
	if accountId == "" {
		return nil, nil, models.ErrNoAccount
	}

	account, err := s.store.GetAccount(ctx, accountId)
	if err != nil {
		return nil, nil, err
	}
	return account, device, nil
}

// PrepareDeposit creates a payment request for fiatAmount and starts
// watching its address.
func (s *Service) PrepareDeposit(ctx context.Context, target Target, fiatAmount decimal.Decimal) (*models.Deposit, error) {
	account, device, err := s.resolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}

	fiat := amounts.Fiat(fiatAmount)
	if !fiat.IsPositive() {
		return nil, models.ErrAmountTooSmall
	}

	deposit := &models.Deposit{
		AccountId:      account.Id,
		Amount:         fiat,
		PaidCoinAmount: decimal.Zero,
		TimeCreated:    s.clock.Now().UTC(),
	}
	if device != nil {
		deposit.DeviceKey = device.Key
	}

	if account.IsInstantFiat() {
		err = s.prepareInstantFiat(ctx, account, deposit)
	} else {
		err = s.prepareNative(ctx, account, deposit)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateDeposit(ctx, deposit); err != nil {
		return nil, fmt.Errorf("unable to create deposit: %w", err)
	}

	zap.L().Info("Deposit prepared",
		zap.String("deposit_uid", deposit.Uid),
		zap.String("account_id", account.Id),
		zap.String("amount", deposit.Amount.String()),
		zap.String("currency", deposit.Currency),
		zap.String("coin_amount", deposit.CoinAmount().String()),
		zap.String("address", deposit.DepositAddress))

	s.scheduleWaitForPayment(deposit.Uid)
	s.scheduleCheckStatus(deposit.Uid)
	return deposit, nil
}

func (s *Service) prepareNative(ctx context.Context, account *models.Account, deposit *models.Deposit) error {
	coinType, err := models.CoinTypeForCurrency(account.Currency)
	if err != nil {
		return err
	}
	node, err := s.nodes.For(coinType)
	if err != nil {
		return err
	}

	rate, err := s.rates.GetExchangeRate(ctx, account.MerchantCurrency)
	if err != nil {
		return err
	}

	merchant := amounts.CoinAmount(deposit.Amount, rate)
	if amounts.IsDust(merchant) {
		return fmt.Errorf("%w: %s at rate %s", models.ErrAmountTooSmall, merchant, rate)
	}

	address, err := blockchain.AllocateAddress(ctx, s.store, node, account.Id, coinType, false, s.cfg.AddressRetries)
	if err != nil {
		return err
	}

	deposit.Currency = account.MerchantCurrency
	deposit.CoinType = coinType
	deposit.DepositAddress = address
	deposit.MerchantCoinAmount = merchant
	deposit.FeeCoinAmount = amounts.FeeAmount(deposit.Amount, s.cfg.FeeShare, rate)
	return nil
}

// prepareInstantFiat requests an invoice from the account provider. The
// invoice address belongs to the provider and is only watched.
func (s *Service) prepareInstantFiat(ctx context.Context, account *models.Account, deposit *models.Deposit) error {
	provider, err := s.providers.ForAccount(account)
	if err != nil {
		return err
	}

	invoice, err := provider.CreateInvoice(ctx, account, deposit.Amount, "Payment to "+account.MerchantName)
	if err != nil {
		return err
	}
	if amounts.IsDust(invoice.CoinAmount) {
		return fmt.Errorf("%w: invoice amount %s", models.ErrAmountTooSmall, invoice.CoinAmount)
	}

	coinType, err := blockchain.CoinTypeForNetwork(s.cfg.InstantFiatNetwork)
	if err != nil {
		return err
	}
	node, err := s.nodes.For(coinType)
	if err != nil {
		return err
	}
	if err := node.ValidateAddress(invoice.Address); err != nil {
		return &models.ProviderError{Provider: provider.Name(), Message: "invalid invoice address", Err: err}
	}
	if err := node.ImportAddress(invoice.Address); err != nil {
		return fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}

	deposit.Currency = account.Currency
	deposit.CoinType = coinType
	deposit.DepositAddress = invoice.Address
	deposit.MerchantCoinAmount = invoice.CoinAmount
	deposit.FeeCoinAmount = decimal.Zero
	deposit.InstantFiatInvoiceId = invoice.Id
	return nil
}

// CancelDeposit stops a deposit that has not been broadcast yet. Coins
// already received are sent back.
func (s *Service) CancelDeposit(ctx context.Context, uid string) (*models.Deposit, error) {
	deposit, err := s.store.GetDeposit(ctx, uid)
	if err != nil {
		return nil, err
	}

	switch s.Status(deposit) {
	case models.DepositNew, models.DepositUnderpaid, models.DepositReceived:
	default:
		return nil, models.ErrInvalidState
	}

	if _, err := s.store.SetDepositTime(ctx, uid, models.TimeCancelled, s.clock.Now()); err != nil {
		return nil, err
	}
	zap.L().Info("Deposit cancelled", zap.String("deposit_uid", uid))

	if deposit.PaidCoinAmount.IsPositive() {
		if _, err := s.RefundDeposit(ctx, uid); err != nil {
			var refundErr *models.RefundError
			if !errors.As(err, &refundErr) {
				return nil, err
			}
			zap.L().Warn("Deposit not refunded", zap.String("deposit_uid", uid), zap.Error(err))
		}
	}
	return s.store.GetDeposit(ctx, uid)
}

// NotifyDeposit records that the device has shown a broadcast deposit to
// the customer.
func (s *Service) NotifyDeposit(ctx context.Context, uid string) (*models.Deposit, error) {
	deposit, err := s.store.GetDeposit(ctx, uid)
	if err != nil {
		return nil, err
	}
	if deposit.IsInstantFiat() || s.Status(deposit) != models.DepositBroadcasted {
		return deposit, nil
	}

	stamped, err := s.store.SetDepositTime(ctx, uid, models.TimeNotified, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if stamped {
		zap.L().Info("Deposit notified", zap.String("deposit_uid", uid))
	}
	return s.store.GetDeposit(ctx, uid)
}
