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

package withdrawals

import (
	"context"
	"fmt"

	"pos-payments-go/internal/amounts"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Target identifies the paying device or account
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

// PrepareWithdrawal reserves wallet funds for a payout of fiatAmount
func (s *Service) PrepareWithdrawal(ctx context.Context, target Target, fiatAmount decimal.Decimal) (*models.Withdrawal, error) {
	account, device, err := s.resolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}

	fiat := amounts.Fiat(fiatAmount)
	if !fiat.IsPositive() {
		return nil, models.ErrAmountTooSmall
	}
	if device != nil && fiat.GreaterThan(device.MaxPayout) {
		return nil, models.ErrPayoutLimitExceeded
	}

	withdrawal := &models.Withdrawal{
		AccountId:   account.Id,
		Amount:      fiat,
		TimeCreated: s.clock.Now().UTC(),
	}
	if device != nil {
		withdrawal.DeviceKey = device.Key
	}

	var changes []models.BalanceChange
	if account.IsInstantFiat() {
		err = s.prepareInstantFiat(ctx, account, withdrawal)
	} else {
		changes, err = s.prepareNative(ctx, account, withdrawal)
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateWithdrawal(ctx, withdrawal, changes); err != nil {
		return nil, fmt.Errorf("unable to create withdrawal: %w", err)
	}

	zap.L().Info("Withdrawal prepared",
		zap.String("withdrawal_uid", withdrawal.Uid),
		zap.String("account_id", account.Id),
		zap.String("amount", withdrawal.Amount.String()),
		zap.String("customer_coin_amount", withdrawal.CustomerCoinAmount.String()),
		zap.String("tx_fee", withdrawal.TxFeeCoinAmount.String()),
		zap.Int("reserved_addresses", countNegative(changes)))

	s.scheduleCheckStatus(withdrawal.Uid)
	return withdrawal, nil
}

func (s *Service) customerAmount(ctx context.Context, currency string, fiat decimal.Decimal) (decimal.Decimal, error) {
	rate, err := s.rates.GetExchangeRate(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	amount := amounts.CoinAmount(fiat, rate)
	if amounts.IsDust(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s at rate %s", models.ErrAmountTooSmall, amount, rate)
	}
	return amount, nil
}

func (s *Service) prepareInstantFiat(ctx context.Context, account *models.Account, withdrawal *models.Withdrawal) error {
	coinType, err := blockchain.CoinTypeForNetwork(s.cfg.InstantFiatNetwork)
	if err != nil {
		return err
	}
	customer, err := s.customerAmount(ctx, account.Currency, withdrawal.Amount)
	if err != nil {
		return err
	}

	withdrawal.Currency = account.Currency
	withdrawal.CoinType = coinType
	withdrawal.CustomerCoinAmount = customer
	withdrawal.TxFeeCoinAmount = decimal.Zero
	return nil
}

// prepareNative greedily picks wallet addresses with confirmed balance
// until they cover the payout and the fee for spending them. The returned
// balance changes reserve those addresses.
func (s *Service) prepareNative(ctx context.Context, account *models.Account, withdrawal *models.Withdrawal) ([]models.BalanceChange, error) {
	coinType, err := models.CoinTypeForCurrency(account.Currency)
	if err != nil {
		return nil, err
	}
	node, err := s.nodes.For(coinType)
	if err != nil {
		return nil, err
	}

	customer, err := s.customerAmount(ctx, account.MerchantCurrency, withdrawal.Amount)
	if err != nil {
		return nil, err
	}

	balances, err := s.store.ListAddressBalances(ctx, coinType, models.BalanceOptions{ConfirmedOnly: true})
	if err != nil {
		return nil, err
	}

	var changes []models.BalanceChange
	reserved := decimal.Zero
	fee := decimal.Zero
	covered := false
	for _, b := range balances {
		if !b.Balance.IsPositive() {
			continue
		}
		reserved = reserved.Add(b.Balance)
		changes = append(changes, models.BalanceChange{
			AccountId: account.Id,
			Address:   b.Address.Address,
			Amount:    b.Balance.Neg(),
		})
		fee = node.GetTxFee(len(changes), 2, 0)
		if reserved.GreaterThanOrEqual(customer.Add(fee)) {
			covered = true
			break
		}
	}
	if !covered {
		return nil, models.ErrInsufficientWalletFunds
	}

	split := amounts.SplitChange(reserved, customer, fee)
	accountBalance, err := s.store.GetAccountBalance(ctx, account.Id, models.BalanceOptions{ConfirmedOnly: true})
	if err != nil {
		return nil, err
	}
	if accountBalance.LessThan(split.Primary.Add(fee)) {
		return nil, models.ErrInsufficientAccountBalance
	}

	if split.Change.IsPositive() {
		address, err := blockchain.AllocateAddress(ctx, s.store, node, account.Id, coinType, true, s.cfg.AddressRetries)
		if err != nil {
			return nil, err
		}
		changes = append(changes, models.BalanceChange{
			AccountId: account.Id,
			Address:   address,
			Amount:    split.Change,
		})
	}

	withdrawal.Currency = account.MerchantCurrency
	withdrawal.CoinType = coinType
	withdrawal.CustomerCoinAmount = split.Primary
	withdrawal.TxFeeCoinAmount = fee
	return changes, nil
}

// ConfirmWithdrawal sends the reserved funds to customerAddress
func (s *Service) ConfirmWithdrawal(ctx context.Context, uid, customerAddress string) (*models.Withdrawal, error) {
	withdrawal, err := s.store.GetWithdrawal(ctx, uid)
	if err != nil {
		return nil, err
	}
	if s.Status(withdrawal) != models.WithdrawalNew {
		return nil, models.ErrInvalidState
	}

	node, err := s.nodes.For(withdrawal.CoinType)
	if err != nil {
		return nil, err
	}
	if err := node.ValidateAddress(customerAddress); err != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidCustomerAddress, customerAddress)
	}
	if err := s.store.SetCustomerAddress(ctx, uid, customerAddress); err != nil {
		return nil, err
	}
	withdrawal.CustomerAddress = customerAddress

	account, err := s.store.GetAccount(ctx, withdrawal.AccountId)
	if err != nil {
		return nil, err
	}
	if account.IsInstantFiat() {
		err = s.sendInstantFiat(ctx, account, withdrawal)
	} else {
		err = s.sendNative(ctx, node, withdrawal)
	}
	if err != nil {
		return nil, err
	}
	return s.store.GetWithdrawal(ctx, uid)
}

func (s *Service) sendNative(ctx context.Context, node blockchain.Client, withdrawal *models.Withdrawal) error {
	changes, err := s.store.ListBalanceChanges(ctx, withdrawalRef(withdrawal.Uid))
	if err != nil {
		return err
	}

	var inputs []blockchain.Input
	outputs := map[string]decimal.Decimal{
		withdrawal.CustomerAddress: withdrawal.CustomerCoinAmount,
	}
	for _, c := range changes {
		if c.Amount.IsPositive() {
			outputs[c.Address] = c.Amount
			continue
		}

		unspent, err := node.ListUnspent(c.Address, int(s.cfg.RequiredConfirmations))
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, o := range unspent {
			total = total.Add(o.Amount)
			inputs = append(inputs, blockchain.Input{TxId: o.TxId, Vout: o.Vout})
		}
		if !total.Equal(c.Amount.Neg()) {
			zap.L().Error("Reserved address balance changed",
				zap.String("withdrawal_uid", withdrawal.Uid),
				zap.String("address", c.Address),
				zap.String("expected", c.Amount.Neg().String()),
				zap.String("unspent", total.String()),
				zap.Bool("alert", true))
			return fmt.Errorf("%w: address %s", models.ErrAccountBalance, c.Address)
		}
	}

	tx, err := node.CreateRawTransaction(inputs, outputs)
	if err != nil {
		return err
	}
	signed, complete, err := node.SignRawTransaction(tx)
	if err != nil {
		return err
	}
	if !complete {
		return fmt.Errorf("%w: withdrawal transaction is not fully signed", models.ErrInvalidTransaction)
	}
	txId, err := node.SendRawTransaction(signed)
	if err != nil {
		return err
	}

	if _, err := s.store.SetWithdrawalSent(ctx, withdrawal.Uid, txId, s.clock.Now()); err != nil {
		return err
	}
	s.scheduleWaitForConfidence(withdrawal.Uid)
	return nil
}

func (s *Service) sendInstantFiat(ctx context.Context, account *models.Account, withdrawal *models.Withdrawal) error {
	provider, err := s.providers.ForAccount(account)
	if err != nil {
		return err
	}
	transfer, err := provider.SendTransaction(ctx, account, instantfiat.TransferRequest{
		FiatAmount:  withdrawal.Amount,
		CoinAmount:  withdrawal.CustomerCoinAmount,
		Currency:    withdrawal.Currency,
		Destination: withdrawal.CustomerAddress,
	})
	if err != nil {
		return err
	}

	if _, err := s.store.SetInstantFiatTransfer(ctx, withdrawal.Uid, transfer.Id, transfer.Reference, s.clock.Now()); err != nil {
		return err
	}
	zap.L().Info("Instant-fiat transfer created",
		zap.String("withdrawal_uid", withdrawal.Uid),
		zap.String("provider", provider.Name()),
		zap.String("transfer_id", transfer.Id))
	s.scheduleWaitForTransfer(withdrawal.Uid)
	return nil
}

// CancelWithdrawal releases the reservation of a withdrawal that has not
// been sent.
func (s *Service) CancelWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error) {
	withdrawal, err := s.store.GetWithdrawal(ctx, uid)
	if err != nil {
		return nil, err
	}
	if s.Status(withdrawal) != models.WithdrawalNew {
		return nil, models.ErrInvalidState
	}

	cancelled, err := s.store.CancelWithdrawal(ctx, uid, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, models.ErrInvalidState
	}
	return s.store.GetWithdrawal(ctx, uid)
}

// NotifyWithdrawal records that the device has shown a broadcast
// withdrawal to the customer.
func (s *Service) NotifyWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error) {
	withdrawal, err := s.store.GetWithdrawal(ctx, uid)
	if err != nil {
		return nil, err
	}
	if s.Status(withdrawal) != models.WithdrawalBroadcasted {
		return withdrawal, nil
	}

	if _, err := s.store.SetWithdrawalTime(ctx, uid, models.TimeNotified, s.clock.Now()); err != nil {
		return nil, err
	}
	return s.store.GetWithdrawal(ctx, uid)
}

func countNegative(changes []models.BalanceChange) int {
	n := 0
	for _, c := range changes {
		if c.Amount.IsNegative() {
			n++
		}
	}
	return n
}
