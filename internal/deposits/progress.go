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

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/store"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// load returns the deposit, or nil when it no longer exists and the
// calling task has been cancelled.
func (s *Service) load(ctx context.Context, uid string) (*models.Deposit, error) {
	deposit, err := s.store.GetDeposit(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		zap.L().Warn("Deposit not found, cancelling task", zap.String("deposit_uid", uid))
		scheduler.CancelCurrentTask(ctx)
		return nil, nil
	}
	return deposit, err
}

// WaitForPayment polls the deposit address until the full amount has
// been received.
func (s *Service) WaitForPayment(ctx context.Context, uid string) error {
	deposit, err := s.load(ctx, uid)
	if deposit == nil {
		return err
	}

	switch s.Status(deposit) {
	case models.DepositTimeout, models.DepositCancelled, models.DepositRefunded:
		scheduler.CancelCurrentTask(ctx)
		return nil
	}
	if deposit.TimeReceived != nil {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}

	node, err := s.node(deposit)
	if err != nil {
		return err
	}
	txs, err := node.GetUnspentTransactions(deposit.DepositAddress)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return nil
	}

	for _, tx := range txs {
		if _, err := s.store.AppendIncomingTxId(ctx, uid, tx.TxHash().String()); err != nil {
			return err
		}
	}

	if deposit.RefundAddress == "" {
		if err := s.setRefundAddressFromInputs(ctx, node, uid, txs[0]); err != nil {
			return err
		}
	}

	err = s.validatePayment(ctx, node, deposit, txs, nil)
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		zap.L().Debug("Deposit underpaid", zap.String("deposit_uid", uid), zap.Error(err))
		return nil
	case errors.Is(err, models.ErrInvalidTransaction):
		zap.L().Error("Invalid incoming transaction, stopping payment monitor",
			zap.String("deposit_uid", uid),
			zap.Error(err))
		scheduler.CancelCurrentTask(ctx)
		return nil
	case err != nil:
		return err
	}

	received, err := s.store.SetDepositTime(ctx, uid, models.TimeReceived, s.clock.Now())
	if err != nil {
		return err
	}
	if received {
		if err := s.store.SetPaymentType(ctx, uid, models.PaymentBIP21); err != nil {
			return err
		}
		zap.L().Info("Payment received", zap.String("deposit_uid", uid), zap.String("payment_type", string(models.PaymentBIP21)))
	}
	scheduler.CancelCurrentTask(ctx)
	s.afterReceived(deposit)
	return nil
}

func (s *Service) afterReceived(deposit *models.Deposit) {
	s.scheduleWaitForConfidence(deposit.Uid)
	if deposit.IsInstantFiat() {
		s.scheduleWaitForExchange(deposit.Uid)
	}
}

func (s *Service) setRefundAddressFromInputs(ctx context.Context, node blockchain.Client, uid string, tx *wire.MsgTx) error {
	inputs, err := node.GetTxInputs(tx)
	if err != nil {
		return err
	}
	if len(inputs) == 0 || inputs[0].Address == "" {
		zap.L().Warn("Unable to determine refund address", zap.String("deposit_uid", uid))
		return nil
	}
	if len(inputs) > 1 {
		zap.L().Warn("Incoming transaction has multiple inputs, using the first for refunds",
			zap.String("deposit_uid", uid),
			zap.Int("inputs", len(inputs)))
	}
	_, err = s.store.SetRefundAddress(ctx, uid, inputs[0].Address)
	return err
}

// validatePayment checks the incoming transactions and records the amount
// paid to the deposit address. Recorded transactions were validated when
// first seen and only add to the amount. It returns ErrInsufficientFunds
// while the deposit is underpaid.
func (s *Service) validatePayment(ctx context.Context, node blockchain.Client, deposit *models.Deposit, txs, recorded []*wire.MsgTx) error {
	received := decimal.Zero
	for _, tx := range txs {
		valid, err := node.IsTxValid(tx)
		if err != nil {
			return err
		}
		if !valid {
			return fmt.Errorf("%w: %s", models.ErrInvalidTransaction, tx.TxHash())
		}
	}
	for _, tx := range append(txs[:len(txs):len(txs)], recorded...) {
		for _, out := range node.GetTxOutputs(tx) {
			if out.Address == deposit.DepositAddress {
				received = received.Add(out.Amount)
			}
		}
	}

	if err := s.store.SetDepositPaid(ctx, deposit.Uid, received); err != nil {
		return err
	}
	if !deposit.IsInstantFiat() && received.IsPositive() {
		if err := s.store.CreateBalanceChanges(ctx, depositRef(deposit.Uid), depositChanges(deposit, received)); err != nil {
			return err
		}
	}

	if received.LessThan(deposit.CoinAmount()) {
		return fmt.Errorf("%w: received %s of %s", models.ErrInsufficientFunds, received, deposit.CoinAmount())
	}
	return nil
}

// depositChanges splits the received amount between the merchant account
// and the fee account.
func depositChanges(deposit *models.Deposit, received decimal.Decimal) []models.BalanceChange {
	fee := deposit.FeeCoinAmount
	if fee.GreaterThan(received) {
		fee = decimal.Zero
	}
	changes := []models.BalanceChange{{
		AccountId: deposit.AccountId,
		Address:   deposit.DepositAddress,
		Amount:    received.Sub(fee),
	}}
	if fee.IsPositive() {
		changes = append(changes, models.BalanceChange{
			Address: deposit.DepositAddress,
			Amount:  fee,
		})
	}
	return changes
}

// WaitForConfidence waits until the incoming transactions are either
// confirmed or reported reliable by the confidence oracles.
func (s *Service) WaitForConfidence(ctx context.Context, uid string) error {
	deposit, err := s.load(ctx, uid)
	if deposit == nil {
		return err
	}

	switch s.Status(deposit) {
	case models.DepositCancelled, models.DepositRefunded, models.DepositFailed:
		scheduler.CancelCurrentTask(ctx)
		return nil
	}
	if deposit.TimeBroadcasted != nil {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}

	node, err := s.node(deposit)
	if err != nil {
		return err
	}

	confirmed := false
	for _, txId := range deposit.IncomingTxIds {
		ok, err := node.IsTxConfirmed(txId, 1)
		if err != nil {
			handled, err := s.handleConflict(ctx, deposit, txId, err)
			if !handled {
				return err
			}
			if err != nil {
				return nil
			}
			ok = true
		}
		if ok {
			confirmed = true
		}
	}

	if !confirmed {
		reliable, err := s.allReliable(ctx, node, deposit)
		if err != nil || !reliable {
			return err
		}
	}

	stamped, err := s.store.SetDepositTime(ctx, uid, models.TimeBroadcasted, s.clock.Now())
	if err != nil {
		return err
	}
	if stamped {
		zap.L().Info("Deposit broadcasted",
			zap.String("deposit_uid", uid),
			zap.Bool("confirmed", confirmed))
	}
	scheduler.CancelCurrentTask(ctx)
	s.scheduleWaitForConfirmation(uid)
	return nil
}

func (s *Service) allReliable(ctx context.Context, node blockchain.Client, deposit *models.Deposit) (bool, error) {
	if len(deposit.IncomingTxIds) == 0 {
		return false, nil
	}
	for _, txId := range deposit.IncomingTxIds {
		reliable, err := s.oracle.IsTxReliable(ctx, txId, s.cfg.ConfidenceThreshold, node.Network())
		if err != nil {
			zap.L().Warn("Unable to get transaction confidence",
				zap.String("deposit_uid", deposit.Uid),
				zap.String("tx_id", txId),
				zap.Error(err))
			return false, nil
		}
		if !reliable {
			return false, nil
		}
	}
	return true, nil
}

// handleConflict reacts to a conflicting confirmed transaction. A
// malleated copy replaces the recorded id; a double spend stops the
// calling task and leaves the deposit to fail. handled is false for
// errors unrelated to conflicts. A non-nil error with handled set means
// the task must stop.
func (s *Service) handleConflict(ctx context.Context, deposit *models.Deposit, txId string, err error) (bool, error) {
	var modified *models.TransactionModifiedError
	var doubleSpend *models.DoubleSpendError
	switch {
	case errors.As(err, &modified):
		if err := s.store.ReplaceIncomingTxId(ctx, deposit.Uid, txId, modified.TxId); err != nil {
			return false, err
		}
		zap.L().Warn("Incoming transaction modified",
			zap.String("deposit_uid", deposit.Uid),
			zap.String("tx_id", txId),
			zap.String("new_tx_id", modified.TxId))
		return true, nil
	case errors.As(err, &doubleSpend):
		zap.L().Error("Double spend detected",
			zap.String("deposit_uid", deposit.Uid),
			zap.String("tx_id", txId),
			zap.String("conflict_tx_id", doubleSpend.TxId),
			zap.Bool("alert", true))
		scheduler.CancelCurrentTask(ctx)
		return true, err
	}
	return false, err
}

// WaitForConfirmation stamps time_confirmed once every incoming
// transaction has the required number of confirmations.
func (s *Service) WaitForConfirmation(ctx context.Context, uid string) error {
	deposit, err := s.load(ctx, uid)
	if deposit == nil {
		return err
	}

	if deposit.TimeConfirmed != nil || deposit.TimeRefunded != nil || deposit.TimeCancelled != nil {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}
	// past its deadline the watchdog owns the outcome
	switch s.Status(deposit) {
	case models.DepositUnconfirmed, models.DepositFailed:
		scheduler.CancelCurrentTask(ctx)
		return nil
	}

	node, err := s.node(deposit)
	if err != nil {
		return err
	}

	for _, txId := range deposit.IncomingTxIds {
		ok, err := node.IsTxConfirmed(txId, s.cfg.RequiredConfirmations)
		if err != nil {
			handled, err := s.handleConflict(ctx, deposit, txId, err)
			if !handled {
				return err
			}
			return nil
		}
		if !ok {
			return nil
		}
	}

	stamped, err := s.store.SetDepositTime(ctx, uid, models.TimeConfirmed, s.clock.Now())
	if err != nil {
		return err
	}
	if stamped {
		zap.L().Info("Deposit confirmed", zap.String("deposit_uid", uid))
	}
	scheduler.CancelCurrentTask(ctx)
	return nil
}

// WaitForExchange polls the instant-fiat provider until the invoice is
// settled.
func (s *Service) WaitForExchange(ctx context.Context, uid string) error {
	deposit, err := s.load(ctx, uid)
	if deposit == nil {
		return err
	}

	if deposit.TimeExchanged != nil || deposit.TimeCancelled != nil || deposit.TimeRefunded != nil {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}
	if deposit.TimeReceived == nil {
		return nil
	}
	if s.clock.Now().After(deposit.TimeReceived.Add(s.cfg.ExchangeTimeout)) {
		zap.L().Error("Instant-fiat invoice not paid in time",
			zap.String("deposit_uid", uid),
			zap.String("invoice_id", deposit.InstantFiatInvoiceId),
			zap.Bool("alert", true))
		scheduler.CancelCurrentTask(ctx)
		return nil
	}

	account, err := s.store.GetAccount(ctx, deposit.AccountId)
	if err != nil {
		return err
	}
	provider, err := s.providers.ForAccount(account)
	if err != nil {
		return err
	}
	paid, err := provider.IsInvoicePaid(ctx, account, deposit.InstantFiatInvoiceId)
	if err != nil || !paid {
		return err
	}

	now := s.clock.Now()
	if _, err := s.store.SetDepositTime(ctx, uid, models.TimeExchanged, now); err != nil {
		return err
	}
	if _, err := s.store.SetDepositTime(ctx, uid, models.TimeNotified, now); err != nil {
		return err
	}
	zap.L().Info("Deposit exchanged",
		zap.String("deposit_uid", uid),
		zap.String("provider", provider.Name()),
		zap.String("invoice_id", deposit.InstantFiatInvoiceId))
	scheduler.CancelCurrentTask(ctx)
	return nil
}

// CheckDepositStatus is the watchdog of a deposit. It refunds deposits
// that timed out, were cancelled or failed, and stops once the deposit
// reaches a terminal state.
func (s *Service) CheckDepositStatus(ctx context.Context, uid string) error {
	deposit, err := s.load(ctx, uid)
	if deposit == nil {
		return err
	}

	status := s.Status(deposit)
	switch status {
	case models.DepositTimeout, models.DepositCancelled:
		if err := s.tryRefund(ctx, uid); err != nil {
			return err
		}
		scheduler.CancelCurrentTask(ctx)
	case models.DepositFailed:
		zap.L().Error("Deposit failed",
			zap.String("deposit_uid", uid),
			zap.Strings("incoming_tx_ids", deposit.IncomingTxIds),
			zap.Bool("alert", true))
		if err := s.tryRefund(ctx, uid); err != nil {
			return err
		}
		scheduler.CancelCurrentTask(ctx)
	case models.DepositUnconfirmed:
		zap.L().Error("Deposit not confirmed in time",
			zap.String("deposit_uid", uid),
			zap.Strings("incoming_tx_ids", deposit.IncomingTxIds),
			zap.Bool("alert", true))
		scheduler.CancelCurrentTask(ctx)
	case models.DepositConfirmed, models.DepositRefunded:
		scheduler.CancelCurrentTask(ctx)
	}
	return nil
}

func (s *Service) tryRefund(ctx context.Context, uid string) error {
	_, err := s.RefundDeposit(ctx, uid)
	var refundErr *models.RefundError
	if errors.As(err, &refundErr) {
		zap.L().Info("Deposit not refunded", zap.String("deposit_uid", uid), zap.String("reason", refundErr.Reason))
		return nil
	}
	return err
}
