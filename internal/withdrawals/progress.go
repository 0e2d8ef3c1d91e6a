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
	"errors"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/store"

	"go.uber.org/zap"
)

func (s *Service) load(ctx context.Context, uid string) (*models.Withdrawal, error) {
	withdrawal, err := s.store.GetWithdrawal(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		zap.L().Warn("Withdrawal not found, cancelling task", zap.String("withdrawal_uid", uid))
		scheduler.CancelCurrentTask(ctx)
		return nil, nil
	}
	return withdrawal, err
}

func (s *Service) node(withdrawal *models.Withdrawal) (blockchain.Client, error) {
	return s.nodes.For(withdrawal.CoinType)
}

// WaitForConfidence stamps time_broadcasted once the outgoing transaction
// is confirmed or considered reliable by the oracles.
func (s *Service) WaitForConfidence(ctx context.Context, uid string) error {
	withdrawal, err := s.load(ctx, uid)
	if withdrawal == nil {
		return err
	}

	if withdrawal.TimeBroadcasted != nil || withdrawal.TimeCancelled != nil {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}
	if s.Status(withdrawal) == models.WithdrawalFailed {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}
	if withdrawal.OutgoingTxId == "" {
		return nil
	}

	node, err := s.node(withdrawal)
	if err != nil {
		return err
	}

	txId := withdrawal.OutgoingTxId
	confirmed, err := node.IsTxConfirmed(txId, 1)
	if err != nil {
		if handled, err := s.handleConflict(ctx, withdrawal, err); handled || err != nil {
			return err
		}
	}

	if !confirmed {
		reliable, err := s.oracle.IsTxReliable(ctx, txId, s.cfg.ConfidenceThreshold, node.Network())
		if err != nil {
			zap.L().Warn("Unable to get transaction confidence",
				zap.String("withdrawal_uid", uid),
				zap.String("tx_id", txId),
				zap.Error(err))
			return nil
		}
		if !reliable {
			return nil
		}
	}

	stamped, err := s.store.SetWithdrawalTime(ctx, uid, models.TimeBroadcasted, s.clock.Now())
	if err != nil {
		return err
	}
	if stamped {
		zap.L().Info("Withdrawal broadcasted",
			zap.String("withdrawal_uid", uid),
			zap.String("tx_id", txId),
			zap.Bool("confirmed", confirmed))
	}
	scheduler.CancelCurrentTask(ctx)
	s.scheduleWaitForConfirmation(uid)
	return nil
}

// handleConflict records a malleated outgoing transaction and stops the
// calling task on a double spend. It reports true when err was a conflict.
func (s *Service) handleConflict(ctx context.Context, withdrawal *models.Withdrawal, err error) (bool, error) {
	var modified *models.TransactionModifiedError
	var doubleSpend *models.DoubleSpendError
	switch {
	case errors.As(err, &modified):
		if err := s.store.ReplaceOutgoingTxId(ctx, withdrawal.Uid, modified.TxId); err != nil {
			return true, err
		}
		zap.L().Warn("Outgoing transaction modified",
			zap.String("withdrawal_uid", withdrawal.Uid),
			zap.String("tx_id", withdrawal.OutgoingTxId),
			zap.String("new_tx_id", modified.TxId))
		return true, nil
	case errors.As(err, &doubleSpend):
		zap.L().Error("Double spend of outgoing transaction",
			zap.String("withdrawal_uid", withdrawal.Uid),
			zap.String("tx_id", withdrawal.OutgoingTxId),
			zap.String("conflict_tx_id", doubleSpend.TxId),
			zap.Bool("alert", true))
		scheduler.CancelCurrentTask(ctx)
		return true, nil
	}
	return false, err
}

// WaitForConfirmation stamps time_confirmed once the outgoing transaction
// has the required number of confirmations.
func (s *Service) WaitForConfirmation(ctx context.Context, uid string) error {
	withdrawal, err := s.load(ctx, uid)
	if withdrawal == nil {
		return err
	}

	if withdrawal.TimeConfirmed != nil || withdrawal.TimeCancelled != nil {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}
	switch s.Status(withdrawal) {
	case models.WithdrawalUnconfirmed, models.WithdrawalFailed:
		scheduler.CancelCurrentTask(ctx)
		return nil
	}

	node, err := s.node(withdrawal)
	if err != nil {
		return err
	}

	confirmed, err := node.IsTxConfirmed(withdrawal.OutgoingTxId, s.cfg.RequiredConfirmations)
	if err != nil {
		_, err := s.handleConflict(ctx, withdrawal, err)
		return err
	}
	if !confirmed {
		return nil
	}

	stamped, err := s.store.SetWithdrawalTime(ctx, uid, models.TimeConfirmed, s.clock.Now())
	if err != nil {
		return err
	}
	if stamped {
		zap.L().Info("Withdrawal confirmed",
			zap.String("withdrawal_uid", uid),
			zap.String("tx_id", withdrawal.OutgoingTxId))
	}
	scheduler.CancelCurrentTask(ctx)
	return nil
}

// WaitForTransfer polls the instant-fiat provider until the payout is
// completed. A completed transfer is both broadcasted and confirmed.
func (s *Service) WaitForTransfer(ctx context.Context, uid string) error {
	withdrawal, err := s.load(ctx, uid)
	if withdrawal == nil {
		return err
	}

	if withdrawal.TimeBroadcasted != nil || withdrawal.TimeCancelled != nil {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}
	if s.Status(withdrawal) == models.WithdrawalFailed {
		scheduler.CancelCurrentTask(ctx)
		return nil
	}

	account, err := s.store.GetAccount(ctx, withdrawal.AccountId)
	if err != nil {
		return err
	}
	provider, err := s.providers.ForAccount(account)
	if err != nil {
		return err
	}
	completed, err := provider.IsTransferCompleted(ctx, account, withdrawal.InstantFiatTransferId)
	if err != nil || !completed {
		return err
	}

	now := s.clock.Now()
	if _, err := s.store.SetWithdrawalTime(ctx, uid, models.TimeBroadcasted, now); err != nil {
		return err
	}
	if _, err := s.store.SetWithdrawalTime(ctx, uid, models.TimeConfirmed, now); err != nil {
		return err
	}
	zap.L().Info("Instant-fiat transfer completed",
		zap.String("withdrawal_uid", uid),
		zap.String("provider", provider.Name()),
		zap.String("transfer_id", withdrawal.InstantFiatTransferId))
	scheduler.CancelCurrentTask(ctx)
	return nil
}

// CheckWithdrawalStatus is the watchdog of a withdrawal. Reservations of
// withdrawals that were never confirmed by the device are released.
func (s *Service) CheckWithdrawalStatus(ctx context.Context, uid string) error {
	withdrawal, err := s.load(ctx, uid)
	if withdrawal == nil {
		return err
	}

	switch s.Status(withdrawal) {
	case models.WithdrawalTimeout:
		if err := s.store.DeleteBalanceChanges(ctx, withdrawalRef(uid)); err != nil {
			return err
		}
		zap.L().Info("Withdrawal timed out, reservation released", zap.String("withdrawal_uid", uid))
		scheduler.CancelCurrentTask(ctx)
	case models.WithdrawalFailed:
		zap.L().Error("Withdrawal failed",
			zap.String("withdrawal_uid", uid),
			zap.String("tx_id", withdrawal.OutgoingTxId),
			zap.String("transfer_id", withdrawal.InstantFiatTransferId),
			zap.Bool("alert", true))
		scheduler.CancelCurrentTask(ctx)
	case models.WithdrawalUnconfirmed:
		zap.L().Error("Withdrawal not confirmed in time",
			zap.String("withdrawal_uid", uid),
			zap.String("tx_id", withdrawal.OutgoingTxId),
			zap.Bool("alert", true))
		scheduler.CancelCurrentTask(ctx)
	case models.WithdrawalConfirmed, models.WithdrawalCancelled:
		scheduler.CancelCurrentTask(ctx)
	}
	return nil
}
