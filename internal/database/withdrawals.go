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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"go.uber.org/zap"
)

var withdrawalTimeFields = map[models.TimeField]bool{
	models.TimeBroadcasted: true,
	models.TimeNotified:    true,
	models.TimeConfirmed:   true,
}

// CreateWithdrawal persists a withdrawal together with the balance changes
// reserving its inputs.
func (s *Service) CreateWithdrawal(ctx context.Context, withdrawal *models.Withdrawal, changes []models.BalanceChange) error {
	if withdrawal.TimeCreated.IsZero() {
		withdrawal.TimeCreated = time.Now().UTC()
	}

	for attempt := 0; attempt < maxUidAttempts; attempt++ {
		withdrawal.Uid = models.NewUid(models.UidLength)
		ref := models.OrderRef{Kind: models.OrderWithdrawal, Uid: withdrawal.Uid}

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			_, err := s.exec(ctx, tx, queryInsertWithdrawal,
				withdrawal.Uid, withdrawal.AccountId, nullString(withdrawal.DeviceKey), withdrawal.Currency,
				withdrawal.Amount.String(), withdrawal.CoinType, withdrawal.CustomerCoinAmount.String(),
				withdrawal.TxFeeCoinAmount.String(), nullString(withdrawal.CustomerAddress),
				withdrawal.TimeCreated)
			if err != nil {
				return err
			}
			return s.insertChanges(ctx, tx, ref, changes, withdrawal.TimeCreated)
		})
		if err == nil {
			zap.L().Info("Withdrawal created",
				zap.String("withdrawal_uid", withdrawal.Uid),
				zap.String("amount", withdrawal.Amount.String()),
				zap.String("currency", withdrawal.Currency),
				zap.Int("balance_changes", len(changes)))
			s.journalRecord(ctx, ref, changes)
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("unable to insert withdrawal: %w", err)
		}
		zap.L().Warn("Withdrawal uid collision, retrying", zap.String("withdrawal_uid", withdrawal.Uid))
	}
	return store.ErrUidExhausted
}

func (s *Service) GetWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error) {
	withdrawal, err := scanWithdrawal(s.db.QueryRowContext(ctx, s.rebind(queryGetWithdrawal), uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %s: %w", uid, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query withdrawal: %w", err)
	}
	return withdrawal, nil
}

func (s *Service) ListActiveWithdrawals(ctx context.Context) ([]models.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(queryListActiveWithdrawals))
	if err != nil {
		return nil, fmt.Errorf("unable to query withdrawals: %w", err)
	}
	defer closeRows(rows)

	var withdrawals []models.Withdrawal
	for rows.Next() {
		withdrawal, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan withdrawal row: %w", err)
		}
		withdrawals = append(withdrawals, *withdrawal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating withdrawal rows: %w", err)
	}
	return withdrawals, nil
}

func (s *Service) SetCustomerAddress(ctx context.Context, uid, address string) error {
	n, err := s.exec(ctx, s.db, querySetCustomerAddress, address, uid)
	if err != nil {
		return fmt.Errorf("unable to set customer address: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("withdrawal %s already sent: %w", uid, models.ErrInvalidState)
	}
	return nil
}

// SetWithdrawalSent records the broadcast transaction. The first writer wins.
func (s *Service) SetWithdrawalSent(ctx context.Context, uid, txId string, t time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db, querySetWithdrawalSent, txId, t.UTC(), uid)
	if err != nil {
		return false, fmt.Errorf("unable to set outgoing transaction: %w", err)
	}
	if n > 0 {
		zap.L().Info("Withdrawal sent",
			zap.String("withdrawal_uid", uid),
			zap.String("tx_id", txId))
	}
	return n > 0, nil
}

func (s *Service) SetInstantFiatTransfer(ctx context.Context, uid, transferId, reference string, t time.Time) (bool, error) {
	n, err := s.exec(ctx, s.db, querySetInstantFiatTransfer, transferId, nullString(reference), t.UTC(), uid)
	if err != nil {
		return false, fmt.Errorf("unable to set instantfiat transfer: %w", err)
	}
	return n > 0, nil
}

// ReplaceOutgoingTxId swaps a malleated transaction id
func (s *Service) ReplaceOutgoingTxId(ctx context.Context, uid, txId string) error {
	n, err := s.exec(ctx, s.db, queryReplaceOutgoingTxId, txId, uid)
	if err != nil {
		return fmt.Errorf("unable to replace outgoing transaction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("withdrawal %s not sent: %w", uid, models.ErrInvalidState)
	}
	return nil
}

func (s *Service) SetWithdrawalTime(ctx context.Context, uid string, field models.TimeField, t time.Time) (bool, error) {
	if !withdrawalTimeFields[field] {
		return false, fmt.Errorf("withdrawal %s: %w", field, store.ErrInvalidField)
	}

	query := fmt.Sprintf("UPDATE withdrawals SET %s = ? WHERE uid = ? AND %s IS NULL", field, field)
	n, err := s.exec(ctx, s.db, query, t.UTC(), uid)
	if err != nil {
		return false, fmt.Errorf("unable to set %s: %w", field, err)
	}
	return n > 0, nil
}

// CancelWithdrawal stamps time_cancelled on an unsent withdrawal and
// releases its reserved inputs.
func (s *Service) CancelWithdrawal(ctx context.Context, uid string, t time.Time) (bool, error) {
	ref := models.OrderRef{Kind: models.OrderWithdrawal, Uid: uid}
	var cancelled bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, queryCancelWithdrawal, t.UTC(), uid)
		if err != nil {
			return fmt.Errorf("unable to cancel withdrawal: %w", err)
		}
		if n == 0 {
			return nil
		}
		cancelled = true
		if _, err := s.exec(ctx, tx, queryDeleteWithdrawalChanges, uid); err != nil {
			return fmt.Errorf("unable to delete balance changes: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if cancelled {
		zap.L().Info("Withdrawal cancelled", zap.String("withdrawal_uid", uid))
		s.journalRevert(ctx, ref)
	}
	return cancelled, nil
}

func scanWithdrawal(row rowScanner) (*models.Withdrawal, error) {
	var w models.Withdrawal
	var deviceKey, customerAddress, outgoingTxId, transferId, reference sql.NullString
	var sent, broadcasted, notified, confirmed, cancelled sql.NullTime
	err := row.Scan(
		&w.Uid, &w.AccountId, &deviceKey, &w.Currency, &w.Amount, &w.CoinType, &w.CustomerCoinAmount,
		&w.TxFeeCoinAmount, &customerAddress, &outgoingTxId, &transferId,
		&reference, &w.TimeCreated, &sent, &broadcasted, &notified,
		&confirmed, &cancelled,
	)
	if err != nil {
		return nil, err
	}

	w.DeviceKey = deviceKey.String
	w.CustomerAddress = customerAddress.String
	w.OutgoingTxId = outgoingTxId.String
	w.InstantFiatTransferId = transferId.String
	w.InstantFiatReference = reference.String
	w.TimeSent = timePtr(sent)
	w.TimeBroadcasted = timePtr(broadcasted)
	w.TimeNotified = timePtr(notified)
	w.TimeConfirmed = timePtr(confirmed)
	w.TimeCancelled = timePtr(cancelled)
	return &w, nil
}
