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

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var depositTimeFields = map[models.TimeField]bool{
	models.TimeReceived:    true,
	models.TimeBroadcasted: true,
	models.TimeExchanged:   true,
	models.TimeNotified:    true,
	models.TimeConfirmed:   true,
	models.TimeRefunded:    true,
	models.TimeCancelled:   true,
}

// CreateDeposit persists a new deposit, generating its uid. A uid
// collision is retried with a fresh one.
func (s *Service) CreateDeposit(ctx context.Context, deposit *models.Deposit) error {
	if deposit.TimeCreated.IsZero() {
		deposit.TimeCreated = time.Now().UTC()
	}

	for attempt := 0; attempt < maxUidAttempts; attempt++ {
		deposit.Uid = models.NewUid(models.UidLength)
		_, err := s.exec(ctx, s.db, queryInsertDeposit,
			deposit.Uid, deposit.AccountId, nullString(deposit.DeviceKey), deposit.Currency,
			deposit.Amount.String(), deposit.CoinType, deposit.DepositAddress,
			deposit.MerchantCoinAmount.String(), deposit.FeeCoinAmount.String(),
			deposit.PaidCoinAmount.String(), nullString(string(deposit.PaymentType)),
			nullString(deposit.InstantFiatInvoiceId), deposit.TimeCreated)
		if err == nil {
			zap.L().Info("Deposit created",
				zap.String("deposit_uid", deposit.Uid),
				zap.String("amount", deposit.Amount.String()),
				zap.String("currency", deposit.Currency),
				zap.String("deposit_address", deposit.DepositAddress))
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("unable to insert deposit: %w", err)
		}
		// deposit_address is unique too; only retry while the uid is free of other conflicts
		if exists, checkErr := s.depositExists(ctx, deposit.Uid); checkErr != nil || !exists {
			return fmt.Errorf("unable to insert deposit: %w", err)
		}
		zap.L().Warn("Deposit uid collision, retrying", zap.String("deposit_uid", deposit.Uid))
	}
	return store.ErrUidExhausted
}

func (s *Service) depositExists(ctx context.Context, uid string) (bool, error) {
	var paid string
	err := s.db.QueryRowContext(ctx, s.rebind(queryGetPaidAmount), uid).Scan(&paid)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) GetDeposit(ctx context.Context, uid string) (*models.Deposit, error) {
	deposit, err := scanDeposit(s.db.QueryRowContext(ctx, s.rebind(queryGetDeposit), uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deposit %s: %w", uid, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query deposit: %w", err)
	}

	if deposit.IncomingTxIds, err = s.incomingTxIds(ctx, uid); err != nil {
		return nil, err
	}
	return deposit, nil
}

func (s *Service) ListActiveDeposits(ctx context.Context) ([]models.Deposit, error) {
	deposits, err := s.queryDeposits(ctx, queryListActiveDeposits)
	if err != nil {
		return nil, err
	}

	for i := range deposits {
		if deposits[i].IncomingTxIds, err = s.incomingTxIds(ctx, deposits[i].Uid); err != nil {
			return nil, err
		}
	}
	return deposits, nil
}

func (s *Service) queryDeposits(ctx context.Context, query string, args ...any) ([]models.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("unable to query deposits: %w", err)
	}
	defer closeRows(rows)

	var deposits []models.Deposit
	for rows.Next() {
		deposit, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan deposit row: %w", err)
		}
		deposits = append(deposits, *deposit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deposit rows: %w", err)
	}
	return deposits, nil
}

func (s *Service) incomingTxIds(ctx context.Context, uid string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(queryGetIncomingTxIds), uid)
	if err != nil {
		return nil, fmt.Errorf("unable to query incoming transactions: %w", err)
	}
	defer closeRows(rows)

	var txIds []string
	for rows.Next() {
		var txId string
		if err := rows.Scan(&txId); err != nil {
			return nil, fmt.Errorf("unable to scan incoming transaction: %w", err)
		}
		txIds = append(txIds, txId)
	}
	return txIds, rows.Err()
}

// AppendIncomingTxId records a transaction paying the deposit. It returns
// false if the transaction was already recorded.
func (s *Service) AppendIncomingTxId(ctx context.Context, uid, txId string) (bool, error) {
	var added bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var position int64
		if err := tx.QueryRowContext(ctx, s.rebind(queryNextIncomingTxPosition), uid).Scan(&position); err != nil {
			return fmt.Errorf("unable to query next position: %w", err)
		}
		n, err := s.exec(ctx, tx, queryInsertIncomingTx, uid, txId, position)
		if err != nil {
			return fmt.Errorf("unable to insert incoming transaction: %w", err)
		}
		added = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if added {
		zap.L().Info("Incoming transaction recorded",
			zap.String("deposit_uid", uid),
			zap.String("tx_id", txId))
	}
	return added, nil
}

// ReplaceIncomingTxId swaps a malleated transaction id in place
func (s *Service) ReplaceIncomingTxId(ctx context.Context, uid, oldTxId, newTxId string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, queryReplaceIncomingTx, newTxId, uid, oldTxId)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("unable to replace incoming transaction: %w", err)
		}
		// New id already recorded, drop the old one
		if _, err := s.exec(ctx, tx, queryDeleteIncomingTx, uid, oldTxId); err != nil {
			return fmt.Errorf("unable to delete incoming transaction: %w", err)
		}
		return nil
	})
}

// SetDepositPaid raises paid_coin_amount; lower values are ignored.
func (s *Service) SetDepositPaid(ctx context.Context, uid string, amount decimal.Decimal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current decimal.Decimal
		err := tx.QueryRowContext(ctx, s.rebind(queryGetPaidAmount), uid).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("deposit %s: %w", uid, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("unable to query paid amount: %w", err)
		}

		if !amount.GreaterThan(current) {
			if amount.LessThan(current) {
				zap.L().Warn("Ignoring paid amount decrease",
					zap.String("deposit_uid", uid),
					zap.String("current", current.String()),
					zap.String("amount", amount.String()))
			}
			return nil
		}

		if _, err := s.exec(ctx, tx, queryUpdatePaidAmount, amount.String(), uid); err != nil {
			return fmt.Errorf("unable to update paid amount: %w", err)
		}
		return nil
	})
}

func (s *Service) SetRefundAddress(ctx context.Context, uid, address string) (bool, error) {
	n, err := s.exec(ctx, s.db, querySetRefundAddress, address, uid)
	if err != nil {
		return false, fmt.Errorf("unable to set refund address: %w", err)
	}
	return n > 0, nil
}

func (s *Service) SetPaymentType(ctx context.Context, uid string, paymentType models.PaymentType) error {
	if _, err := s.exec(ctx, s.db, querySetPaymentType, string(paymentType), uid); err != nil {
		return fmt.Errorf("unable to set payment type: %w", err)
	}
	return nil
}

func (s *Service) SetRefundTxId(ctx context.Context, uid, txId string) error {
	if _, err := s.exec(ctx, s.db, querySetRefundTxId, txId, uid); err != nil {
		return fmt.Errorf("unable to set refund transaction: %w", err)
	}
	return nil
}

// SetDepositTime stamps a timestamp column unless it is already set
func (s *Service) SetDepositTime(ctx context.Context, uid string, field models.TimeField, t time.Time) (bool, error) {
	if !depositTimeFields[field] {
		return false, fmt.Errorf("deposit %s: %w", field, store.ErrInvalidField)
	}

	query := fmt.Sprintf("UPDATE deposits SET %s = ? WHERE uid = ? AND %s IS NULL", field, field)
	n, err := s.exec(ctx, s.db, query, t.UTC(), uid)
	if err != nil {
		return false, fmt.Errorf("unable to set %s: %w", field, err)
	}

	if n > 0 {
		zap.L().Debug("Deposit timestamp set",
			zap.String("deposit_uid", uid),
			zap.String("field", string(field)))
	}
	return n > 0, nil
}

func scanDeposit(row rowScanner) (*models.Deposit, error) {
	var d models.Deposit
	var deviceKey, refundAddress, refundTxId, paymentType, invoiceId sql.NullString
	var received, broadcasted, exchanged, notified, confirmed, refunded, cancelled sql.NullTime
	err := row.Scan(
		&d.Uid, &d.AccountId, &deviceKey, &d.Currency, &d.Amount, &d.CoinType, &d.DepositAddress,
		&d.MerchantCoinAmount, &d.FeeCoinAmount, &d.PaidCoinAmount, &refundAddress, &refundTxId,
		&paymentType, &invoiceId, &d.TimeCreated, &received, &broadcasted,
		&exchanged, &notified, &confirmed, &refunded, &cancelled,
	)
	if err != nil {
		return nil, err
	}

	d.DeviceKey = deviceKey.String
	d.RefundAddress = refundAddress.String
	d.RefundTxId = refundTxId.String
	d.PaymentType = models.PaymentType(paymentType.String)
	d.InstantFiatInvoiceId = invoiceId.String
	d.TimeReceived = timePtr(received)
	d.TimeBroadcasted = timePtr(broadcasted)
	d.TimeExchanged = timePtr(exchanged)
	d.TimeNotified = timePtr(notified)
	d.TimeConfirmed = timePtr(confirmed)
	d.TimeRefunded = timePtr(refunded)
	d.TimeCancelled = timePtr(cancelled)
	return &d, nil
}
