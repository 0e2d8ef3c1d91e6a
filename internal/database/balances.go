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
	"fmt"
	"strings"
	"time"

	"pos-payments-go/internal/amounts"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreateBalanceChanges replaces the balance changes of an order atomically
func (s *Service) CreateBalanceChanges(ctx context.Context, ref models.OrderRef, changes []models.BalanceChange) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.deleteChanges(ctx, tx, ref); err != nil {
			return err
		}
		return s.insertChanges(ctx, tx, ref, changes, time.Now().UTC())
	})
	if err != nil {
		zap.L().Error("Failed to create balance changes", zap.String("order", ref.String()), zap.Error(err))
		return err
	}

	zap.L().Info("Balance changes created",
		zap.String("order", ref.String()),
		zap.Int("count", len(changes)),
		zap.String("total", store.SumChanges(changes).String()))

	s.journalRevert(ctx, ref)
	s.journalRecord(ctx, ref, changes)
	return nil
}

func (s *Service) DeleteBalanceChanges(ctx context.Context, ref models.OrderRef) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.deleteChanges(ctx, tx, ref)
	})
	if err != nil {
		return err
	}

	zap.L().Info("Balance changes deleted", zap.String("order", ref.String()))
	s.journalRevert(ctx, ref)
	return nil
}

func (s *Service) ListBalanceChanges(ctx context.Context, ref models.OrderRef) ([]models.BalanceChange, error) {
	query := queryListDepositChanges
	if ref.Kind == models.OrderWithdrawal {
		query = queryListWithdrawalChanges
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), ref.Uid)
	if err != nil {
		return nil, fmt.Errorf("unable to query balance changes: %w", err)
	}
	defer closeRows(rows)

	var changes []models.BalanceChange
	for rows.Next() {
		var c models.BalanceChange
		var depositUid, withdrawalUid, accountId sql.NullString
		var sat int64
		if err := rows.Scan(&c.Id, &depositUid, &withdrawalUid, &accountId, &c.Address, &sat, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("unable to scan balance change: %w", err)
		}
		c.DepositUid = depositUid.String
		c.WithdrawalUid = withdrawalUid.String
		c.AccountId = accountId.String
		c.Amount = amounts.FromSatoshi(sat)
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating balance changes: %w", err)
	}
	return changes, nil
}

func (s *Service) GetAccountBalance(ctx context.Context, accountId string, opts models.BalanceOptions) (decimal.Decimal, error) {
	return s.sumBalance(ctx, "bc.account_id = ?", opts, accountId)
}

// GetFeeAccountBalance sums the fee account rows held at addresses of coinType
func (s *Service) GetFeeAccountBalance(ctx context.Context, coinType int, opts models.BalanceOptions) (decimal.Decimal, error) {
	return s.sumBalance(ctx, "bc.account_id IS NULL AND a.coin_type = ?", opts, coinType)
}

func (s *Service) GetAddressBalance(ctx context.Context, address string, opts models.BalanceOptions) (decimal.Decimal, error) {
	return s.sumBalance(ctx, "bc.address = ?", opts, address)
}

// ListAddressBalances returns every address of coinType with its balance,
// oldest first.
func (s *Service) ListAddressBalances(ctx context.Context, coinType int, opts models.BalanceOptions) ([]store.AddressBalance, error) {
	query := strings.Replace(queryAddressBalances,
		"CASE WHEN bc.id IS NULL THEN 0",
		"CASE WHEN bc.id IS NULL OR NOT ("+balanceFilter(opts)+") THEN 0", 1) + `
		WHERE a.coin_type = ?
		GROUP BY a.id, a.account_id, a.coin_type, a.address, a.is_change, a.created_at
		ORDER BY a.created_at, a.address`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), coinType)
	if err != nil {
		return nil, fmt.Errorf("unable to query address balances: %w", err)
	}
	defer closeRows(rows)

	var balances []store.AddressBalance
	for rows.Next() {
		var b store.AddressBalance
		var accountId sql.NullString
		var sat int64
		err := rows.Scan(&b.Address.Id, &accountId, &b.Address.CoinType, &b.Address.Address,
			&b.Address.IsChange, &b.Address.CreatedAt, &sat)
		if err != nil {
			return nil, fmt.Errorf("unable to scan address balance: %w", err)
		}
		b.Address.AccountId = accountId.String
		b.Balance = amounts.FromSatoshi(sat)
		balances = append(balances, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating address balances: %w", err)
	}
	return balances, nil
}

func (s *Service) sumBalance(ctx context.Context, where string, opts models.BalanceOptions, args ...any) (decimal.Decimal, error) {
	query := querySumBalance + " WHERE " + where + " AND " + balanceFilter(opts)

	var sat int64
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&sat); err != nil {
		zap.L().Error("Failed to sum balance changes", zap.Error(err))
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return amounts.FromSatoshi(sat), nil
}

// balanceFilter renders the row filter over balance_changes bc, deposits d
// and withdrawals w. Withdrawal debits count as confirmed immediately,
// everything else once its order is confirmed.
func balanceFilter(opts models.BalanceOptions) string {
	conds := []string{"1 = 1"}
	if opts.ConfirmedOnly {
		conds = append(conds, "((d.uid IS NOT NULL AND d.time_confirmed IS NOT NULL) OR "+
			"(w.uid IS NOT NULL AND (bc.amount < 0 OR w.time_confirmed IS NOT NULL)))")
	}
	if opts.ExcludeOffchain {
		conds = append(conds, "(w.uid IS NULL OR w.time_sent IS NOT NULL)")
	}
	return strings.Join(conds, " AND ")
}

func (s *Service) deleteChanges(ctx context.Context, tx *sql.Tx, ref models.OrderRef) error {
	query := queryDeleteDepositChanges
	if ref.Kind == models.OrderWithdrawal {
		query = queryDeleteWithdrawalChanges
	}
	if _, err := s.exec(ctx, tx, query, ref.Uid); err != nil {
		return fmt.Errorf("unable to delete balance changes: %w", err)
	}
	return nil
}

func (s *Service) insertChanges(ctx context.Context, tx *sql.Tx, ref models.OrderRef, changes []models.BalanceChange, now time.Time) error {
	for i := range changes {
		c := &changes[i]
		c.Id = uuid.New().String()
		c.CreatedAt = now
		c.DepositUid, c.WithdrawalUid = "", ""
		if ref.Kind == models.OrderDeposit {
			c.DepositUid = ref.Uid
		} else {
			c.WithdrawalUid = ref.Uid
		}

		_, err := s.exec(ctx, tx, queryInsertBalanceChange,
			c.Id, nullString(c.DepositUid), nullString(c.WithdrawalUid), nullString(c.AccountId),
			c.Address, amounts.ToSatoshi(c.Amount), c.CreatedAt)
		if err != nil {
			return fmt.Errorf("unable to insert balance change: %w", err)
		}
	}
	return nil
}

func (s *Service) journalRecord(ctx context.Context, ref models.OrderRef, changes []models.BalanceChange) {
	if len(changes) == 0 {
		return
	}
	if err := s.journal.RecordBalanceChanges(ctx, ref, changes); err != nil {
		zap.L().Error("Failed to journal balance changes", zap.String("order", ref.String()), zap.Error(err))
	}
}

func (s *Service) journalRevert(ctx context.Context, ref models.OrderRef) {
	if err := s.journal.RevertBalanceChanges(ctx, ref); err != nil {
		zap.L().Error("Failed to revert journaled balance changes", zap.String("order", ref.String()), zap.Error(err))
	}
}
