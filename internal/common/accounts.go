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


package common

import (
	"context"
	"fmt"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LoadAccounts retrieves accounts based on an optional id filter.
// If accountFilter is provided, returns a single account with that id.
// If accountFilter is empty, returns all accounts.
func LoadAccounts(ctx context.Context, dbService store.Store, accountFilter string, logger *zap.Logger) ([]models.Account, error) {
	var accounts []models.Account

	if accountFilter != "" {
		logger.Info("Looking up account", zap.String("account_id", accountFilter))
		account, err := dbService.GetAccount(ctx, accountFilter)
		if err != nil {
			return nil, fmt.Errorf("account not found: %w", err)
		}
		accounts = append(accounts, *account)
	} else {
		all, err := dbService.ListAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get accounts: %w", err)
		}
		accounts = all
	}

	logger.Info("Retrieved accounts", zap.Int("count", len(accounts)))
	return accounts, nil
}

// AccountBalances are the three ledger views of one account
type AccountBalances struct {
	Total     decimal.Decimal
	Confirmed decimal.Decimal
	Onchain   decimal.Decimal
}

// GetAccountBalances reads the total, confirmed and on-chain balances
func GetAccountBalances(ctx context.Context, dbService store.Store, accountId string) (AccountBalances, error) {
	var b AccountBalances
	var err error
	if b.Total, err = dbService.GetAccountBalance(ctx, accountId, models.BalanceOptions{}); err != nil {
		return b, err
	}
	if b.Confirmed, err = dbService.GetAccountBalance(ctx, accountId, models.BalanceOptions{ConfirmedOnly: true}); err != nil {
		return b, err
	}
	if b.Onchain, err = dbService.GetAccountBalance(ctx, accountId, models.BalanceOptions{ExcludeOffchain: true}); err != nil {
		return b, err
	}
	return b, nil
}
