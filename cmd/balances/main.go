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


package main

import (
	"context"
	"flag"
	"fmt"

	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/models"

	"go.uber.org/zap"
)

type balanceStats struct {
	totalAccounts        int
	accountsWithBalances int
}

func printAccountHeader(account models.Account) {
	fmt.Printf("\n┌─ Merchant: %s\n", account.MerchantName)
	fmt.Printf("│  ID: %s\n", account.Id)
	fmt.Printf("│  Currency: %s (merchant %s)\n", account.Currency, account.MerchantCurrency)
	if account.IsInstantFiat() {
		fmt.Printf("│  Instant fiat: %s\n", account.InstantFiatProvider)
	}
	common.PrintBoxSeparator(78)
}

func printBalances(balances common.AccountBalances, currency string) {
	rows := []struct {
		label  string
		amount string
	}{
		{"total", common.FormatCoin(balances.Total)},
		{"confirmed", common.FormatCoin(balances.Confirmed)},
		{"on-chain", common.FormatCoin(balances.Onchain)},
	}
	for i, row := range rows {
		fmt.Printf("%s %-12s: %20s %s\n", common.BoxPrefix(i == len(rows)-1), row.label, row.amount, currency)
	}
}

func processAccounts(ctx context.Context, accounts []models.Account, dbService *database.Service, logger *zap.Logger) balanceStats {
	stats := balanceStats{}

	for _, account := range accounts {
		stats.totalAccounts++

		balances, err := common.GetAccountBalances(ctx, dbService, account.Id)
		if err != nil {
			logger.Error("Failed to process account",
				zap.String("account_id", account.Id),
				zap.String("merchant_name", account.MerchantName),
				zap.Error(err))
			continue
		}

		printAccountHeader(account)
		printBalances(balances, account.Currency)
		if !balances.Total.IsZero() {
			stats.accountsWithBalances++
		}
	}

	return stats
}

func printFeeBalances(ctx context.Context, dbService *database.Service, logger *zap.Logger) {
	fmt.Printf("\n┌─ Fee account\n")
	common.PrintBoxSeparator(78)
	coinTypes := []int{models.CoinTypeBTC, models.CoinTypeTBTC}
	for i, coinType := range coinTypes {
		balance, err := dbService.GetFeeAccountBalance(ctx, coinType, models.BalanceOptions{})
		if err != nil {
			logger.Error("Failed to get fee balance", zap.Int("coin_type", coinType), zap.Error(err))
			continue
		}
		currency, _ := models.CurrencyForCoinType(coinType)
		fmt.Printf("%s %-12s: %20s %s\n", common.BoxPrefix(i == len(coinTypes)-1), "total", common.FormatCoin(balance), currency)
	}
}

func main() {
	ctx := context.Background()

	accountFlag := flag.String("account", "", "Filter by specific account id (optional)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.Log)
	defer loggerCleanup()

	logger.Info("Starting balance query")

	// Read-only: no node connection needed
	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	accounts, err := common.LoadAccounts(ctx, dbService, *accountFlag, logger)
	if err != nil {
		logger.Fatal("Failed to load accounts", zap.Error(err))
	}

	common.PrintHeader("ACCOUNT BALANCE REPORT", common.DefaultWidth)

	stats := processAccounts(ctx, accounts, dbService, logger)
	if *accountFlag == "" {
		printFeeBalances(ctx, dbService, logger)
	}

	summary := fmt.Sprintf("SUMMARY: %d accounts with balances (%d accounts queried)",
		stats.accountsWithBalances, stats.totalAccounts)
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Balance query completed",
		zap.Int("accounts_queried", stats.totalAccounts),
		zap.Int("accounts_with_balances", stats.accountsWithBalances))
}
