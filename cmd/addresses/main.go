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
	"sort"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"go.uber.org/zap"
)

type reportStats struct {
	totalAddresses  int
	changeAddresses int
	funded          int
}

func printAccountHeader(accountId string, addressCount int) {
	if accountId == "" {
		accountId = "(fee account)"
	}
	fmt.Printf("\n┌─ Account: %s\n", accountId)
	fmt.Printf("│  Addresses: %d\n", addressCount)
	common.PrintBoxSeparator(98)
}

func printAddress(row store.AddressBalance, nodeBalance string, isLast bool) {
	kind := "deposit"
	if row.Address.IsChange {
		kind = "change"
	}
	line := fmt.Sprintf("%s %-42s %-8s %16s", common.BoxPrefix(isLast), row.Address.Address, kind, common.FormatCoin(row.Balance))
	if nodeBalance != "" {
		line += fmt.Sprintf("  node %16s", nodeBalance)
	}
	fmt.Println(line)
}

// groupByAccount orders rows by account and creation time
func groupByAccount(rows []store.AddressBalance, accountFilter string) (map[string][]store.AddressBalance, []string) {
	groups := make(map[string][]store.AddressBalance)
	for _, row := range rows {
		if accountFilter != "" && row.Address.AccountId != accountFilter {
			continue
		}
		groups[row.Address.AccountId] = append(groups[row.Address.AccountId], row)
	}
	ids := make([]string, 0, len(groups))
	for id, list := range groups {
		sort.Slice(list, func(i, j int) bool { return list[i].Address.CreatedAt.Before(list[j].Address.CreatedAt) })
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return groups, ids
}

func main() {
	ctx := context.Background()

	currencyFlag := flag.String("currency", "BTC", "Wallet currency (BTC or TBTC)")
	accountFlag := flag.String("account", "", "Filter by specific account id (optional)")
	nodeFlag := flag.Bool("node", false, "Also query confirmed balances from the bitcoin node")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.Log)
	defer loggerCleanup()

	coinType, err := models.CoinTypeForCurrency(*currencyFlag)
	if err != nil {
		logger.Fatal("Invalid currency", zap.Error(err))
	}

	logger.Info("Starting address query", zap.String("currency", *currencyFlag))

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	var node blockchain.Client
	if *nodeFlag {
		nodes, err := common.InitializeNodes(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to bitcoin nodes", zap.Error(err))
		}
		defer nodes.Close()
		if node, err = nodes.For(coinType); err != nil {
			logger.Fatal("No node for currency", zap.Error(err))
		}
	}

	rows, err := dbService.ListAddressBalances(ctx, coinType, models.BalanceOptions{})
	if err != nil {
		logger.Fatal("Failed to list addresses", zap.Error(err))
	}
	groups, ids := groupByAccount(rows, *accountFlag)

	common.PrintHeader(fmt.Sprintf("%s WALLET ADDRESSES", *currencyFlag), common.WideWidth)

	stats := reportStats{}
	for _, id := range ids {
		list := groups[id]
		printAccountHeader(id, len(list))
		for i, row := range list {
			stats.totalAddresses++
			if row.Address.IsChange {
				stats.changeAddresses++
			}
			if row.Balance.IsPositive() {
				stats.funded++
			}

			nodeBalance := ""
			if node != nil {
				balance, err := node.GetAddressBalance(row.Address.Address, int(cfg.Payments.RequiredConfirmations))
				if err != nil {
					logger.Error("Failed to get node balance",
						zap.String("address", row.Address.Address),
						zap.Error(err))
					nodeBalance = "error"
				} else {
					nodeBalance = common.FormatCoin(balance)
				}
			}
			printAddress(row, nodeBalance, i == len(list)-1)
		}
	}

	summary := fmt.Sprintf("SUMMARY: %d addresses (%d change, %d funded) across %d accounts",
		stats.totalAddresses, stats.changeAddresses, stats.funded, len(ids))
	common.PrintFooter(summary, common.WideWidth)

	logger.Info("Address query completed",
		zap.Int("total_addresses", stats.totalAddresses),
		zap.Int("accounts", len(ids)))
}
