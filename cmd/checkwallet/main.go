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
	"os"
	"strings"

	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/formance"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/reconciler"

	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: checkwallet <currency>\n")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	currency := strings.ToUpper(flag.Arg(0))

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.Log)
	defer loggerCleanup()

	coinType, err := models.CoinTypeForCurrency(currency)
	if err != nil {
		logger.Fatal("Unsupported currency", zap.String("currency", currency), zap.Error(err))
	}

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	nodes, err := common.InitializeNodes(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to bitcoin nodes", zap.Error(err))
	}
	defer nodes.Close()

	deps := reconciler.Dependencies{Store: dbService, Nodes: nodes}
	if cfg.Formance.Enabled() {
		journal, err := formance.NewService(ctx, cfg.Formance)
		if err != nil {
			logger.Fatal("Failed to connect to ledger mirror", zap.Error(err))
		}
		defer journal.Close()
		deps.Journal = journal
	}

	rec, err := reconciler.New(deps, models.ReconcilerConfig{Currencies: []string{currency}}, cfg.Payments.RequiredConfirmations)
	if err != nil {
		logger.Fatal("Failed to create reconciler", zap.Error(err))
	}

	result, err := rec.CheckWallet(ctx, coinType)
	if err != nil {
		logger.Fatal("Wallet check failed", zap.String("currency", currency), zap.Error(err))
	}

	for _, line := range result.Summary() {
		fmt.Println(line)
	}
	for _, m := range result.Mismatches {
		fmt.Printf("  %s: node=%s store=%s\n", m.Address, common.FormatCoin(m.Node), common.FormatCoin(m.Store))
	}
	if !result.Balanced() {
		os.Exit(1)
	}
}
