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
	"fmt"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/formance"

	"go.uber.org/zap"
)

type nodeCheck struct {
	coinType int
	network  string
	height   int64
	err      error
}

// checkNodes queries the chain height of every configured node
func checkNodes(nodes *blockchain.Nodes) []nodeCheck {
	var checks []nodeCheck
	for _, coinType := range nodes.CoinTypes() {
		check := nodeCheck{coinType: coinType}
		client, err := nodes.For(coinType)
		if err != nil {
			check.err = err
			checks = append(checks, check)
			continue
		}
		check.network = client.Network()

		node, ok := client.(*blockchain.Node)
		if !ok {
			checks = append(checks, check)
			continue
		}
		check.height, check.err = node.BlockCount()
		if check.err != nil {
			zap.L().Error("Node connectivity check failed",
				zap.String("network", check.network),
				zap.Error(check.err))
		}
		checks = append(checks, check)
	}
	return checks
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger(cfg.Log)
	defer loggerCleanup()

	zap.L().Info("Starting setup",
		zap.String("driver", cfg.Database.Driver),
		zap.String("path", cfg.Database.Path))

	// Opening the database creates the schema
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()
	fmt.Println("✓ Database schema ready")

	if cfg.Formance.Enabled() {
		journal, err := formance.NewService(ctx, cfg.Formance)
		if err != nil {
			zap.L().Fatal("Failed to initialize ledger mirror", zap.Error(err))
		}
		journal.Close()
		fmt.Printf("✓ Ledger mirror ready (%s)\n", cfg.Formance.LedgerName)
	}

	providersCfg, err := common.LoadProvidersConfig(cfg.ProvidersFile)
	if err != nil {
		zap.L().Fatal("Failed to load providers", zap.Error(err))
	}
	fmt.Printf("✓ Providers: %d rate sources, %d oracles, %d instant-fiat\n",
		len(providersCfg.Rates), len(providersCfg.Oracles), len(providersCfg.InstantFiat))

	nodes, err := common.InitializeNodes(cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize bitcoin nodes", zap.Error(err))
	}
	defer nodes.Close()

	checks := checkNodes(nodes)

	common.PrintHeader("SETUP SUMMARY", common.DefaultWidth)
	failed := 0
	for _, c := range checks {
		if c.err != nil {
			failed++
			fmt.Printf("✗ %-8s (coin type %d): %v\n", c.network, c.coinType, c.err)
			continue
		}
		fmt.Printf("✓ %-8s (coin type %d): block height %d\n", c.network, c.coinType, c.height)
	}
	common.PrintSeparator("=", common.DefaultWidth)

	if failed > 0 {
		zap.L().Fatal("Setup incomplete", zap.Int("unreachable_nodes", failed))
	}
	zap.L().Info("Setup completed successfully", zap.Int("nodes", len(checks)))
}
