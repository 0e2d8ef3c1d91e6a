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


package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

// durations is a table of duration settings resolved in one pass
type durations map[string]*time.Duration

func (d durations) load() error {
	for key, dst := range d {
		value, err := getEnvDuration(key, *dst)
		if err != nil {
			return err
		}
		*dst = value
	}
	return nil
}

func Load() (*models.Config, error) {
	depositTimeouts := models.DefaultDepositTimeouts()
	withdrawalTimeouts := models.DefaultWithdrawalTimeouts()

	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Driver:          getEnvString("DB_DRIVER", "sqlite3"),
			Path:            getEnvString("DATABASE_PATH", "payments.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 30 * time.Second,
			PingTimeout:     5 * time.Second,
		},
		Nodes: loadNodes(),
		Payments: models.PaymentsConfig{
			ExpectedConfirmBlocks:  int64(getEnvInt("EXPECTED_CONFIRM_BLOCKS", 6)),
			RequiredConfirmations:  int64(getEnvInt("REQUIRED_CONFIRMATIONS", 6)),
			DepositTimeouts:        depositTimeouts,
			WithdrawalTimeouts:     withdrawalTimeouts,
			ExchangeTimeout:        20 * time.Minute,
			PaymentPollInterval:    2 * time.Second,
			ConfidencePollInterval: 5 * time.Second,
			ConfirmPollInterval:    30 * time.Second,
			StatusCheckInterval:    time.Minute,
			AddressRetries:         getEnvInt("ADDRESS_RETRIES", 3),
			InstantFiatNetwork:     getEnvString("INSTANT_FIAT_NETWORK", models.NetworkMainnet),
		},
		Scheduler: models.SchedulerConfig{
			HighWorkers: getEnvInt("SCHEDULER_HIGH_WORKERS", 4),
			LowWorkers:  getEnvInt("SCHEDULER_LOW_WORKERS", 1),
			Resolution:  time.Second,
		},
		Reconciler: models.ReconcilerConfig{
			Interval:   10 * time.Minute,
			Currencies: getEnvList("RECONCILER_CURRENCIES", []string{"BTC"}),
		},
		Server: models.ServerConfig{
			ListenAddr:      getEnvString("LISTEN_ADDR", ":8000"),
			BaseURL:         getEnvString("BASE_URL", "http://localhost:8000"),
			PkiKeyFile:      getEnvString("PKI_KEY_FILE", ""),
			PkiCertFiles:    getEnvList("PKI_CERT_FILES", nil),
			ShutdownTimeout: 10 * time.Second,
		},
		Formance: models.FormanceConfig{
			StackURL:     getEnvString("FORMANCE_STACK_URL", ""),
			ClientID:     getEnvString("FORMANCE_CLIENT_ID", ""),
			ClientSecret: getEnvString("FORMANCE_CLIENT_SECRET", ""),
			LedgerName:   getEnvString("FORMANCE_LEDGER", "pos-payments"),
		},
		Prime: models.PrimeConfig{
			AccessKey:   getEnvString("PRIME_ACCESS_KEY", ""),
			Passphrase:  getEnvString("PRIME_PASSPHRASE", ""),
			SigningKey:  getEnvString("PRIME_SIGNING_KEY", ""),
			PortfolioId: getEnvString("PRIME_PORTFOLIO_ID", ""),
		},
		Log: models.LogConfig{
			File:     getEnvString("LOG_FILE", ""),
			MaxRolls: getEnvInt("LOG_MAX_ROLLS", 10),
			Level:    getEnvString("LOG_LEVEL", "info"),
		},
		ProvidersFile: getEnvString("PROVIDERS_FILE", "providers.yaml"),
	}

	err := durations{
		"DB_CONN_MAX_LIFETIME":     &cfg.Database.ConnMaxLifetime,
		"DB_CONN_MAX_IDLE_TIME":    &cfg.Database.ConnMaxIdleTime,
		"DB_PING_TIMEOUT":          &cfg.Database.PingTimeout,
		"DEPOSIT_TO":               &cfg.Payments.DepositTimeouts.Deposit,
		"CONFIDENCE_TO":            &cfg.Payments.DepositTimeouts.Confidence,
		"CONFIRMATION_TO":          &cfg.Payments.DepositTimeouts.Confirmation,
		"WITHDRAWAL_TO":            &cfg.Payments.WithdrawalTimeouts.Withdrawal,
		"WITHDRAWAL_BROADCAST_TO":  &cfg.Payments.WithdrawalTimeouts.Broadcast,
		"WITHDRAWAL_CONFIRM_TO":    &cfg.Payments.WithdrawalTimeouts.Confirmation,
		"EXCHANGE_TO":              &cfg.Payments.ExchangeTimeout,
		"PAYMENT_POLL_INTERVAL":    &cfg.Payments.PaymentPollInterval,
		"CONFIDENCE_POLL_INTERVAL": &cfg.Payments.ConfidencePollInterval,
		"CONFIRM_POLL_INTERVAL":    &cfg.Payments.ConfirmPollInterval,
		"STATUS_CHECK_INTERVAL":    &cfg.Payments.StatusCheckInterval,
		"SCHEDULER_RESOLUTION":     &cfg.Scheduler.Resolution,
		"RECONCILER_INTERVAL":      &cfg.Reconciler.Interval,
		"SHUTDOWN_TIMEOUT":         &cfg.Server.ShutdownTimeout,
	}.load()
	if err != nil {
		return nil, err
	}

	if cfg.Payments.FeeShare, err = getEnvDecimal("FEE_SHARE", decimal.RequireFromString("0.005")); err != nil {
		return nil, err
	}
	if cfg.Payments.DefaultTxFeePerKb, err = getEnvDecimal("DEFAULT_TX_FEE_PER_KB", decimal.RequireFromString("0.0002")); err != nil {
		return nil, err
	}
	threshold, err := getEnvDecimal("CONFIDENCE_THRESHOLD", decimal.RequireFromString("0.95"))
	if err != nil {
		return nil, err
	}
	cfg.Payments.ConfidenceThreshold = threshold.InexactFloat64()

	if cfg.Payments.FeeShare.IsNegative() || cfg.Payments.FeeShare.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("FEE_SHARE must be in [0, 1): %s", cfg.Payments.FeeShare)
	}
	if cfg.Payments.ConfidenceThreshold < 0 || cfg.Payments.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("CONFIDENCE_THRESHOLD must be in [0, 1]: %v", cfg.Payments.ConfidenceThreshold)
	}
	return cfg, nil
}

// loadNodes reads one bitcoind connection per network. A network is
// configured when its host is set, e.g. NODE_MAINNET_HOST.
func loadNodes() map[string]models.NodeConfig {
	nodes := make(map[string]models.NodeConfig)
	for _, network := range []string{models.NetworkMainnet, models.NetworkTestnet, "regtest"} {
		prefix := "NODE_" + strings.ToUpper(network) + "_"
		host := getEnvString(prefix+"HOST", "")
		if host == "" {
			continue
		}
		nodes[network] = models.NodeConfig{
			Network:    network,
			Host:       host,
			User:       getEnvString(prefix+"USER", ""),
			Pass:       getEnvString(prefix+"PASS", ""),
			DisableTLS: getEnvBool(prefix+"DISABLE_TLS", true),
		}
	}
	return nodes
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	if value := os.Getenv(key); value != "" {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid decimal for %s: %q (%w)", key, value, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
