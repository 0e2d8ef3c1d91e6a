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
	"encoding/hex"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"strings"

	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/prime"
	"pos-payments-go/internal/store"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type deviceRequest struct {
	accountId        string
	merchantName     string
	merchantCurrency string
	currency         string
	deviceName       string
	maxPayout        decimal.Decimal
	apiKey           string
	provider         string
	providerAccount  string
	providerApiKey   string
	activate         bool
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) < 2 {
		return fmt.Errorf("name must be at least 2 characters")
	}
	return nil
}

func validateCurrency(currency string) error {
	if len(currency) != 3 || strings.ToUpper(currency) != currency {
		return fmt.Errorf("invalid currency code: %s", currency)
	}
	return nil
}

// validateApiKey accepts a PEM public key or a hex secp256k1 public key
func validateApiKey(key string) error {
	if key == "" {
		return nil
	}
	if block, _ := pem.Decode([]byte(key)); block != nil {
		return nil
	}
	raw, err := hex.DecodeString(strings.TrimSpace(key))
	if err != nil || (len(raw) != 33 && len(raw) != 65) {
		return fmt.Errorf("api key must be a PEM public key or a hex encoded secp256k1 key")
	}
	return nil
}

func parseAndValidateFlags() (*deviceRequest, error) {
	accountFlag := flag.String("account", "", "Existing account id (creates a new account when empty)")
	merchantFlag := flag.String("merchant", "", "Merchant name for a new account")
	merchantCurrencyFlag := flag.String("merchant-currency", "GBP", "Fiat currency of the merchant")
	currencyFlag := flag.String("currency", "BTC", "Account currency: BTC, TBTC, or a fiat code for instant-fiat accounts")
	deviceFlag := flag.String("device", "", "Device name (required)")
	maxPayoutFlag := flag.String("max-payout", "0", "Maximum withdrawal amount in fiat")
	apiKeyFileFlag := flag.String("api-key-file", "", "File holding the device public key")
	providerFlag := flag.String("instantfiat", "", "Instant-fiat provider (cryptopay or prime)")
	providerAccountFlag := flag.String("instantfiat-account", "", "Provider account or Prime wallet id")
	providerApiKeyFlag := flag.String("instantfiat-api-key", "", "Provider api key")
	activateFlag := flag.Bool("activate", true, "Activate the device right away")
	flag.Parse()

	if *deviceFlag == "" {
		return nil, fmt.Errorf("--device is required")
	}
	if err := validateName(*deviceFlag); err != nil {
		return nil, err
	}
	if *accountFlag == "" {
		if err := validateName(*merchantFlag); err != nil {
			return nil, fmt.Errorf("--merchant: %w", err)
		}
		if err := validateCurrency(*merchantCurrencyFlag); err != nil {
			return nil, err
		}
		if err := validateCurrency(*currencyFlag); err != nil && *currencyFlag != "TBTC" {
			return nil, err
		}
	}

	maxPayout, err := decimal.NewFromString(*maxPayoutFlag)
	if err != nil || maxPayout.IsNegative() {
		return nil, fmt.Errorf("invalid max payout: %s", *maxPayoutFlag)
	}

	var apiKey string
	if *apiKeyFileFlag != "" {
		data, err := os.ReadFile(*apiKeyFileFlag)
		if err != nil {
			return nil, fmt.Errorf("unable to read api key: %w", err)
		}
		apiKey = strings.TrimSpace(string(data))
	}
	if err := validateApiKey(apiKey); err != nil {
		return nil, err
	}

	switch *providerFlag {
	case "", instantfiat.CryptoPayName, prime.ProviderName:
	default:
		return nil, fmt.Errorf("unknown instant-fiat provider: %s", *providerFlag)
	}

	return &deviceRequest{
		accountId:        *accountFlag,
		merchantName:     *merchantFlag,
		merchantCurrency: *merchantCurrencyFlag,
		currency:         *currencyFlag,
		deviceName:       *deviceFlag,
		maxPayout:        maxPayout,
		apiKey:           apiKey,
		provider:         *providerFlag,
		providerAccount:  *providerAccountFlag,
		providerApiKey:   *providerApiKeyFlag,
		activate:         *activateFlag,
	}, nil
}

// findPrimeWallet returns the trading wallet holding the account coins
func findPrimeWallet(ctx context.Context, cfg *models.Config, symbol string) (string, error) {
	if !cfg.Prime.Enabled() {
		return "", fmt.Errorf("missing required Prime API credentials: PRIME_ACCESS_KEY, PRIME_PASSPHRASE, PRIME_SIGNING_KEY")
	}
	httpClient, err := common.NewHttpClient()
	if err != nil {
		return "", err
	}
	primeService := prime.NewService(&credentials.Credentials{
		AccessKey:  cfg.Prime.AccessKey,
		Passphrase: cfg.Prime.Passphrase,
		SigningKey: cfg.Prime.SigningKey,
	}, httpClient)

	portfolioId := cfg.Prime.PortfolioId
	if portfolioId == "" {
		portfolio, err := primeService.FindDefaultPortfolio(ctx)
		if err != nil {
			return "", err
		}
		portfolioId = portfolio.Id
	}

	wallets, err := primeService.ListWallets(ctx, portfolioId, "TRADING", []string{symbol})
	if err != nil {
		return "", fmt.Errorf("error listing wallets: %w", err)
	}
	if len(wallets) == 0 {
		return "", fmt.Errorf("no %s trading wallet in portfolio %s", symbol, portfolioId)
	}
	zap.L().Info("Using existing wallet",
		zap.String("asset", symbol),
		zap.String("wallet_name", wallets[0].Name),
		zap.String("wallet_id", wallets[0].Id))
	return wallets[0].Id, nil
}

func createAccount(ctx context.Context, cfg *models.Config, dbService *database.Service, req *deviceRequest) (*models.Account, error) {
	if req.accountId != "" {
		return dbService.GetAccount(ctx, req.accountId)
	}

	if req.provider == prime.ProviderName && req.providerAccount == "" {
		walletId, err := findPrimeWallet(ctx, cfg, "BTC")
		if err != nil {
			return nil, err
		}
		req.providerAccount = walletId
	}

	return dbService.CreateAccount(ctx, store.CreateAccountParams{
		MerchantName:         req.merchantName,
		MerchantCurrency:     req.merchantCurrency,
		Currency:             req.currency,
		InstantFiatProvider:  req.provider,
		InstantFiatAccountId: req.providerAccount,
		InstantFiatApiKey:    req.providerApiKey,
	})
}

func activate(ctx context.Context, dbService *database.Service, key string) error {
	for _, status := range []models.DeviceStatus{models.DeviceActivating, models.DeviceActive} {
		if err := dbService.SetDeviceStatus(ctx, key, status); err != nil {
			return fmt.Errorf("unable to set device status %s: %w", status, err)
		}
	}
	return nil
}

func main() {
	ctx := context.Background()

	req, err := parseAndValidateFlags()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Invalid flags", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger(cfg.Log)
	defer loggerCleanup()

	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	account, err := createAccount(ctx, cfg, dbService, req)
	if err != nil {
		zap.L().Fatal("Failed to resolve account", zap.Error(err))
	}

	device, err := dbService.CreateDevice(ctx, store.CreateDeviceParams{
		AccountId: account.Id,
		Name:      req.deviceName,
		MaxPayout: req.maxPayout,
		ApiKey:    req.apiKey,
	})
	if err != nil {
		zap.L().Fatal("Failed to create device", zap.Error(err))
	}

	status := device.Status
	if req.activate {
		if err := activate(ctx, dbService, device.Key); err != nil {
			zap.L().Fatal("Failed to activate device", zap.Error(err))
		}
		status = models.DeviceActive
	}

	common.PrintHeader("DEVICE CREATED", common.DefaultWidth)
	fmt.Printf("Account:     %s (%s)\n", account.Id, account.MerchantName)
	fmt.Printf("Currency:    %s / %s\n", account.Currency, account.MerchantCurrency)
	if account.IsInstantFiat() {
		fmt.Printf("Provider:    %s (%s)\n", account.InstantFiatProvider, account.InstantFiatAccountId)
	}
	fmt.Printf("Device Key:  %s\n", device.Key)
	fmt.Printf("Name:        %s\n", device.Name)
	fmt.Printf("Status:      %s\n", status)
	fmt.Printf("Max Payout:  %s\n", device.MaxPayout.StringFixed(2))
	fmt.Printf("Signed API:  %t\n", device.ApiKey != "")
	common.PrintSeparator("=", common.DefaultWidth)

	zap.L().Info("Device created successfully",
		zap.String("account_id", account.Id),
		zap.String("device_key", device.Key))
}
