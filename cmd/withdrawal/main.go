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
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/withdrawals"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type withdrawalRequest struct {
	device      string
	account     string
	amount      decimal.Decimal
	destination string
	dryRun      bool
}

func parseAndValidateFlags() (*withdrawalRequest, error) {
	deviceFlag := flag.String("device", "", "Device key (device or account required)")
	accountFlag := flag.String("account", "", "Account id (device or account required)")
	amountFlag := flag.String("amount", "", "Fiat amount to pay out (required)")
	destinationFlag := flag.String("destination", "", "Customer address (required)")
	dryRunFlag := flag.Bool("dry-run", false, "Prepare and cancel without sending")
	flag.Parse()

	if (*deviceFlag == "") == (*accountFlag == "") {
		return nil, fmt.Errorf("exactly one of --device or --account is required")
	}
	if *amountFlag == "" || (*destinationFlag == "" && !*dryRunFlag) {
		return nil, fmt.Errorf("flags are required: --amount, --destination")
	}

	amount, err := decimal.NewFromString(*amountFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	return &withdrawalRequest{
		device:      *deviceFlag,
		account:     *accountFlag,
		amount:      amount,
		destination: *destinationFlag,
		dryRun:      *dryRunFlag,
	}, nil
}

func printWithdrawalSummary(w *models.Withdrawal, currency string, balance decimal.Decimal, destination string) {
	common.PrintHeader("WITHDRAWAL REQUEST", common.DefaultWidth)
	fmt.Printf("Withdrawal:        %s\n", w.Uid)
	fmt.Printf("Account:           %s\n", w.AccountId)
	fmt.Printf("Fiat Amount:       %s %s\n", w.Amount.StringFixed(2), w.Currency)
	fmt.Printf("Customer Amount:   %s %s\n", common.FormatCoin(w.CustomerCoinAmount), currency)
	fmt.Printf("Network Fee:       %s %s\n", common.FormatCoin(w.TxFeeCoinAmount), currency)
	fmt.Printf("Balance:           %s %s\n", common.FormatCoin(balance), currency)
	if destination != "" {
		fmt.Printf("Destination:       %s\n", destination)
	}
	common.PrintSeparator("=", common.DefaultWidth)
	fmt.Println()
}

func cancel(ctx context.Context, services *common.Services, uid string) {
	if _, err := services.Withdrawals.CancelWithdrawal(ctx, uid); err != nil {
		fmt.Println("❌ CRITICAL: Cancel failed -- reservation still held until timeout")
		zap.L().Error("Failed to cancel withdrawal", zap.String("withdrawal_uid", uid), zap.Error(err))
		return
	}
	fmt.Println("✅ Withdrawal cancelled, reservation released")
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

	zap.L().Info("Starting withdrawal process",
		zap.String("device", req.device),
		zap.String("account", req.account),
		zap.String("amount", req.amount.String()),
		zap.String("destination", req.destination))

	zap.L().Info("Initializing services")
	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	w, err := services.Withdrawals.PrepareWithdrawal(ctx, withdrawals.Target{
		DeviceKey: req.device,
		AccountId: req.account,
	}, req.amount)
	if err != nil {
		common.PrintHeader("WITHDRAWAL FAILED", common.DefaultWidth)
		fmt.Printf("Error: %v\n", err)
		common.PrintSeparator("=", common.DefaultWidth)
		zap.L().Fatal("Withdrawal preparation failed", zap.Error(err))
	}

	account, err := services.DbService.GetAccount(ctx, w.AccountId)
	if err != nil {
		zap.L().Fatal("Failed to load account", zap.Error(err))
	}
	balance, err := services.DbService.GetAccountBalance(ctx, account.Id, models.BalanceOptions{ConfirmedOnly: true})
	if err != nil {
		zap.L().Fatal("Failed to get balance", zap.Error(err))
	}
	printWithdrawalSummary(w, account.Currency, balance, req.destination)

	if req.dryRun {
		cancel(ctx, services, w.Uid)
		return
	}

	fmt.Println("🔄 Sending withdrawal...")
	sent, err := services.Withdrawals.ConfirmWithdrawal(ctx, w.Uid, req.destination)
	if err != nil {
		fmt.Printf("\n❌ Withdrawal failed: %v\n", err)
		current, getErr := services.Withdrawals.GetWithdrawal(ctx, w.Uid)
		if getErr == nil && services.Withdrawals.Status(current) == models.WithdrawalNew {
			cancel(ctx, services, w.Uid)
		}
		zap.L().Fatal("Withdrawal failed", zap.Error(err))
	}

	fmt.Printf("✅ Withdrawal sent!\n")
	fmt.Printf("   Status:      %s\n", services.Withdrawals.Status(sent))
	if sent.OutgoingTxId != "" {
		fmt.Printf("   Transaction: %s\n", sent.OutgoingTxId)
	}
	if sent.InstantFiatTransferId != "" {
		fmt.Printf("   Transfer:    %s\n", sent.InstantFiatTransferId)
	}
	fmt.Println("   The engine tracks confirmation from here.")

	zap.L().Info("Withdrawal sent",
		zap.String("withdrawal_uid", sent.Uid),
		zap.String("account_id", sent.AccountId))
}
