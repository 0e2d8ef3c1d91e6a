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
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pos-payments-go/internal/common"
	"pos-payments-go/internal/config"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger(cfg.Log)
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting payment engine")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// Orders in flight before the restart get their tasks back.
	if err := services.Deposits.Resume(ctx); err != nil {
		zap.L().Fatal("Failed to resume deposits", zap.Error(err))
	}
	if err := services.Withdrawals.Resume(ctx); err != nil {
		zap.L().Fatal("Failed to resume withdrawals", zap.Error(err))
	}
	zap.L().Info("Pending orders resumed", zap.Int("tasks", services.Scheduler.Len()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return services.Scheduler.Run(gctx) })
	g.Go(func() error { return services.Reconciler.Run(gctx) })
	g.Go(func() error { return services.Server.Run(gctx) })

	zap.L().Info("Payment engine running", zap.String("listen_addr", cfg.Server.ListenAddr))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		zap.L().Info("Shutdown signal received, stopping engine...")
	case <-gctx.Done():
		zap.L().Error("Engine component stopped unexpectedly")
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			zap.L().Error("Engine stopped with error", zap.Error(err))
			return
		}
		zap.L().Info("Payment engine stopped gracefully")
	case <-time.After(30 * time.Second):
		zap.L().Warn("Forced shutdown after timeout")
	}
}
