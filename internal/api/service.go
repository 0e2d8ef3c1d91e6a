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


package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pos-payments-go/internal/bip70"
	"pos-payments-go/internal/deposits"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"
	"pos-payments-go/internal/withdrawals"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultListenAddr      = ":8000"
	defaultShutdownTimeout = 10 * time.Second
	requestTimeout         = 30 * time.Second
)

// DepositService is the deposit state machine as seen by the Device API
type DepositService interface {
	PrepareDeposit(ctx context.Context, target deposits.Target, fiatAmount decimal.Decimal) (*models.Deposit, error)
	GetDeposit(ctx context.Context, uid string) (*models.Deposit, error)
	NotifyDeposit(ctx context.Context, uid string) (*models.Deposit, error)
	CancelDeposit(ctx context.Context, uid string) (*models.Deposit, error)
	PaymentRequest(ctx context.Context, uid, paymentURL, merchantName string, signer *bip70.Signer) ([]byte, error)
	HandleBIP70Payment(ctx context.Context, uid string, message []byte) ([]byte, error)
	Status(deposit *models.Deposit) models.DepositStatus
}

// WithdrawalService is the withdrawal state machine as seen by the Device API
type WithdrawalService interface {
	PrepareWithdrawal(ctx context.Context, target withdrawals.Target, fiatAmount decimal.Decimal) (*models.Withdrawal, error)
	GetWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error)
	NotifyWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error)
	ConfirmWithdrawal(ctx context.Context, uid, customerAddress string) (*models.Withdrawal, error)
	CancelWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error)
	Status(withdrawal *models.Withdrawal) models.WithdrawalStatus
}

var (
	_ DepositService    = (*deposits.Service)(nil)
	_ WithdrawalService = (*withdrawals.Service)(nil)
)

type Dependencies struct {
	Store       store.Store
	Deposits    DepositService
	Withdrawals WithdrawalService
	Signer      *bip70.Signer
}

// Server exposes the Device API
type Server struct {
	store       store.Store
	deposits    DepositService
	withdrawals WithdrawalService
	signer      *bip70.Signer

	baseURL         string
	listenAddr      string
	shutdownTimeout time.Duration
	router          chi.Router
}

func NewServer(deps Dependencies, cfg models.ServerConfig) *Server {
	s := &Server{
		store:           deps.Store,
		deposits:        deps.Deposits,
		withdrawals:     deps.Withdrawals,
		signer:          deps.Signer,
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		listenAddr:      cfg.ListenAddr,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if s.listenAddr == "" {
		s.listenAddr = defaultListenAddr
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(requestLogger)

	r.Get("/ping", s.ping)

	r.Route("/deposits", func(r chi.Router) {
		r.Post("/", s.prepareDeposit)
		r.Get("/{uid}", s.getDeposit)
		r.Post("/{uid}/cancel", s.cancelDeposit)
		r.Get("/{uid}/request", s.paymentRequest)
		r.Post("/{uid}/response", s.paymentResponse)
	})

	r.Route("/withdrawals", func(r chi.Router) {
		r.Post("/", s.prepareWithdrawal)
		r.Get("/{uid}", s.getWithdrawal)
		r.Post("/{uid}/confirm", s.confirmWithdrawal)
		r.Post("/{uid}/cancel", s.cancelWithdrawal)
	})

	r.Get("/accounts/{id}/balance", s.accountBalance)
	return r
}

// Handler returns the routed Device API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves the API until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Device API listening", zap.String("addr", s.listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("device api stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("device api shutdown: %w", err)
	}
	zap.L().Info("Device API stopped")
	return nil
}

func (s *Server) HealthCheck(ctx context.Context) error {
	if _, err := s.store.ListAccounts(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	if err := s.HealthCheck(r.Context()); err != nil {
		zap.L().Error("Health check failed", zap.Error(err))
		writeJSONWithStatus(w, map[string]string{"status": "offline"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "online"})
}

func (s *Server) absoluteURL(format string, args ...any) string {
	return s.baseURL + fmt.Sprintf(format, args...)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
