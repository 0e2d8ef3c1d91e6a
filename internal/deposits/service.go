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

package deposits

import (
	"context"
	"time"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/store"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	TaskWaitForPayment      = "deposits.wait_for_payment"
	TaskWaitForConfidence   = "deposits.wait_for_confidence"
	TaskWaitForConfirmation = "deposits.wait_for_confirmation"
	TaskWaitForExchange     = "deposits.wait_for_exchange"
	TaskCheckStatus         = "deposits.check_status"
)

type NodeSource interface {
	For(coinType int) (blockchain.Client, error)
}

type RateSource interface {
	GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error)
}

type ConfidenceOracle interface {
	IsTxReliable(ctx context.Context, txId string, threshold float64, network string) (bool, error)
}

type ProviderSource interface {
	ForAccount(account *models.Account) (instantfiat.Provider, error)
}

type Scheduler interface {
	Schedule(task scheduler.Task) (bool, error)
}

// Service drives deposits from preparation to confirmation or refund
type Service struct {
	store     store.Store
	nodes     NodeSource
	rates     RateSource
	oracle    ConfidenceOracle
	providers ProviderSource
	scheduler Scheduler
	clock     clock.Clock
	cfg       models.PaymentsConfig
}

type Dependencies struct {
	Store     store.Store
	Nodes     NodeSource
	Rates     RateSource
	Oracle    ConfidenceOracle
	Providers ProviderSource
	Scheduler Scheduler
	Clock     clock.Clock
}

func NewService(deps Dependencies, cfg models.PaymentsConfig) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.NewDefaultClock()
	}
	return &Service{
		store:     deps.Store,
		nodes:     deps.Nodes,
		rates:     deps.Rates,
		oracle:    deps.Oracle,
		providers: deps.Providers,
		scheduler: deps.Scheduler,
		clock:     deps.Clock,
		cfg:       withDefaults(cfg),
	}
}

func withDefaults(cfg models.PaymentsConfig) models.PaymentsConfig {
	defaults := models.DefaultDepositTimeouts()
	if cfg.DepositTimeouts.Deposit <= 0 {
		cfg.DepositTimeouts.Deposit = defaults.Deposit
	}
	if cfg.DepositTimeouts.Confidence <= 0 {
		cfg.DepositTimeouts.Confidence = defaults.Confidence
	}
	if cfg.DepositTimeouts.Confirmation <= 0 {
		cfg.DepositTimeouts.Confirmation = defaults.Confirmation
	}
	if cfg.RequiredConfirmations <= 0 {
		cfg.RequiredConfirmations = 6
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 20 * time.Minute
	}
	if cfg.PaymentPollInterval <= 0 {
		cfg.PaymentPollInterval = 2 * time.Second
	}
	if cfg.ConfidencePollInterval <= 0 {
		cfg.ConfidencePollInterval = 5 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 30 * time.Second
	}
	if cfg.StatusCheckInterval <= 0 {
		cfg.StatusCheckInterval = time.Minute
	}
	if cfg.AddressRetries <= 0 {
		cfg.AddressRetries = 3
	}
	if cfg.InstantFiatNetwork == "" {
		cfg.InstantFiatNetwork = models.NetworkMainnet
	}
	return cfg
}

// Status derives the current status of a deposit
func (s *Service) Status(deposit *models.Deposit) models.DepositStatus {
	return deposit.Status(s.clock.Now(), s.cfg.DepositTimeouts)
}

// Timeouts returns the deposit timeouts in effect
func (s *Service) Timeouts() models.DepositTimeouts {
	return s.cfg.DepositTimeouts
}

func (s *Service) GetDeposit(ctx context.Context, uid string) (*models.Deposit, error) {
	return s.store.GetDeposit(ctx, uid)
}

func (s *Service) schedule(name, uid string, interval time.Duration, run func(ctx context.Context, uid string) error) {
	added, err := s.scheduler.Schedule(scheduler.Task{
		Name:     name,
		Key:      uid,
		Queue:    scheduler.QueueHigh,
		Interval: interval,
		Run: func(ctx context.Context) error {
			return run(ctx, uid)
		},
	})
	if err != nil {
		zap.L().Error("Unable to schedule task",
			zap.String("task", name),
			zap.String("deposit_uid", uid),
			zap.Error(err))
		return
	}
	if added {
		zap.L().Debug("Task scheduled", zap.String("task", name), zap.String("deposit_uid", uid))
	}
}

func (s *Service) scheduleWaitForPayment(uid string) {
	s.schedule(TaskWaitForPayment, uid, s.cfg.PaymentPollInterval, s.WaitForPayment)
}

func (s *Service) scheduleWaitForConfidence(uid string) {
	s.schedule(TaskWaitForConfidence, uid, s.cfg.ConfidencePollInterval, s.WaitForConfidence)
}

func (s *Service) scheduleWaitForConfirmation(uid string) {
	s.schedule(TaskWaitForConfirmation, uid, s.cfg.ConfirmPollInterval, s.WaitForConfirmation)
}

func (s *Service) scheduleWaitForExchange(uid string) {
	s.schedule(TaskWaitForExchange, uid, s.cfg.ConfidencePollInterval, s.WaitForExchange)
}

func (s *Service) scheduleCheckStatus(uid string) {
	s.schedule(TaskCheckStatus, uid, s.cfg.StatusCheckInterval, s.CheckDepositStatus)
}

// Resume re-registers the tasks of every deposit that has not reached a
// terminal state.
func (s *Service) Resume(ctx context.Context) error {
	active, err := s.store.ListActiveDeposits(ctx)
	if err != nil {
		return err
	}

	for i := range active {
		d := &active[i]
		switch s.Status(d) {
		case models.DepositUnconfirmed:
			continue
		case models.DepositTimeout, models.DepositFailed:
			s.scheduleCheckStatus(d.Uid)
			continue
		}
		switch {
		case d.TimeReceived == nil:
			s.scheduleWaitForPayment(d.Uid)
		case d.TimeBroadcasted == nil:
			s.scheduleWaitForConfidence(d.Uid)
		default:
			s.scheduleWaitForConfirmation(d.Uid)
		}
		if d.IsInstantFiat() && d.TimeReceived != nil && d.TimeExchanged == nil {
			s.scheduleWaitForExchange(d.Uid)
		}
		s.scheduleCheckStatus(d.Uid)
	}

	zap.L().Info("Deposit tasks resumed", zap.Int("count", len(active)))
	return nil
}

func (s *Service) node(deposit *models.Deposit) (blockchain.Client, error) {
	return s.nodes.For(deposit.CoinType)
}

func depositRef(uid string) models.OrderRef {
	return models.OrderRef{Kind: models.OrderDeposit, Uid: uid}
}
