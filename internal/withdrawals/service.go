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

package withdrawals

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
	TaskWaitForConfidence   = "withdrawals.wait_for_confidence"
	TaskWaitForConfirmation = "withdrawals.wait_for_confirmation"
	TaskWaitForTransfer     = "withdrawals.wait_for_transfer"
	TaskCheckStatus         = "withdrawals.check_status"
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

type Dependencies struct {
	Store     store.Store
	Nodes     NodeSource
	Rates     RateSource
	Oracle    ConfidenceOracle
	Providers ProviderSource
	Scheduler Scheduler
	Clock     clock.Clock
}

// Service pays coins out of merchant accounts
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
	defaults := models.DefaultWithdrawalTimeouts()
	if cfg.WithdrawalTimeouts.Withdrawal <= 0 {
		cfg.WithdrawalTimeouts.Withdrawal = defaults.Withdrawal
	}
	if cfg.WithdrawalTimeouts.Broadcast <= 0 {
		cfg.WithdrawalTimeouts.Broadcast = defaults.Broadcast
	}
	if cfg.WithdrawalTimeouts.Confirmation <= 0 {
		cfg.WithdrawalTimeouts.Confirmation = defaults.Confirmation
	}
	if cfg.RequiredConfirmations <= 0 {
		cfg.RequiredConfirmations = 6
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

func (s *Service) Status(withdrawal *models.Withdrawal) models.WithdrawalStatus {
	return withdrawal.Status(s.clock.Now(), s.cfg.WithdrawalTimeouts)
}

func (s *Service) GetWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error) {
	return s.store.GetWithdrawal(ctx, uid)
}

func (s *Service) schedule(name, uid string, interval time.Duration, run func(ctx context.Context, uid string) error) {
	_, err := s.scheduler.Schedule(scheduler.Task{
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
			zap.String("withdrawal_uid", uid),
			zap.Error(err))
	}
}

func (s *Service) scheduleWaitForConfidence(uid string) {
	s.schedule(TaskWaitForConfidence, uid, s.cfg.ConfidencePollInterval, s.WaitForConfidence)
}

func (s *Service) scheduleWaitForConfirmation(uid string) {
	s.schedule(TaskWaitForConfirmation, uid, s.cfg.ConfirmPollInterval, s.WaitForConfirmation)
}

func (s *Service) scheduleWaitForTransfer(uid string) {
	s.schedule(TaskWaitForTransfer, uid, s.cfg.ConfidencePollInterval, s.WaitForTransfer)
}

func (s *Service) scheduleCheckStatus(uid string) {
	s.schedule(TaskCheckStatus, uid, s.cfg.StatusCheckInterval, s.CheckWithdrawalStatus)
}

// Resume re-registers the tasks of every unfinished withdrawal
func (s *Service) Resume(ctx context.Context) error {
	active, err := s.store.ListActiveWithdrawals(ctx)
	if err != nil {
		return err
	}

	for i := range active {
		w := &active[i]
		switch s.Status(w) {
		case models.WithdrawalUnconfirmed, models.WithdrawalFailed:
			continue
		case models.WithdrawalTimeout:
			s.scheduleCheckStatus(w.Uid)
			continue
		}
		switch {
		case w.TimeSent == nil:
		case w.InstantFiatTransferId != "" && w.TimeBroadcasted == nil:
			s.scheduleWaitForTransfer(w.Uid)
		case w.TimeBroadcasted == nil:
			s.scheduleWaitForConfidence(w.Uid)
		case w.OutgoingTxId != "":
			s.scheduleWaitForConfirmation(w.Uid)
		}
		s.scheduleCheckStatus(w.Uid)
	}

	zap.L().Info("Withdrawal tasks resumed", zap.Int("count", len(active)))
	return nil
}

func withdrawalRef(uid string) models.OrderRef {
	return models.OrderRef{Kind: models.OrderWithdrawal, Uid: uid}
}
