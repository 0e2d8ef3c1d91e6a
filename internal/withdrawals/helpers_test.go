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
	"sync"
	"testing"
	"time"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/blockchain/blockchaintest"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/store"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeRates struct {
	rate decimal.Decimal
}

func (f *fakeRates) GetExchangeRate(context.Context, string) (decimal.Decimal, error) {
	return f.rate, nil
}

type fakeOracle struct {
	reliable bool
}

func (f *fakeOracle) IsTxReliable(context.Context, string, float64, string) (bool, error) {
	return f.reliable, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	requests  []instantfiat.TransferRequest
	completed bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateInvoice(context.Context, *models.Account, decimal.Decimal, string) (*instantfiat.Invoice, error) {
	return nil, nil
}

func (f *fakeProvider) IsInvoicePaid(context.Context, *models.Account, string) (bool, error) {
	return false, nil
}

func (f *fakeProvider) SendTransaction(_ context.Context, _ *models.Account, request instantfiat.TransferRequest) (*instantfiat.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	return &instantfiat.Transfer{Id: "tr-1", Reference: "ref-1"}, nil
}

func (f *fakeProvider) IsTransferCompleted(context.Context, *models.Account, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed, nil
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks map[string]scheduler.Task
}

func (f *fakeScheduler) Schedule(task scheduler.Task) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := task.Name + ":" + task.Key
	if _, ok := f.tasks[id]; ok {
		return false, nil
	}
	f.tasks[id] = task
	return true, nil
}

func (f *fakeScheduler) has(name, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[name+":"+key]
	return ok
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *database.Service
	node     *blockchaintest.FakeNode
	rates    *fakeRates
	oracle   *fakeOracle
	provider *fakeProvider
	sched    *fakeScheduler
	clock    *clock.TestClock
	svc      *Service
	account  *models.Account
	device   *models.Device
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Driver:       database.DriverSqlite,
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	node := blockchaintest.NewFakeNode(models.NetworkMainnet)
	nodes := blockchain.NewNodes()
	require.NoError(t, nodes.Add(node))

	h := &harness{
		t:        t,
		ctx:      ctx,
		store:    db,
		node:     node,
		rates:    &fakeRates{rate: dec("2000")},
		oracle:   &fakeOracle{},
		provider: &fakeProvider{},
		sched:    &fakeScheduler{tasks: make(map[string]scheduler.Task)},
		clock:    clock.NewTestClock(testStart),
	}
	h.svc = NewService(Dependencies{
		Store:     db,
		Nodes:     nodes,
		Rates:     h.rates,
		Oracle:    h.oracle,
		Providers: instantfiat.NewRegistry(h.provider),
		Scheduler: h.sched,
		Clock:     h.clock,
	}, models.PaymentsConfig{
		ConfidenceThreshold:   0.95,
		RequiredConfirmations: 6,
	})

	h.account = h.createAccount("BTC", "")
	h.device, err = db.CreateDevice(ctx, store.CreateDeviceParams{
		AccountId: h.account.Id,
		Name:      "Terminal",
		MaxPayout: dec("100"),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) createAccount(currency, provider string) *models.Account {
	h.t.Helper()
	account, err := h.store.CreateAccount(h.ctx, store.CreateAccountParams{
		MerchantName:        "Coffee Shop",
		MerchantCurrency:    "GBP",
		Currency:            currency,
		InstantFiatProvider: provider,
	})
	require.NoError(h.t, err)
	return account
}

// seed credits account with a confirmed deposit of amount at a fresh
// wallet address funded on the node.
func (h *harness) seed(account *models.Account, amount string) string {
	h.t.Helper()
	address, err := blockchain.AllocateAddress(h.ctx, h.store, h.node, account.Id, models.CoinTypeBTC, false, 1)
	require.NoError(h.t, err)
	h.node.Fund(address, dec(amount), 6)

	deposit := &models.Deposit{
		AccountId:          account.Id,
		Currency:           "GBP",
		Amount:             dec("1"),
		CoinType:           models.CoinTypeBTC,
		DepositAddress:     address,
		MerchantCoinAmount: dec(amount),
		FeeCoinAmount:      decimal.Zero,
		PaidCoinAmount:     dec(amount),
		TimeCreated:        testStart,
	}
	require.NoError(h.t, h.store.CreateDeposit(h.ctx, deposit))
	ref := models.OrderRef{Kind: models.OrderDeposit, Uid: deposit.Uid}
	require.NoError(h.t, h.store.CreateBalanceChanges(h.ctx, ref, []models.BalanceChange{{
		AccountId: account.Id,
		Address:   address,
		Amount:    dec(amount),
	}}))
	_, err = h.store.SetDepositTime(h.ctx, deposit.Uid, models.TimeConfirmed, testStart)
	require.NoError(h.t, err)
	return address
}

// run executes a progression step the way the scheduler does and reports
// whether the step cancelled its task.
func (h *harness) run(step func(context.Context, string) error, uid string) bool {
	h.t.Helper()
	handle := &scheduler.Handle{}
	require.NoError(h.t, step(scheduler.WithHandle(h.ctx, handle), uid))
	return handle.Cancelled()
}

func (h *harness) withdrawal(uid string) *models.Withdrawal {
	h.t.Helper()
	w, err := h.store.GetWithdrawal(h.ctx, uid)
	require.NoError(h.t, err)
	return w
}

func (h *harness) status(uid string) models.WithdrawalStatus {
	return h.svc.Status(h.withdrawal(uid))
}

func (h *harness) advance(d time.Duration) {
	h.clock.SetTime(h.clock.Now().Add(d))
}

func (h *harness) prepare(fiat string) *models.Withdrawal {
	h.t.Helper()
	w, err := h.svc.PrepareWithdrawal(h.ctx, Target{DeviceKey: h.device.Key}, dec(fiat))
	require.NoError(h.t, err)
	return w
}

func (h *harness) changes(uid string) []models.BalanceChange {
	h.t.Helper()
	changes, err := h.store.ListBalanceChanges(h.ctx, withdrawalRef(uid))
	require.NoError(h.t, err)
	return changes
}
