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
	"bytes"
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
	err  error
}

func (f *fakeRates) GetExchangeRate(context.Context, string) (decimal.Decimal, error) {
	return f.rate, f.err
}

type fakeOracle struct {
	reliable bool
	err      error
}

func (f *fakeOracle) IsTxReliable(context.Context, string, float64, string) (bool, error) {
	return f.reliable, f.err
}

type fakeProvider struct {
	invoice *instantfiat.Invoice
	paid    bool
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreateInvoice(context.Context, *models.Account, decimal.Decimal, string) (*instantfiat.Invoice, error) {
	return f.invoice, nil
}

func (f *fakeProvider) IsInvoicePaid(context.Context, *models.Account, string) (bool, error) {
	return f.paid, nil
}

func (f *fakeProvider) SendTransaction(context.Context, *models.Account, instantfiat.TransferRequest) (*instantfiat.Transfer, error) {
	return &instantfiat.Transfer{Id: "transfer"}, nil
}

func (f *fakeProvider) IsTransferCompleted(context.Context, *models.Account, string) (bool, error) {
	return true, nil
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

func newHarness(t *testing.T, cfg models.PaymentsConfig) *harness {
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
	}, cfg)

	h.account, err = db.CreateAccount(ctx, store.CreateAccountParams{
		MerchantName:     "Coffee Shop",
		MerchantCurrency: "GBP",
		Currency:         "BTC",
	})
	require.NoError(t, err)
	h.device, err = db.CreateDevice(ctx, store.CreateDeviceParams{
		AccountId: h.account.Id,
		Name:      "Terminal",
		MaxPayout: dec("100"),
	})
	require.NoError(t, err)
	return h
}

// run executes a progression step the way the scheduler does and reports
// whether the step cancelled its task.
func (h *harness) run(step func(context.Context, string) error, uid string) bool {
	h.t.Helper()
	handle := &scheduler.Handle{}
	require.NoError(h.t, step(scheduler.WithHandle(h.ctx, handle), uid))
	return handle.Cancelled()
}

func (h *harness) deposit(uid string) *models.Deposit {
	h.t.Helper()
	d, err := h.store.GetDeposit(h.ctx, uid)
	require.NoError(h.t, err)
	return d
}

func (h *harness) status(uid string) models.DepositStatus {
	return h.svc.Status(h.deposit(uid))
}

func (h *harness) advance(d time.Duration) {
	h.clock.SetTime(h.clock.Now().Add(d))
}

func (h *harness) prepare(fiat string) *models.Deposit {
	h.t.Helper()
	d, err := h.svc.PrepareDeposit(h.ctx, Target{DeviceKey: h.device.Key}, dec(fiat))
	require.NoError(h.t, err)
	return d
}

// pay sends amount to the deposit address and runs WaitForPayment
func (h *harness) pay(d *models.Deposit, amount string) (string, bool) {
	h.t.Helper()
	txId := h.node.Pay(h.node.ExternalAddress("customer"), map[string]decimal.Decimal{
		d.DepositAddress: dec(amount),
	})
	return txId, h.run(h.svc.WaitForPayment, d.Uid)
}

func (h *harness) rawTx(txId string) []byte {
	h.t.Helper()
	tx, err := h.node.GetRawTransaction(txId)
	require.NoError(h.t, err)
	var buf bytes.Buffer
	require.NoError(h.t, tx.Serialize(&buf))
	return buf.Bytes()
}

func (h *harness) balanceTotal(uid string) decimal.Decimal {
	h.t.Helper()
	changes, err := h.store.ListBalanceChanges(h.ctx, depositRef(uid))
	require.NoError(h.t, err)
	return store.SumChanges(changes)
}

func storeAccount(provider string) store.CreateAccountParams {
	return store.CreateAccountParams{
		MerchantName:        "Fiat Shop",
		MerchantCurrency:    "GBP",
		Currency:            "GBP",
		InstantFiatProvider: provider,
	}
}
