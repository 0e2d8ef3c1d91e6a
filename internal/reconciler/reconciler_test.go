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


package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/blockchain/blockchaintest"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeJournal struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	calls    int
}

func (f *fakeJournal) GetAddressBalance(_ context.Context, address string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.balances[address], nil
}

func (f *fakeJournal) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *database.Service
	node    *blockchaintest.FakeNode
	nodes   *blockchain.Nodes
	account *models.Account
}

func newFixture(t *testing.T) *fixture {
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

	account, err := db.CreateAccount(ctx, store.CreateAccountParams{
		MerchantName:     "Coffee Shop",
		MerchantCurrency: "GBP",
		Currency:         "BTC",
	})
	require.NoError(t, err)

	return &fixture{t: t, ctx: ctx, store: db, node: node, nodes: nodes, account: account}
}

// deposit records a paid deposit of merchant+fee at a new address and
// funds it on the node with confs confirmations.
func (f *fixture) deposit(merchant, fee string, confs int64, confirmed bool) string {
	f.t.Helper()
	address, err := blockchain.AllocateAddress(f.ctx, f.store, f.node, f.account.Id, models.CoinTypeBTC, false, 1)
	require.NoError(f.t, err)

	total := dec(merchant).Add(dec(fee))
	f.node.Fund(address, total, confs)

	d := &models.Deposit{
		AccountId:          f.account.Id,
		Currency:           "GBP",
		Amount:             dec("10"),
		CoinType:           models.CoinTypeBTC,
		DepositAddress:     address,
		MerchantCoinAmount: dec(merchant),
		FeeCoinAmount:      dec(fee),
		PaidCoinAmount:     total,
		TimeCreated:        time.Now().UTC(),
	}
	require.NoError(f.t, f.store.CreateDeposit(f.ctx, d))
	ref := models.OrderRef{Kind: models.OrderDeposit, Uid: d.Uid}
	require.NoError(f.t, f.store.CreateBalanceChanges(f.ctx, ref, []models.BalanceChange{
		{AccountId: f.account.Id, Address: address, Amount: dec(merchant)},
		{Address: address, Amount: dec(fee)},
	}))
	if confirmed {
		_, err := f.store.SetDepositTime(f.ctx, d.Uid, models.TimeConfirmed, time.Now())
		require.NoError(f.t, err)
	}
	return address
}

func (f *fixture) reconciler(journal JournalBalances) *Reconciler {
	f.t.Helper()
	deps := Dependencies{Store: f.store, Nodes: f.nodes}
	if journal != nil {
		deps.Journal = journal
	}
	r, err := New(deps, models.ReconcilerConfig{Interval: time.Hour}, 6)
	require.NoError(f.t, err)
	return r
}

func TestCheckWallet_Balanced(t *testing.T) {
	f := newFixture(t)
	f.deposit("0.0099", "0.0001", 6, true)
	// pending on both sides
	f.deposit("0.02", "0", 1, false)

	result, err := f.reconciler(nil).CheckWallet(f.ctx, models.CoinTypeBTC)
	require.NoError(t, err)
	require.True(t, result.Balanced())
	require.Equal(t, "BTC", result.Currency)
	require.Equal(t, 2, result.PoolSize)
	require.True(t, result.NodeBalance.Equal(dec("0.01")))
	require.True(t, result.FeeBalance.Equal(dec("0.0001")))
	require.Equal(t, []string{"total balance 0.01000000", "address pool size 2"}, result.Summary())
}

func TestCheckWallet_Mismatch(t *testing.T) {
	f := newFixture(t)
	address := f.deposit("0.01", "0", 6, true)
	f.node.Fund(address, dec("0.005"), 6)

	result, err := f.reconciler(nil).CheckWallet(f.ctx, models.CoinTypeBTC)
	require.NoError(t, err)
	require.False(t, result.Balanced())
	require.Len(t, result.Mismatches, 1)
	require.Equal(t, address, result.Mismatches[0].Address)
	require.True(t, result.Mismatches[0].Node.Equal(dec("0.015")))
	require.True(t, result.Mismatches[0].Store.Equal(dec("0.01")))
	require.Equal(t, "balance mismatch, 0.01500000 != 0.01000000", result.Summary()[0])
}

func TestCheckWallet_Journal(t *testing.T) {
	f := newFixture(t)
	good := f.deposit("0.01", "0", 6, true)
	bad := f.deposit("0.02", "0", 6, true)

	journal := &fakeJournal{balances: map[string]decimal.Decimal{
		good: dec("0.01"),
		bad:  dec("0.019"),
	}}
	result, err := f.reconciler(journal).CheckWallet(f.ctx, models.CoinTypeBTC)
	require.NoError(t, err)
	require.False(t, result.Balanced())
	require.Len(t, result.Mismatches, 1)
	require.Equal(t, bad, result.Mismatches[0].Address)
	require.NotNil(t, result.Mismatches[0].Journal)
	require.True(t, result.Mismatches[0].Journal.Equal(dec("0.019")))
}

func TestCheckWallet_UnknownCoin(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler(nil).CheckWallet(f.ctx, models.CoinTypeTBTC)
	require.ErrorIs(t, err, models.ErrNetwork)
}

func TestNew_InvalidCurrency(t *testing.T) {
	_, err := New(Dependencies{}, models.ReconcilerConfig{Currencies: []string{"GBP"}}, 6)
	require.Error(t, err)
}

func TestRun_Trigger(t *testing.T) {
	f := newFixture(t)
	address := f.deposit("0.01", "0", 6, true)
	journal := &fakeJournal{balances: map[string]decimal.Decimal{address: dec("0.01")}}
	r := f.reconciler(journal)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Trigger(ctx)
	require.Eventually(t, func() bool { return journal.callCount() >= 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
