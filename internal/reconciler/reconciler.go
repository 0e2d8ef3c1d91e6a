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
	"fmt"
	"time"

	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultInterval = 10 * time.Minute

type NodeSource interface {
	For(coinType int) (blockchain.Client, error)
}

// JournalBalances reads per-address balances from the ledger mirror
type JournalBalances interface {
	GetAddressBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Mismatch is a wallet address whose on-chain balance disagrees with
// the ledger.
type Mismatch struct {
	Address string
	Node    decimal.Decimal
	Store   decimal.Decimal
	Journal *decimal.Decimal
}

// Result is the outcome of one wallet check for a coin type
type Result struct {
	CoinType     int
	Currency     string
	NodeBalance  decimal.Decimal
	StoreBalance decimal.Decimal
	FeeBalance   decimal.Decimal
	PoolSize     int
	Mismatches   []Mismatch
}

func (r *Result) Balanced() bool {
	return len(r.Mismatches) == 0 && r.NodeBalance.Equal(r.StoreBalance)
}

// Summary renders the result the way check_wallet prints it
func (r *Result) Summary() []string {
	lines := make([]string, 0, 2)
	if r.Balanced() {
		lines = append(lines, fmt.Sprintf("total balance %s", r.NodeBalance.StringFixed(8)))
	} else {
		lines = append(lines, fmt.Sprintf("balance mismatch, %s != %s",
			r.NodeBalance.StringFixed(8), r.StoreBalance.StringFixed(8)))
	}
	lines = append(lines, fmt.Sprintf("address pool size %d", r.PoolSize))
	return lines
}

type Dependencies struct {
	Store   store.Store
	Nodes   NodeSource
	Journal JournalBalances
}

// Reconciler periodically compares wallet balances on the node with the
// balance changes recorded in the store. It never writes.
type Reconciler struct {
	store   store.Store
	nodes   NodeSource
	journal JournalBalances

	coinTypes []int
	minConf   int
	ticker    *ticker.Force
}

func New(deps Dependencies, cfg models.ReconcilerConfig, requiredConfirmations int64) (*Reconciler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if requiredConfirmations <= 0 {
		requiredConfirmations = 6
	}

	currencies := cfg.Currencies
	if len(currencies) == 0 {
		currencies = []string{"BTC"}
	}
	coinTypes := make([]int, 0, len(currencies))
	for _, c := range currencies {
		coinType, err := models.CoinTypeForCurrency(c)
		if err != nil {
			return nil, err
		}
		coinTypes = append(coinTypes, coinType)
	}

	return &Reconciler{
		store:     deps.Store,
		nodes:     deps.Nodes,
		journal:   deps.Journal,
		coinTypes: coinTypes,
		minConf:   int(requiredConfirmations),
		ticker:    ticker.NewForce(interval),
	}, nil
}

// Run checks every configured coin on each tick until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	r.ticker.Resume()
	defer r.ticker.Stop()

	zap.L().Info("Reconciler started", zap.Ints("coin_types", r.coinTypes))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.ticker.Ticks():
			r.checkAll(ctx)
		}
	}
}

// Trigger requests an immediate check from a running reconciler
func (r *Reconciler) Trigger(ctx context.Context) {
	select {
	case r.ticker.Force <- time.Now():
	case <-ctx.Done():
	}
}

func (r *Reconciler) checkAll(ctx context.Context) {
	for _, coinType := range r.coinTypes {
		result, err := r.CheckWallet(ctx, coinType)
		if err != nil {
			zap.L().Error("Wallet check failed", zap.Int("coin_type", coinType), zap.Error(err))
			continue
		}
		r.report(result)
	}
}

func (r *Reconciler) report(result *Result) {
	if !result.Balanced() {
		zap.L().Error("Balance mismatch",
			zap.String("currency", result.Currency),
			zap.String("node_balance", result.NodeBalance.String()),
			zap.String("store_balance", result.StoreBalance.String()),
			zap.Bool("alert", true))
	} else {
		zap.L().Info("Wallet balanced",
			zap.String("currency", result.Currency),
			zap.String("balance", result.NodeBalance.String()))
	}
	zap.L().Info("Address pool size",
		zap.String("currency", result.Currency),
		zap.Int("size", result.PoolSize),
		zap.String("fee_balance", result.FeeBalance.String()))
}

// CheckWallet compares every wallet address of coinType on the node and
// in the store. Only confirmed on-chain rows are counted on both sides.
func (r *Reconciler) CheckWallet(ctx context.Context, coinType int) (*Result, error) {
	currency, err := models.CurrencyForCoinType(coinType)
	if err != nil {
		return nil, err
	}
	node, err := r.nodes.For(coinType)
	if err != nil {
		return nil, err
	}

	opts := models.BalanceOptions{ConfirmedOnly: true, ExcludeOffchain: true}
	balances, err := r.store.ListAddressBalances(ctx, coinType, opts)
	if err != nil {
		return nil, err
	}
	fee, err := r.store.GetFeeAccountBalance(ctx, coinType, opts)
	if err != nil {
		return nil, err
	}

	result := &Result{
		CoinType:     coinType,
		Currency:     currency,
		NodeBalance:  decimal.Zero,
		StoreBalance: decimal.Zero,
		FeeBalance:   fee,
		PoolSize:     len(balances),
	}

	for _, b := range balances {
		onChain, err := node.GetAddressBalance(b.Address.Address, r.minConf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrNetwork, err)
		}
		result.NodeBalance = result.NodeBalance.Add(onChain)
		result.StoreBalance = result.StoreBalance.Add(b.Balance)

		mismatch := Mismatch{Address: b.Address.Address, Node: onChain, Store: b.Balance}
		differs := !onChain.Equal(b.Balance)

		if r.journal != nil {
			journaled, err := r.journal.GetAddressBalance(ctx, b.Address.Address)
			if err != nil {
				return nil, fmt.Errorf("unable to read journal balance of %s: %w", b.Address.Address, err)
			}
			// the journal mirrors pending rows too
			total, err := r.store.GetAddressBalance(ctx, b.Address.Address, models.BalanceOptions{})
			if err != nil {
				return nil, err
			}
			mismatch.Journal = &journaled
			if !total.Equal(journaled) {
				differs = true
			}
		}

		if differs {
			zap.L().Error("Address balance mismatch",
				zap.String("currency", currency),
				zap.String("address", b.Address.Address),
				zap.String("node", onChain.String()),
				zap.String("store", b.Balance.String()),
				zap.Bool("alert", true))
			result.Mismatches = append(result.Mismatches, mismatch)
		}
	}
	return result, nil
}
