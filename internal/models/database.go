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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coin types follow BIP-44 registered values.
const (
	CoinTypeBTC  = 0
	CoinTypeTBTC = 1
)

// DeviceStatus is the operational state of a terminal
type DeviceStatus string

const (
	DeviceRegistered DeviceStatus = "registered"
	DeviceActivating DeviceStatus = "activating"
	DeviceActive     DeviceStatus = "active"
	DeviceSuspended  DeviceStatus = "suspended"
)

// Device represents a merchant terminal
type Device struct {
	Key          string          `db:"key"`
	AccountId    string          `db:"account_id"`
	Name         string          `db:"name"`
	Status       DeviceStatus    `db:"status"`
	MaxPayout    decimal.Decimal `db:"max_payout"`
	ApiKey       string          `db:"api_key"`
	CreatedAt    time.Time       `db:"created_at"`
	MerchantName string          `db:"-"`
}

// CanTransition reports whether the device may move to the next status.
// Transitions are linear except suspended->active.
func (d *Device) CanTransition(next DeviceStatus) bool {
	switch d.Status {
	case DeviceRegistered:
		return next == DeviceActivating
	case DeviceActivating:
		return next == DeviceActive
	case DeviceActive:
		return next == DeviceSuspended
	case DeviceSuspended:
		return next == DeviceActive
	}
	return false
}

// Account holds merchant funds in one currency
type Account struct {
	Id               string          `db:"id"`
	MerchantName     string          `db:"merchant_name"`
	MerchantCurrency string          `db:"merchant_currency"`
	Currency         string          `db:"currency"`
	BalanceMin       decimal.Decimal `db:"balance_min"`
	BalanceMax       decimal.Decimal `db:"balance_max"`

	// Set for fiat accounts backed by an instant-fiat provider.
	InstantFiatProvider  string `db:"instantfiat_provider"`
	InstantFiatAccountId string `db:"instantfiat_account_id"`
	InstantFiatApiKey    string `db:"instantfiat_api_key"`

	CreatedAt time.Time `db:"created_at"`
}

// IsInstantFiat reports whether custody is delegated to an external provider
func (a *Account) IsInstantFiat() bool {
	_, err := CoinTypeForCurrency(a.Currency)
	return err != nil
}

// Address is a wallet address derived by the node
type Address struct {
	Id        string    `db:"id"`
	AccountId string    `db:"account_id"`
	CoinType  int       `db:"coin_type"`
	Address   string    `db:"address"`
	IsChange  bool      `db:"is_change"`
	CreatedAt time.Time `db:"created_at"`
}

// BalanceChange is an append-only signed ledger row.
// AccountId is empty for the fee-collection account.
type BalanceChange struct {
	Id            string          `db:"id"`
	DepositUid    string          `db:"deposit_uid"`
	WithdrawalUid string          `db:"withdrawal_uid"`
	AccountId     string          `db:"account_id"`
	Address       string          `db:"address"`
	Amount        decimal.Decimal `db:"amount"`
	CreatedAt     time.Time       `db:"created_at"`
}

// OrderKind distinguishes deposits from withdrawals
type OrderKind string

const (
	OrderDeposit    OrderKind = "deposit"
	OrderWithdrawal OrderKind = "withdrawal"
)

// OrderRef identifies the order owning a batch of balance changes
type OrderRef struct {
	Kind OrderKind
	Uid  string
}

func (r OrderRef) String() string {
	return string(r.Kind) + ":" + r.Uid
}

// BalanceOptions filters balance-change sums
type BalanceOptions struct {
	ConfirmedOnly bool
	// ExcludeOffchain drops withdrawal rows whose transaction was never sent.
	ExcludeOffchain bool
}
