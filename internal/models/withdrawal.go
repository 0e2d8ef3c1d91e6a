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

// WithdrawalStatus is derived from timestamps
type WithdrawalStatus string

const (
	WithdrawalNew         WithdrawalStatus = "new"
	WithdrawalSent        WithdrawalStatus = "sent"
	WithdrawalBroadcasted WithdrawalStatus = "broadcasted"
	WithdrawalNotified    WithdrawalStatus = "notified"
	WithdrawalConfirmed   WithdrawalStatus = "confirmed"
	WithdrawalUnconfirmed WithdrawalStatus = "unconfirmed"
	WithdrawalTimeout     WithdrawalStatus = "timeout"
	WithdrawalFailed      WithdrawalStatus = "failed"
	WithdrawalCancelled   WithdrawalStatus = "cancelled"
)

// WithdrawalTimeouts are measured from the withdrawal creation time
type WithdrawalTimeouts struct {
	Withdrawal   time.Duration
	Broadcast    time.Duration
	Confirmation time.Duration
}

// DefaultWithdrawalTimeouts mirrors the deposit defaults
func DefaultWithdrawalTimeouts() WithdrawalTimeouts {
	return WithdrawalTimeouts{
		Withdrawal:   15 * time.Minute,
		Broadcast:    20 * time.Minute,
		Confirmation: 4 * time.Hour,
	}
}

// Withdrawal pays coins from the merchant account to a customer address
type Withdrawal struct {
	Uid       string `db:"uid"`
	AccountId string `db:"account_id"`
	DeviceKey string `db:"device_key"`

	Currency string          `db:"currency"`
	Amount   decimal.Decimal `db:"amount"`

	CoinType           int             `db:"coin_type"`
	CustomerCoinAmount decimal.Decimal `db:"customer_coin_amount"`
	TxFeeCoinAmount    decimal.Decimal `db:"tx_fee_coin_amount"`
	CustomerAddress    string          `db:"customer_address"`
	OutgoingTxId       string          `db:"outgoing_tx_id"`

	InstantFiatTransferId string `db:"instantfiat_transfer_id"`
	InstantFiatReference  string `db:"instantfiat_reference"`

	TimeCreated     time.Time  `db:"time_created"`
	TimeSent        *time.Time `db:"time_sent"`
	TimeBroadcasted *time.Time `db:"time_broadcasted"`
	TimeNotified    *time.Time `db:"time_notified"`
	TimeConfirmed   *time.Time `db:"time_confirmed"`
	TimeCancelled   *time.Time `db:"time_cancelled"`
}

// CoinAmount is the amount debited from the merchant account
func (w *Withdrawal) CoinAmount() decimal.Decimal {
	return w.CustomerCoinAmount.Add(w.TxFeeCoinAmount)
}

// ExchangeRate is the effective fiat per coin rate
func (w *Withdrawal) ExchangeRate() decimal.Decimal {
	if w.CoinAmount().IsZero() {
		return decimal.Zero
	}
	return w.Amount.Div(w.CoinAmount()).Round(8)
}

// Status derives the withdrawal status
func (w *Withdrawal) Status(now time.Time, to WithdrawalTimeouts) WithdrawalStatus {
	switch {
	case w.TimeCancelled != nil:
		return WithdrawalCancelled
	case w.TimeNotified != nil && w.TimeConfirmed != nil:
		return WithdrawalConfirmed
	case w.TimeNotified != nil && now.After(w.TimeCreated.Add(to.Confirmation)):
		return WithdrawalUnconfirmed
	case w.TimeNotified != nil:
		return WithdrawalNotified
	case w.TimeSent != nil && now.After(w.TimeCreated.Add(to.Broadcast)):
		return WithdrawalFailed
	case w.TimeSent != nil && w.TimeBroadcasted != nil:
		return WithdrawalBroadcasted
	case w.TimeSent != nil:
		return WithdrawalSent
	case now.After(w.TimeCreated.Add(to.Withdrawal)):
		return WithdrawalTimeout
	}
	return WithdrawalNew
}
