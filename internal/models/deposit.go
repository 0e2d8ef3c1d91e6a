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

// PaymentType records how the customer paid
type PaymentType string

const (
	PaymentBIP21 PaymentType = "BIP21"
	PaymentBIP70 PaymentType = "BIP70"
)

// DepositStatus is derived from timestamps and the paid amount
type DepositStatus string

const (
	DepositNew         DepositStatus = "new"
	DepositUnderpaid   DepositStatus = "underpaid"
	DepositReceived    DepositStatus = "received"
	DepositBroadcasted DepositStatus = "broadcasted"
	DepositNotified    DepositStatus = "notified"
	DepositConfirmed   DepositStatus = "confirmed"
	DepositUnconfirmed DepositStatus = "unconfirmed"
	DepositTimeout     DepositStatus = "timeout"
	DepositFailed      DepositStatus = "failed"
	DepositRefunded    DepositStatus = "refunded"
	DepositCancelled   DepositStatus = "cancelled"
)

// TimeField names a nullable order timestamp column
type TimeField string

const (
	TimeReceived    TimeField = "time_received"
	TimeSent        TimeField = "time_sent"
	TimeBroadcasted TimeField = "time_broadcasted"
	TimeExchanged   TimeField = "time_exchanged"
	TimeNotified    TimeField = "time_notified"
	TimeConfirmed   TimeField = "time_confirmed"
	TimeRefunded    TimeField = "time_refunded"
	TimeCancelled   TimeField = "time_cancelled"
)

// DepositTimeouts are measured from the deposit creation time
type DepositTimeouts struct {
	Deposit      time.Duration
	Confidence   time.Duration
	Confirmation time.Duration
}

// DefaultDepositTimeouts returns DEPOSIT_TO, CONFIDENCE_TO and CONFIRMATION_TO defaults
func DefaultDepositTimeouts() DepositTimeouts {
	return DepositTimeouts{
		Deposit:      15 * time.Minute,
		Confidence:   20 * time.Minute,
		Confirmation: 4 * time.Hour,
	}
}

// Deposit is a fiat-amount payment request against a device or account
type Deposit struct {
	Uid       string `db:"uid"`
	AccountId string `db:"account_id"`
	DeviceKey string `db:"device_key"`

	Currency string          `db:"currency"`
	Amount   decimal.Decimal `db:"amount"`

	CoinType           int             `db:"coin_type"`
	DepositAddress     string          `db:"deposit_address"`
	MerchantCoinAmount decimal.Decimal `db:"merchant_coin_amount"`
	FeeCoinAmount      decimal.Decimal `db:"fee_coin_amount"`
	PaidCoinAmount     decimal.Decimal `db:"paid_coin_amount"`

	RefundAddress string      `db:"refund_address"`
	IncomingTxIds []string    `db:"-"`
	RefundTxId    string      `db:"refund_tx_id"`
	PaymentType   PaymentType `db:"payment_type"`

	InstantFiatInvoiceId string `db:"instantfiat_invoice_id"`

	TimeCreated     time.Time  `db:"time_created"`
	TimeReceived    *time.Time `db:"time_received"`
	TimeBroadcasted *time.Time `db:"time_broadcasted"`
	TimeExchanged   *time.Time `db:"time_exchanged"`
	TimeNotified    *time.Time `db:"time_notified"`
	TimeConfirmed   *time.Time `db:"time_confirmed"`
	TimeRefunded    *time.Time `db:"time_refunded"`
	TimeCancelled   *time.Time `db:"time_cancelled"`
}

// CoinAmount is the total the customer has to pay
func (d *Deposit) CoinAmount() decimal.Decimal {
	return d.MerchantCoinAmount.Add(d.FeeCoinAmount)
}

// ExchangeRate is the effective fiat per coin rate of the deposit
func (d *Deposit) ExchangeRate() decimal.Decimal {
	if d.MerchantCoinAmount.IsZero() {
		return decimal.Zero
	}
	return d.Amount.Div(d.MerchantCoinAmount).Round(8)
}

// IsInstantFiat reports whether an external provider holds the funds
func (d *Deposit) IsInstantFiat() bool {
	return d.InstantFiatInvoiceId != ""
}

// Status derives the deposit status. It is a pure function of the
// timestamps, the paid amount and now.
func (d *Deposit) Status(now time.Time, to DepositTimeouts) DepositStatus {
	switch {
	case d.TimeRefunded != nil:
		return DepositRefunded
	case d.TimeCancelled != nil:
		return DepositCancelled
	case d.TimeNotified != nil && d.TimeConfirmed != nil:
		return DepositConfirmed
	case d.TimeNotified != nil && now.After(d.TimeCreated.Add(to.Confirmation)):
		return DepositUnconfirmed
	case d.TimeNotified != nil:
		return DepositNotified
	case d.TimeReceived != nil && now.After(d.TimeCreated.Add(to.Confidence)):
		return DepositFailed
	case d.TimeReceived != nil && d.TimeBroadcasted != nil:
		return DepositBroadcasted
	case d.TimeReceived != nil:
		return DepositReceived
	case now.After(d.TimeCreated.Add(to.Deposit)):
		return DepositTimeout
	case d.PaidCoinAmount.IsPositive() && d.PaidCoinAmount.LessThan(d.CoinAmount()):
		return DepositUnderpaid
	}
	return DepositNew
}

// HasIncomingTx reports whether txId is already recorded
func (d *Deposit) HasIncomingTx(txId string) bool {
	for _, id := range d.IncomingTxIds {
		if id == txId {
			return true
		}
	}
	return false
}
