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
	"errors"
	"fmt"
)

// Payment errors surfaced to callers of the state machines.
var (
	ErrAmountTooSmall             = errors.New("amount is below dust threshold")
	ErrNetwork                    = errors.New("bitcoin node error")
	ErrInsufficientFunds          = errors.New("insufficient funds")
	ErrInsufficientWalletFunds    = errors.New("insufficient balance in wallet")
	ErrInsufficientAccountBalance = errors.New("insufficient balance on merchant account")
	ErrAccountBalance             = errors.New("reserved outputs do not match balance changes")
	ErrInvalidCustomerAddress     = errors.New("invalid customer address")
	ErrSignatureMismatch          = errors.New("signature mismatch")
	ErrInvalidPaymentMessage      = errors.New("invalid BIP0070 payment message")
	ErrPayoutLimitExceeded        = errors.New("amount exceeds max payout for current device")
	ErrInvalidState               = errors.New("order is not in a valid state for this operation")
	ErrNoAccount                  = errors.New("account is not set for device")
	ErrInvalidTransaction         = errors.New("invalid transaction")
)

// ProviderError wraps a failure of an external service (rates, oracles,
// instant-fiat). Message keeps the provider's human readable text.
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("provider error: %s", e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RefundError means a deposit could not be refunded
type RefundError struct {
	Reason string
}

func (e *RefundError) Error() string {
	return "refund error: " + e.Reason
}

// TransactionModifiedError reports a malleated transaction: a confirmed
// conflict with identical outputs replaced the tracked one.
type TransactionModifiedError struct {
	TxId string
}

func (e *TransactionModifiedError) Error() string {
	return "transaction modified, new id " + e.TxId
}

// DoubleSpendError reports a confirmed conflict with different outputs
type DoubleSpendError struct {
	TxId string
}

func (e *DoubleSpendError) Error() string {
	return "double spend detected, conflicting tx " + e.TxId
}
