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
	"testing"
	"time"

	"pos-payments-go/internal/amounts"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPrepareWithdrawal_GreedySelection(t *testing.T) {
	h := newHarness(t)
	h.node.FeePerKb = dec("0.0002")
	sources := []string{
		h.seed(h.account, "0.003"),
		h.seed(h.account, "0.004"),
		h.seed(h.account, "0.005"),
	}

	w := h.prepare("20.00")

	fee := amounts.TxFee(3, 2, h.node.FeePerKb)
	require.True(t, w.CustomerCoinAmount.Equal(dec("0.01")))
	require.True(t, w.TxFeeCoinAmount.Equal(fee), "fee %s", w.TxFeeCoinAmount)
	require.Equal(t, "GBP", w.Currency)
	require.Equal(t, models.CoinTypeBTC, w.CoinType)
	require.Equal(t, models.WithdrawalNew, h.status(w.Uid))
	require.True(t, h.sched.has(TaskCheckStatus, w.Uid))

	changes := h.changes(w.Uid)
	require.Len(t, changes, 4)

	reserved := map[string]decimal.Decimal{}
	var change models.BalanceChange
	for _, c := range changes {
		if c.Amount.IsNegative() {
			reserved[c.Address] = c.Amount.Neg()
			continue
		}
		change = c
	}
	require.Len(t, reserved, 3)
	for _, addr := range sources {
		require.Contains(t, reserved, addr)
	}

	want := dec("0.012").Sub(dec("0.01")).Sub(fee)
	require.True(t, change.Amount.Equal(want), "change %s", change.Amount)
	require.False(t, amounts.IsDust(change.Amount))

	address, err := h.store.GetAddress(h.ctx, change.Address)
	require.NoError(t, err)
	require.True(t, address.IsChange)
	require.True(t, h.node.Imported(change.Address))

	balance, err := h.store.GetAccountBalance(h.ctx, h.account.Id, models.BalanceOptions{})
	require.NoError(t, err)
	require.True(t, balance.Equal(want))
}

func TestPrepareWithdrawal_MaxPayout(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.06")

	_, err := h.svc.PrepareWithdrawal(h.ctx, Target{DeviceKey: h.device.Key}, dec("100.01"))
	require.ErrorIs(t, err, models.ErrPayoutLimitExceeded)

	w := h.prepare("100.00")
	require.True(t, w.CustomerCoinAmount.Equal(dec("0.05")))
}

func TestPrepareWithdrawal_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fiat    string
		setup   func(h *harness)
		wantErr error
	}{
		{name: "zero amount", fiat: "0", wantErr: models.ErrAmountTooSmall},
		{name: "dust amount", fiat: "0.05", wantErr: models.ErrAmountTooSmall},
		{
			name:    "empty wallet",
			fiat:    "20",
			wantErr: models.ErrInsufficientWalletFunds,
		},
		{
			name: "wallet short of fee",
			fiat: "20",
			setup: func(h *harness) {
				h.seed(h.account, "0.01")
			},
			wantErr: models.ErrInsufficientWalletFunds,
		},
		{
			name: "funds owned by another account",
			fiat: "20",
			setup: func(h *harness) {
				other := h.createAccount("BTC", "")
				h.seed(other, "0.05")
			},
			wantErr: models.ErrInsufficientAccountBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			_, err := h.svc.PrepareWithdrawal(h.ctx, Target{DeviceKey: h.device.Key}, dec(tt.fiat))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPrepareWithdrawal_UnknownDevice(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.PrepareWithdrawal(h.ctx, Target{DeviceKey: "missing"}, dec("10"))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.PrepareWithdrawal(h.ctx, Target{}, dec("10"))
	require.ErrorIs(t, err, models.ErrNoAccount)
}

func TestWithdrawalLifecycle(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")

	customer := h.node.ExternalAddress("customer")
	w, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, customer)
	require.NoError(t, err)
	require.Equal(t, customer, w.CustomerAddress)
	require.NotEmpty(t, w.OutgoingTxId)
	require.Equal(t, []string{w.OutgoingTxId}, h.node.Sent())
	require.Equal(t, models.WithdrawalSent, h.status(w.Uid))
	require.True(t, h.sched.has(TaskWaitForConfidence, w.Uid))

	outputs := map[string]decimal.Decimal{}
	for _, o := range h.node.Outputs(w.OutgoingTxId) {
		outputs[o.Address] = o.Amount
	}
	require.Len(t, outputs, 2)
	require.True(t, outputs[customer].Equal(dec("0.01")))

	// no confidence yet
	require.False(t, h.run(h.svc.WaitForConfidence, w.Uid))
	require.Equal(t, models.WithdrawalSent, h.status(w.Uid))

	h.oracle.reliable = true
	require.True(t, h.run(h.svc.WaitForConfidence, w.Uid))
	require.Equal(t, models.WithdrawalBroadcasted, h.status(w.Uid))
	require.True(t, h.sched.has(TaskWaitForConfirmation, w.Uid))

	w, err = h.svc.NotifyWithdrawal(h.ctx, w.Uid)
	require.NoError(t, err)
	require.NotNil(t, w.TimeNotified)
	require.Equal(t, models.WithdrawalNotified, h.status(w.Uid))

	require.False(t, h.run(h.svc.WaitForConfirmation, w.Uid))
	h.node.Confirm(w.OutgoingTxId, 6)
	require.True(t, h.run(h.svc.WaitForConfirmation, w.Uid))
	require.Equal(t, models.WithdrawalConfirmed, h.status(w.Uid))
	require.True(t, h.run(h.svc.CheckWithdrawalStatus, w.Uid))

	change := dec("0.012").Sub(dec("0.01")).Sub(w.TxFeeCoinAmount)
	balance, err := h.store.GetAccountBalance(h.ctx, h.account.Id, models.BalanceOptions{ConfirmedOnly: true})
	require.NoError(t, err)
	require.True(t, balance.Equal(change), "balance %s", balance)
}

func TestConfirmWithdrawal_Errors(t *testing.T) {
	t.Run("invalid address", func(t *testing.T) {
		h := newHarness(t)
		h.seed(h.account, "0.012")
		w := h.prepare("20.00")

		_, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, "not-an-address")
		require.ErrorIs(t, err, models.ErrInvalidCustomerAddress)
		require.Empty(t, h.node.Sent())
	})

	t.Run("reserved balance changed", func(t *testing.T) {
		h := newHarness(t)
		source := h.seed(h.account, "0.012")
		w := h.prepare("20.00")
		h.node.Fund(source, dec("0.001"), 6)

		_, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, h.node.ExternalAddress("customer"))
		require.ErrorIs(t, err, models.ErrAccountBalance)
		require.Empty(t, h.node.Sent())
	})

	t.Run("already sent", func(t *testing.T) {
		h := newHarness(t)
		h.seed(h.account, "0.012")
		w := h.prepare("20.00")
		customer := h.node.ExternalAddress("customer")

		_, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, customer)
		require.NoError(t, err)
		_, err = h.svc.ConfirmWithdrawal(h.ctx, w.Uid, customer)
		require.ErrorIs(t, err, models.ErrInvalidState)
		require.Len(t, h.node.Sent(), 1)
	})
}

func TestCancelWithdrawal(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")

	w, err := h.svc.CancelWithdrawal(h.ctx, w.Uid)
	require.NoError(t, err)
	require.NotNil(t, w.TimeCancelled)
	require.Equal(t, models.WithdrawalCancelled, h.status(w.Uid))
	require.Empty(t, h.changes(w.Uid))

	_, err = h.svc.CancelWithdrawal(h.ctx, w.Uid)
	require.ErrorIs(t, err, models.ErrInvalidState)

	// the released address can be reserved again
	again := h.prepare("20.00")
	require.NotEmpty(t, h.changes(again.Uid))
}

func TestCancelWithdrawal_Sent(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")
	_, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, h.node.ExternalAddress("customer"))
	require.NoError(t, err)

	_, err = h.svc.CancelWithdrawal(h.ctx, w.Uid)
	require.ErrorIs(t, err, models.ErrInvalidState)
	require.NotEmpty(t, h.changes(w.Uid))
}

func TestCheckWithdrawalStatus_Timeout(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")

	require.False(t, h.run(h.svc.CheckWithdrawalStatus, w.Uid))
	require.NotEmpty(t, h.changes(w.Uid))

	h.advance(16 * time.Minute)
	require.Equal(t, models.WithdrawalTimeout, h.status(w.Uid))
	require.True(t, h.run(h.svc.CheckWithdrawalStatus, w.Uid))
	require.Empty(t, h.changes(w.Uid))

	_, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, h.node.ExternalAddress("customer"))
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestWithdrawal_Failed(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")
	_, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, h.node.ExternalAddress("customer"))
	require.NoError(t, err)

	h.advance(21 * time.Minute)
	require.Equal(t, models.WithdrawalFailed, h.status(w.Uid))
	require.True(t, h.run(h.svc.WaitForConfidence, w.Uid))
	require.True(t, h.run(h.svc.CheckWithdrawalStatus, w.Uid))
	require.Nil(t, h.withdrawal(w.Uid).TimeBroadcasted)
}

func TestWithdrawal_NeverNotified(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")
	w, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, h.node.ExternalAddress("customer"))
	require.NoError(t, err)

	h.oracle.reliable = true
	require.True(t, h.run(h.svc.WaitForConfidence, w.Uid))
	require.Equal(t, models.WithdrawalBroadcasted, h.status(w.Uid))
	require.False(t, h.run(h.svc.CheckWithdrawalStatus, w.Uid))

	h.advance(21 * time.Minute)
	require.Equal(t, models.WithdrawalFailed, h.status(w.Uid))
	require.True(t, h.run(h.svc.WaitForConfirmation, w.Uid))
	require.True(t, h.run(h.svc.CheckWithdrawalStatus, w.Uid))

	h.node.Confirm(w.OutgoingTxId, 6)
	h.advance(1000 * time.Hour)
	require.Equal(t, models.WithdrawalFailed, h.status(w.Uid))

	h.sched.tasks = make(map[string]scheduler.Task)
	require.NoError(t, h.svc.Resume(h.ctx))
	require.False(t, h.sched.has(TaskWaitForConfirmation, w.Uid))
	require.False(t, h.sched.has(TaskCheckStatus, w.Uid))
}

func TestWithdrawal_Unconfirmed(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")
	w, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, h.node.ExternalAddress("customer"))
	require.NoError(t, err)

	h.oracle.reliable = true
	require.True(t, h.run(h.svc.WaitForConfidence, w.Uid))
	_, err = h.svc.NotifyWithdrawal(h.ctx, w.Uid)
	require.NoError(t, err)
	require.False(t, h.run(h.svc.WaitForConfirmation, w.Uid))

	h.advance(5 * time.Hour)
	require.Equal(t, models.WithdrawalUnconfirmed, h.status(w.Uid))
	require.True(t, h.run(h.svc.WaitForConfirmation, w.Uid))
	require.True(t, h.run(h.svc.CheckWithdrawalStatus, w.Uid))
	require.Nil(t, h.withdrawal(w.Uid).TimeConfirmed)
}

func TestWaitForConfidence_Malleation(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")
	w, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, h.node.ExternalAddress("customer"))
	require.NoError(t, err)

	malleated := h.node.Fund(h.node.ExternalAddress("customer"), dec("0.01"), 1)
	h.node.SetConfirmError(w.OutgoingTxId, &models.TransactionModifiedError{TxId: malleated})

	require.False(t, h.run(h.svc.WaitForConfidence, w.Uid))
	require.Equal(t, malleated, h.withdrawal(w.Uid).OutgoingTxId)

	require.True(t, h.run(h.svc.WaitForConfidence, w.Uid))
	require.Equal(t, models.WithdrawalBroadcasted, h.status(w.Uid))
}

func TestWaitForConfidence_DoubleSpend(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	w := h.prepare("20.00")
	w, err := h.svc.ConfirmWithdrawal(h.ctx, w.Uid, h.node.ExternalAddress("customer"))
	require.NoError(t, err)

	h.node.SetConfirmError(w.OutgoingTxId, &models.DoubleSpendError{TxId: "conflict"})
	h.oracle.reliable = true

	require.True(t, h.run(h.svc.WaitForConfidence, w.Uid))
	require.Nil(t, h.withdrawal(w.Uid).TimeBroadcasted)
}

func TestInstantFiatWithdrawal(t *testing.T) {
	h := newHarness(t)
	account := h.createAccount("GBP", "fake")

	w, err := h.svc.PrepareWithdrawal(h.ctx, Target{AccountId: account.Id}, dec("20.00"))
	require.NoError(t, err)
	require.Equal(t, "GBP", w.Currency)
	require.True(t, w.CustomerCoinAmount.Equal(dec("0.01")))
	require.True(t, w.TxFeeCoinAmount.IsZero())
	require.Empty(t, h.changes(w.Uid))

	customer := h.node.ExternalAddress("customer")
	w, err = h.svc.ConfirmWithdrawal(h.ctx, w.Uid, customer)
	require.NoError(t, err)
	require.Equal(t, "tr-1", w.InstantFiatTransferId)
	require.Equal(t, "ref-1", w.InstantFiatReference)
	require.Empty(t, h.node.Sent())
	require.Len(t, h.provider.requests, 1)
	require.Equal(t, customer, h.provider.requests[0].Destination)
	require.True(t, h.provider.requests[0].CoinAmount.Equal(dec("0.01")))
	require.True(t, h.sched.has(TaskWaitForTransfer, w.Uid))

	require.False(t, h.run(h.svc.WaitForTransfer, w.Uid))
	require.Equal(t, models.WithdrawalSent, h.status(w.Uid))

	h.provider.completed = true
	require.True(t, h.run(h.svc.WaitForTransfer, w.Uid))
	require.Equal(t, models.WithdrawalBroadcasted, h.status(w.Uid))

	_, err = h.svc.NotifyWithdrawal(h.ctx, w.Uid)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalConfirmed, h.status(w.Uid))
}

func TestResume(t *testing.T) {
	h := newHarness(t)
	h.seed(h.account, "0.012")
	h.seed(h.account, "0.012")

	pending := h.prepare("20.00")
	sent := h.prepare("20.00")
	_, err := h.svc.ConfirmWithdrawal(h.ctx, sent.Uid, h.node.ExternalAddress("customer"))
	require.NoError(t, err)

	h.sched.tasks = make(map[string]scheduler.Task)
	require.NoError(t, h.svc.Resume(h.ctx))
	require.True(t, h.sched.has(TaskCheckStatus, pending.Uid))
	require.False(t, h.sched.has(TaskWaitForConfidence, pending.Uid))
	require.True(t, h.sched.has(TaskWaitForConfidence, sent.Uid))
	require.True(t, h.sched.has(TaskCheckStatus, sent.Uid))
}
