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
	"errors"
	"testing"
	"time"

	"pos-payments-go/internal/bip70"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/scheduler"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func defaultConfig() models.PaymentsConfig {
	return models.PaymentsConfig{
		FeeShare:              dec("0.005"),
		ConfidenceThreshold:   0.95,
		RequiredConfirmations: 6,
	}
}

func TestPrepareDeposit(t *testing.T) {
	h := newHarness(t, defaultConfig())

	d := h.prepare("10.00")

	require.NotEmpty(t, d.Uid)
	require.Equal(t, "GBP", d.Currency)
	require.Equal(t, models.CoinTypeBTC, d.CoinType)
	require.True(t, d.MerchantCoinAmount.Equal(dec("0.005")))
	// 0.000025 is below the dust floor
	require.True(t, d.FeeCoinAmount.IsZero())
	require.True(t, d.ExchangeRate().Equal(dec("2000")))
	require.Equal(t, h.device.Key, d.DeviceKey)
	require.True(t, h.node.Imported(d.DepositAddress))

	address, err := h.store.GetAddress(h.ctx, d.DepositAddress)
	require.NoError(t, err)
	require.Equal(t, h.account.Id, address.AccountId)
	require.False(t, address.IsChange)

	require.True(t, h.sched.has(TaskWaitForPayment, d.Uid))
	require.True(t, h.sched.has(TaskCheckStatus, d.Uid))
	require.Equal(t, models.DepositNew, h.status(d.Uid))
}

func TestPrepareDeposit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fiat    string
		setup   func(h *harness)
		wantErr error
	}{
		{name: "zero amount", fiat: "0", wantErr: models.ErrAmountTooSmall},
		{name: "dust amount", fiat: "0.05", wantErr: models.ErrAmountTooSmall},
		{
			name: "node unavailable",
			fiat: "10",
			setup: func(h *harness) {
				h.node.FailNewAddress = 3
			},
			wantErr: models.ErrNetwork,
		},
		{
			name: "rates unavailable",
			fiat: "10",
			setup: func(h *harness) {
				h.rates.err = &models.ProviderError{Message: "exchange rate for GBP is unavailable"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultConfig())
			if tt.setup != nil {
				tt.setup(h)
			}

			_, err := h.svc.PrepareDeposit(h.ctx, Target{AccountId: h.account.Id}, dec(tt.fiat))
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				var providerErr *models.ProviderError
				require.True(t, errors.As(err, &providerErr))
			}
		})
	}
}

func TestPrepareDeposit_RetriesAddress(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.node.FailNewAddress = 2

	d := h.prepare("10")
	require.NotEmpty(t, d.DepositAddress)
}

func TestDeposit_ExactPayment(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10.00")

	txId, done := h.pay(d, "0.005")
	require.True(t, done)

	got := h.deposit(d.Uid)
	require.Equal(t, models.DepositReceived, h.svc.Status(got))
	require.True(t, got.PaidCoinAmount.Equal(dec("0.005")))
	require.Equal(t, []string{txId}, got.IncomingTxIds)
	require.Equal(t, models.PaymentBIP21, got.PaymentType)
	require.Equal(t, h.node.ExternalAddress("customer"), got.RefundAddress)
	require.True(t, h.balanceTotal(d.Uid).Equal(got.PaidCoinAmount))
	require.True(t, h.sched.has(TaskWaitForConfidence, d.Uid))

	// repeated runs leave the deposit unchanged
	require.True(t, h.run(h.svc.WaitForPayment, d.Uid))
	again := h.deposit(d.Uid)
	require.Equal(t, got.IncomingTxIds, again.IncomingTxIds)
	require.True(t, again.PaidCoinAmount.Equal(got.PaidCoinAmount))
	require.Equal(t, got.TimeReceived, again.TimeReceived)

	// unreliable transactions keep the task running
	require.False(t, h.run(h.svc.WaitForConfidence, d.Uid))
	require.Equal(t, models.DepositReceived, h.status(d.Uid))

	h.oracle.reliable = true
	require.True(t, h.run(h.svc.WaitForConfidence, d.Uid))
	require.Equal(t, models.DepositBroadcasted, h.status(d.Uid))
	require.True(t, h.sched.has(TaskWaitForConfirmation, d.Uid))

	notified, err := h.svc.NotifyDeposit(h.ctx, d.Uid)
	require.NoError(t, err)
	require.NotNil(t, notified.TimeNotified)

	h.node.Confirm(txId, 5)
	require.False(t, h.run(h.svc.WaitForConfirmation, d.Uid))
	h.node.Confirm(txId, 6)
	require.True(t, h.run(h.svc.WaitForConfirmation, d.Uid))
	require.Equal(t, models.DepositConfirmed, h.status(d.Uid))

	require.True(t, h.run(h.svc.CheckDepositStatus, d.Uid))
	require.True(t, h.balanceTotal(d.Uid).Equal(dec("0.005")))
}

func TestDeposit_FeeSplit(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("100.00")
	require.True(t, d.MerchantCoinAmount.Equal(dec("0.05")))
	require.True(t, d.FeeCoinAmount.Equal(dec("0.00025")))

	_, done := h.pay(d, "0.05025")
	require.True(t, done)

	changes, err := h.store.ListBalanceChanges(h.ctx, depositRef(d.Uid))
	require.NoError(t, err)
	require.Len(t, changes, 2)

	amounts := map[string]decimal.Decimal{}
	for _, c := range changes {
		require.Equal(t, d.DepositAddress, c.Address)
		amounts[c.AccountId] = c.Amount
	}
	require.True(t, amounts[h.account.Id].Equal(dec("0.05")))
	require.True(t, amounts[""].Equal(dec("0.00025")))
}

func TestDeposit_UnderpaymentThenTopUp(t *testing.T) {
	cfg := defaultConfig()
	cfg.FeeShare = decimal.Zero
	h := newHarness(t, cfg)
	d := h.prepare("20.00")
	require.True(t, d.CoinAmount().Equal(dec("0.01")))

	_, done := h.pay(d, "0.006")
	require.False(t, done)
	require.Equal(t, models.DepositUnderpaid, h.status(d.Uid))
	require.True(t, h.deposit(d.Uid).PaidCoinAmount.Equal(dec("0.006")))

	_, done = h.pay(d, "0.004")
	require.True(t, done)

	got := h.deposit(d.Uid)
	require.Equal(t, models.DepositReceived, h.svc.Status(got))
	require.True(t, got.PaidCoinAmount.Equal(dec("0.01")))
	require.Len(t, got.IncomingTxIds, 2)
	require.True(t, h.balanceTotal(d.Uid).Equal(dec("0.01")))
}

func TestDeposit_InvalidTransaction(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")

	txId := h.node.Pay(h.node.ExternalAddress("customer"), map[string]decimal.Decimal{d.DepositAddress: dec("0.005")})
	h.node.SetInvalid(txId)

	require.True(t, h.run(h.svc.WaitForPayment, d.Uid))
	require.Nil(t, h.deposit(d.Uid).TimeReceived)
}

func TestDeposit_Malleation(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")

	original, done := h.pay(d, "0.005")
	require.True(t, done)

	modified := h.node.Pay(h.node.ExternalAddress("customer"), map[string]decimal.Decimal{d.DepositAddress: dec("0.005")})
	h.node.SetConfirmError(original, &models.TransactionModifiedError{TxId: modified})
	h.node.Confirm(modified, 1)

	require.True(t, h.run(h.svc.WaitForConfidence, d.Uid))
	got := h.deposit(d.Uid)
	require.Equal(t, []string{modified}, got.IncomingTxIds)
	require.NotNil(t, got.TimeBroadcasted)

	_, err := h.svc.NotifyDeposit(h.ctx, d.Uid)
	require.NoError(t, err)
	h.node.Confirm(modified, 6)
	require.True(t, h.run(h.svc.WaitForConfirmation, d.Uid))
	require.NotNil(t, h.deposit(d.Uid).TimeConfirmed)
}

func TestDeposit_DoubleSpend(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")

	txId, done := h.pay(d, "0.005")
	require.True(t, done)

	h.node.SetConfirmError(txId, &models.DoubleSpendError{TxId: "ccc"})
	require.True(t, h.run(h.svc.WaitForConfidence, d.Uid))
	require.Nil(t, h.deposit(d.Uid).TimeBroadcasted)

	require.False(t, h.run(h.svc.CheckDepositStatus, d.Uid))

	h.advance(21 * time.Minute)
	require.Equal(t, models.DepositFailed, h.status(d.Uid))
	require.True(t, h.run(h.svc.CheckDepositStatus, d.Uid))

	got := h.deposit(d.Uid)
	require.Equal(t, models.DepositRefunded, h.svc.Status(got))
	sent := h.node.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, sent[0], got.RefundTxId)

	outputs := h.node.Outputs(sent[0])
	require.Len(t, outputs, 1)
	require.Equal(t, got.RefundAddress, outputs[0].Address)
	require.True(t, outputs[0].Amount.Equal(dec("0.00499057")))
	require.True(t, h.balanceTotal(d.Uid).IsZero())
}

func TestDeposit_Timeout(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")

	require.False(t, h.run(h.svc.WaitForPayment, d.Uid))
	h.advance(16 * time.Minute)
	require.Equal(t, models.DepositTimeout, h.status(d.Uid))

	require.True(t, h.run(h.svc.WaitForPayment, d.Uid))
	require.True(t, h.run(h.svc.CheckDepositStatus, d.Uid))
	require.Empty(t, h.node.Sent())
}

func TestDeposit_Unconfirmed(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.oracle.reliable = true
	d := h.prepare("10")

	_, done := h.pay(d, "0.005")
	require.True(t, done)
	require.True(t, h.run(h.svc.WaitForConfidence, d.Uid))
	_, err := h.svc.NotifyDeposit(h.ctx, d.Uid)
	require.NoError(t, err)

	require.False(t, h.run(h.svc.CheckDepositStatus, d.Uid))
	require.False(t, h.run(h.svc.WaitForConfirmation, d.Uid))
	h.advance(5 * time.Hour)
	require.Equal(t, models.DepositUnconfirmed, h.status(d.Uid))
	require.True(t, h.run(h.svc.CheckDepositStatus, d.Uid))
	require.True(t, h.run(h.svc.WaitForConfirmation, d.Uid))
	require.Nil(t, h.deposit(d.Uid).TimeConfirmed)
	require.Empty(t, h.node.Sent())

	// nothing is left to resume
	h.sched.tasks = map[string]scheduler.Task{}
	require.NoError(t, h.svc.Resume(h.ctx))
	require.False(t, h.sched.has(TaskWaitForConfirmation, d.Uid))
	require.False(t, h.sched.has(TaskCheckStatus, d.Uid))
}

func TestResume_Timeout(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")
	h.advance(16 * time.Minute)

	h.sched.tasks = map[string]scheduler.Task{}
	require.NoError(t, h.svc.Resume(h.ctx))
	require.False(t, h.sched.has(TaskWaitForPayment, d.Uid))
	require.True(t, h.sched.has(TaskCheckStatus, d.Uid))
}

func TestCancelDeposit(t *testing.T) {
	h := newHarness(t, defaultConfig())

	t.Run("new", func(t *testing.T) {
		d := h.prepare("10")
		cancelled, err := h.svc.CancelDeposit(h.ctx, d.Uid)
		require.NoError(t, err)
		require.Equal(t, models.DepositCancelled, h.svc.Status(cancelled))

		_, err = h.svc.CancelDeposit(h.ctx, d.Uid)
		require.ErrorIs(t, err, models.ErrInvalidState)
		require.True(t, h.run(h.svc.WaitForPayment, d.Uid))
	})

	t.Run("received", func(t *testing.T) {
		d := h.prepare("10")
		_, done := h.pay(d, "0.005")
		require.True(t, done)

		refunded, err := h.svc.CancelDeposit(h.ctx, d.Uid)
		require.NoError(t, err)
		require.Equal(t, models.DepositRefunded, h.svc.Status(refunded))
		require.NotEmpty(t, refunded.RefundTxId)
	})

	t.Run("broadcasted", func(t *testing.T) {
		h.oracle.reliable = true
		d := h.prepare("10")
		_, done := h.pay(d, "0.005")
		require.True(t, done)
		require.True(t, h.run(h.svc.WaitForConfidence, d.Uid))

		_, err := h.svc.CancelDeposit(h.ctx, d.Uid)
		require.ErrorIs(t, err, models.ErrInvalidState)
	})
}

func TestRefundDeposit_Errors(t *testing.T) {
	h := newHarness(t, defaultConfig())

	d := h.prepare("10")
	_, err := h.svc.RefundDeposit(h.ctx, d.Uid)
	var refundErr *models.RefundError
	require.ErrorAs(t, err, &refundErr)
	require.Equal(t, "no refund address", refundErr.Reason)

	_, done := h.pay(d, "0.00006")
	require.False(t, done)
	_, err = h.svc.RefundDeposit(h.ctx, d.Uid)
	require.ErrorAs(t, err, &refundErr)
	require.Equal(t, "output below dust", refundErr.Reason)
	require.Empty(t, h.node.Sent())
}

func TestHandleBIP70Payment(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")

	refund := h.node.ExternalAddress("refund")
	script, err := bip70.ScriptForAddress(refund, h.node.Params())
	require.NoError(t, err)

	txId := h.node.Pay(h.node.ExternalAddress("customer"), map[string]decimal.Decimal{d.DepositAddress: dec("0.005")})
	payment := bip70.Payment{
		Transactions: [][]byte{h.rawTx(txId)},
		RefundTo:     []bip70.Output{{Script: script}},
	}
	message := payment.Marshal()

	ack, err := h.svc.HandleBIP70Payment(h.ctx, d.Uid, message)
	require.NoError(t, err)
	parsed, err := bip70.ParsePaymentACK(ack)
	require.NoError(t, err)
	require.Equal(t, "PaymentACK", parsed.Memo)

	got := h.deposit(d.Uid)
	require.Equal(t, models.DepositReceived, h.svc.Status(got))
	require.Equal(t, models.PaymentBIP70, got.PaymentType)
	require.Equal(t, refund, got.RefundAddress)
	require.Equal(t, []string{txId}, got.IncomingTxIds)
	require.Equal(t, []string{txId}, h.node.Sent())
	require.True(t, h.sched.has(TaskWaitForConfidence, d.Uid))

	// the payment monitor stops once the deposit is received
	require.True(t, h.run(h.svc.WaitForPayment, d.Uid))
	require.Equal(t, models.PaymentBIP70, h.deposit(d.Uid).PaymentType)

	again, err := h.svc.HandleBIP70Payment(h.ctx, d.Uid, message)
	require.NoError(t, err)
	require.Equal(t, ack, again)
	after := h.deposit(d.Uid)
	require.Equal(t, got.IncomingTxIds, after.IncomingTxIds)
	require.True(t, after.PaidCoinAmount.Equal(got.PaidCoinAmount))
}

func TestHandleBIP70Payment_TopUp(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")

	first, done := h.pay(d, "0.002")
	require.False(t, done)
	require.Equal(t, models.DepositUnderpaid, h.status(d.Uid))

	second := h.node.Pay(h.node.ExternalAddress("customer"), map[string]decimal.Decimal{d.DepositAddress: dec("0.003")})
	payment := bip70.Payment{Transactions: [][]byte{h.rawTx(second)}}
	_, err := h.svc.HandleBIP70Payment(h.ctx, d.Uid, payment.Marshal())
	require.NoError(t, err)

	got := h.deposit(d.Uid)
	require.Equal(t, models.DepositReceived, h.svc.Status(got))
	require.True(t, got.PaidCoinAmount.Equal(dec("0.005")), "paid %s", got.PaidCoinAmount)
	require.ElementsMatch(t, []string{first, second}, got.IncomingTxIds)
	require.True(t, h.balanceTotal(d.Uid).Equal(dec("0.005")))
}

func TestHandleBIP70Payment_Invalid(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")

	_, err := h.svc.HandleBIP70Payment(h.ctx, d.Uid, []byte{0xff, 0x01})
	require.ErrorIs(t, err, models.ErrInvalidPaymentMessage)

	payment := bip70.Payment{Transactions: [][]byte{{0x00, 0x01}}}
	_, err = h.svc.HandleBIP70Payment(h.ctx, d.Uid, payment.Marshal())
	require.ErrorIs(t, err, models.ErrInvalidPaymentMessage)

	txId := h.node.Pay(h.node.ExternalAddress("customer"), map[string]decimal.Decimal{d.DepositAddress: dec("0.001")})
	payment = bip70.Payment{Transactions: [][]byte{h.rawTx(txId)}}
	_, err = h.svc.HandleBIP70Payment(h.ctx, d.Uid, payment.Marshal())
	require.ErrorIs(t, err, models.ErrInsufficientFunds)
	require.Equal(t, models.DepositUnderpaid, h.status(d.Uid))
}

func TestPaymentRequest(t *testing.T) {
	h := newHarness(t, defaultConfig())
	d := h.prepare("10")

	data, err := h.svc.PaymentRequest(h.ctx, d.Uid, "https://pos.example.com/deposits/"+d.Uid+"/response", "Coffee Shop", nil)
	require.NoError(t, err)

	parsed, err := bip70.ParsePaymentRequest(data)
	require.NoError(t, err)
	require.Equal(t, "main", parsed.Details.Network)
	require.Equal(t, "Payment to Coffee Shop", parsed.Details.Memo)
	require.Len(t, parsed.Outputs, 1)
	require.Equal(t, d.DepositAddress, parsed.Outputs[0].Address)
	require.True(t, parsed.Outputs[0].Amount.Equal(d.CoinAmount()))
	require.Equal(t, uint64(testStart.Add(15*time.Minute).Unix()), parsed.Details.Expires)

	_, done := h.pay(d, "0.005")
	require.True(t, done)
	_, err = h.svc.PaymentRequest(h.ctx, d.Uid, "", "Coffee Shop", nil)
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestInstantFiatDeposit(t *testing.T) {
	h := newHarness(t, defaultConfig())
	account, err := h.store.CreateAccount(h.ctx, storeAccount("fake"))
	require.NoError(t, err)

	invoiceAddress := h.node.ExternalAddress("invoice")
	h.provider.invoice = &instantfiat.Invoice{
		Id:         "inv-1",
		CoinAmount: dec("0.05"),
		Address:    invoiceAddress,
	}

	d, err := h.svc.PrepareDeposit(h.ctx, Target{AccountId: account.Id}, dec("100"))
	require.NoError(t, err)
	require.Equal(t, "GBP", d.Currency)
	require.Equal(t, "inv-1", d.InstantFiatInvoiceId)
	require.Equal(t, invoiceAddress, d.DepositAddress)
	require.True(t, d.FeeCoinAmount.IsZero())
	require.True(t, h.node.Imported(invoiceAddress))

	_, done := h.pay(d, "0.05")
	require.True(t, done)
	require.True(t, h.balanceTotal(d.Uid).IsZero())
	require.True(t, h.sched.has(TaskWaitForExchange, d.Uid))

	require.False(t, h.run(h.svc.WaitForExchange, d.Uid))
	h.provider.paid = true
	require.True(t, h.run(h.svc.WaitForExchange, d.Uid))

	got := h.deposit(d.Uid)
	require.NotNil(t, got.TimeExchanged)
	require.NotNil(t, got.TimeNotified)
	require.Equal(t, models.DepositNotified, h.svc.Status(got))

	_, err = h.svc.RefundDeposit(h.ctx, d.Uid)
	var refundErr *models.RefundError
	require.ErrorAs(t, err, &refundErr)
}

func TestResume(t *testing.T) {
	h := newHarness(t, defaultConfig())
	waiting := h.prepare("10")
	received := h.prepare("10")
	_, done := h.pay(received, "0.005")
	require.True(t, done)

	h.sched.tasks = map[string]scheduler.Task{}
	require.NoError(t, h.svc.Resume(h.ctx))

	require.True(t, h.sched.has(TaskWaitForPayment, waiting.Uid))
	require.True(t, h.sched.has(TaskCheckStatus, waiting.Uid))
	require.True(t, h.sched.has(TaskWaitForConfidence, received.Uid))
	require.False(t, h.sched.has(TaskWaitForPayment, received.Uid))
	require.True(t, h.sched.has(TaskCheckStatus, received.Uid))
}
