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
	"context"
	"fmt"

	"pos-payments-go/internal/bip70"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

func acceptsPayments(status models.DepositStatus) bool {
	return status == models.DepositNew || status == models.DepositUnderpaid
}

// PaymentRequest builds the BIP-70 request of a deposit that is still
// waiting for payment.
func (s *Service) PaymentRequest(ctx context.Context, uid, paymentURL, merchantName string, signer *bip70.Signer) ([]byte, error) {
	deposit, err := s.store.GetDeposit(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !acceptsPayments(s.Status(deposit)) {
		return nil, models.ErrInvalidState
	}

	node, err := s.node(deposit)
	if err != nil {
		return nil, err
	}
	return bip70.CreatePaymentRequest(bip70.RequestParams{
		Network: node.Network(),
		Outputs: []bip70.RequestOutput{
			{Address: deposit.DepositAddress, Amount: deposit.CoinAmount()},
		},
		Created:    deposit.TimeCreated,
		Expires:    deposit.TimeCreated.Add(s.cfg.DepositTimeouts.Deposit),
		Memo:       "Payment to " + merchantName,
		PaymentURL: paymentURL,
	}, signer)
}

// HandleBIP70Payment accepts a Payment message for the deposit, relays its
// transactions and returns the serialized PaymentACK.
func (s *Service) HandleBIP70Payment(ctx context.Context, uid string, message []byte) ([]byte, error) {
	deposit, err := s.store.GetDeposit(ctx, uid)
	if err != nil {
		return nil, err
	}

	payment, err := bip70.ParsePayment(message)
	if err != nil {
		return nil, err
	}
	txs := make([]*wire.MsgTx, 0, len(payment.Transactions))
	for _, raw := range payment.Transactions {
		tx, err := blockchain.DecodeTx(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidPaymentMessage, err)
		}
		txs = append(txs, tx)
	}

	ack := bip70.CreatePaymentACK(payment, "PaymentACK")
	if deposit.TimeReceived != nil && hasAllTxs(deposit, txs) {
		return ack, nil
	}
	if !acceptsPayments(s.Status(deposit)) {
		return nil, models.ErrInvalidState
	}

	node, err := s.node(deposit)
	if err != nil {
		return nil, err
	}

	// The payer may have broadcast already, relay failures are not fatal.
	for _, tx := range txs {
		s.relay(node, uid, tx)
		if _, err := s.store.AppendIncomingTxId(ctx, uid, tx.TxHash().String()); err != nil {
			return nil, err
		}
	}

	if len(payment.RefundTo) > 0 {
		refund, err := payment.RefundAddress(node.Params())
		if err != nil {
			return nil, err
		}
		if _, err := s.store.SetRefundAddress(ctx, uid, refund); err != nil {
			return nil, err
		}
	}

	recorded := s.recordedTxs(node, deposit, txs)
	if err := s.validatePayment(ctx, node, deposit, txs, recorded); err != nil {
		return nil, err
	}

	received, err := s.store.SetDepositTime(ctx, uid, models.TimeReceived, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if received {
		if err := s.store.SetPaymentType(ctx, uid, models.PaymentBIP70); err != nil {
			return nil, err
		}
		zap.L().Info("Payment received", zap.String("deposit_uid", uid), zap.String("payment_type", string(models.PaymentBIP70)))
		s.afterReceived(deposit)
	}
	return ack, nil
}

func (s *Service) relay(node blockchain.Client, uid string, tx *wire.MsgTx) {
	signed, _, err := node.SignRawTransaction(tx)
	if err != nil {
		zap.L().Warn("Unable to sign payment transaction", zap.String("deposit_uid", uid), zap.Error(err))
		return
	}
	if _, err := node.SendRawTransaction(signed); err != nil {
		zap.L().Warn("Unable to broadcast payment transaction",
			zap.String("deposit_uid", uid),
			zap.String("tx_id", tx.TxHash().String()),
			zap.Error(err))
	}
}

// recordedTxs loads the incoming transactions seen before the payment
// message arrived, such as a BIP-21 payment topped up over BIP-70.
func (s *Service) recordedTxs(node blockchain.Client, deposit *models.Deposit, txs []*wire.MsgTx) []*wire.MsgTx {
	inMessage := make(map[string]bool, len(txs))
	for _, tx := range txs {
		inMessage[tx.TxHash().String()] = true
	}

	var recorded []*wire.MsgTx
	for _, txId := range deposit.IncomingTxIds {
		if inMessage[txId] {
			continue
		}
		tx, err := node.GetRawTransaction(txId)
		if err != nil {
			zap.L().Warn("Unable to load recorded incoming transaction",
				zap.String("deposit_uid", deposit.Uid),
				zap.String("tx_id", txId),
				zap.Error(err))
			continue
		}
		recorded = append(recorded, tx)
	}
	return recorded
}

func hasAllTxs(deposit *models.Deposit, txs []*wire.MsgTx) bool {
	for _, tx := range txs {
		if !deposit.HasIncomingTx(tx.TxHash().String()) {
			return false
		}
	}
	return true
}
