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

	"pos-payments-go/internal/amounts"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RefundDeposit sends every unspent output of the deposit address back to
// the customer, less the network fee, and clears the deposit ledger rows.
func (s *Service) RefundDeposit(ctx context.Context, uid string) (string, error) {
	deposit, err := s.store.GetDeposit(ctx, uid)
	if err != nil {
		return "", err
	}

	switch {
	case deposit.IsInstantFiat():
		return "", &models.RefundError{Reason: "instant-fiat deposits are settled by the provider"}
	case deposit.TimeNotified != nil:
		return "", &models.RefundError{Reason: "customer already notified"}
	case deposit.TimeRefunded != nil:
		return "", &models.RefundError{Reason: "deposit already refunded"}
	case deposit.RefundAddress == "":
		return "", &models.RefundError{Reason: "no refund address"}
	}

	node, err := s.node(deposit)
	if err != nil {
		return "", err
	}
	outputs, err := node.ListUnspent(deposit.DepositAddress, 0)
	if err != nil {
		return "", err
	}
	if len(outputs) == 0 {
		return "", &models.RefundError{Reason: "nothing to refund"}
	}

	inputs := make([]blockchain.Input, 0, len(outputs))
	total := decimal.Zero
	for _, o := range outputs {
		inputs = append(inputs, blockchain.Input{TxId: o.TxId, Vout: o.Vout})
		total = total.Add(o.Amount)
	}
	amount := total.Sub(node.GetTxFee(len(inputs), 1, 0))
	if amounts.IsDust(amount) {
		return "", &models.RefundError{Reason: "output below dust"}
	}

	tx, err := node.CreateRawTransaction(inputs, map[string]decimal.Decimal{deposit.RefundAddress: amount})
	if err != nil {
		return "", err
	}
	signed, complete, err := node.SignRawTransaction(tx)
	if err != nil {
		return "", err
	}
	if !complete {
		return "", fmt.Errorf("%w: refund transaction is not fully signed", models.ErrInvalidTransaction)
	}
	txId, err := node.SendRawTransaction(signed)
	if err != nil {
		return "", err
	}

	if err := s.store.SetRefundTxId(ctx, uid, txId); err != nil {
		return "", err
	}
	if _, err := s.store.SetDepositTime(ctx, uid, models.TimeRefunded, s.clock.Now()); err != nil {
		return "", err
	}
	if err := s.store.DeleteBalanceChanges(ctx, depositRef(uid)); err != nil {
		return "", err
	}

	zap.L().Info("Deposit refunded",
		zap.String("deposit_uid", uid),
		zap.String("refund_address", deposit.RefundAddress),
		zap.String("amount", amount.String()),
		zap.String("tx_id", txId))
	return txId, nil
}
