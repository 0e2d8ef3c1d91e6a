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

package bip70

import (
	"errors"
	"fmt"

	"pos-payments-go/internal/models"

	"github.com/btcsuite/btcd/chaincfg"
)

// ParsePayment decodes a Payment message sent by a wallet
func ParsePayment(data []byte) (*Payment, error) {
	if len(data) > MaxPaymentSize {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", models.ErrInvalidPaymentMessage, MaxPaymentSize)
	}

	var payment Payment
	if err := payment.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPaymentMessage, err)
	}
	if len(payment.Transactions) == 0 {
		return nil, fmt.Errorf("%w: no transactions", models.ErrInvalidPaymentMessage)
	}
	return &payment, nil
}

// RefundAddress returns the address of the first refund output
func (p *Payment) RefundAddress(params *chaincfg.Params) (string, error) {
	if len(p.RefundTo) == 0 {
		return "", errors.New("payment has no refund outputs")
	}
	return AddressForScript(p.RefundTo[0].Script, params)
}

// CreatePaymentACK acknowledges payment with an optional memo
func CreatePaymentACK(payment *Payment, memo string) []byte {
	ack := PaymentACK{Payment: *payment, Memo: memo}
	return ack.Marshal()
}

func ParsePaymentACK(data []byte) (*PaymentACK, error) {
	var ack PaymentACK
	if err := ack.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPaymentMessage, err)
	}
	return &ack, nil
}
