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

package oracle

import (
	"context"
	"errors"

	"pos-payments-go/internal/models"

	"go.uber.org/zap"
)

// DefaultThreshold is the minimal confidence for an unconfirmed transaction
const DefaultThreshold = 0.95

// Wrapper asks each oracle in turn until one answers
type Wrapper struct {
	oracles []ConfidenceOracle
}

func NewWrapper(oracles ...ConfidenceOracle) *Wrapper {
	return &Wrapper{oracles: oracles}
}

// GetTxConfidence returns the answer of the first oracle that succeeds
func (w *Wrapper) GetTxConfidence(ctx context.Context, txId, network string) (float64, error) {
	var errs []error
	for _, o := range w.oracles {
		confidence, err := o.GetTxConfidence(ctx, txId, network)
		if err == nil {
			return confidence, nil
		}
		zap.L().Warn("Confidence oracle failed",
			zap.String("oracle", o.Name()),
			zap.String("tx_id", txId),
			zap.Error(err))
		errs = append(errs, err)
	}
	return 0, &models.ProviderError{
		Message: "all confidence oracles failed",
		Err:     errors.Join(errs...),
	}
}

// IsTxReliable reports whether the transaction reached threshold. An
// error means no oracle could answer, the transaction is then unreliable.
func (w *Wrapper) IsTxReliable(ctx context.Context, txId string, threshold float64, network string) (bool, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	confidence, err := w.GetTxConfidence(ctx, txId, network)
	if err != nil {
		return false, err
	}
	return confidence >= threshold, nil
}
