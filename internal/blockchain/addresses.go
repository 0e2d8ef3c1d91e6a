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

package blockchain

import (
	"context"
	"fmt"

	"pos-payments-go/internal/models"

	"go.uber.org/zap"
)

const defaultAddressRetries = 3

// AddressRecorder persists wallet addresses
type AddressRecorder interface {
	CreateAddress(ctx context.Context, accountId string, coinType int, address string, isChange bool) (*models.Address, error)
}

// AllocateAddress mints a fresh wallet address, imports it as watch-only
// and records it against the account. Node failures are retried up to
// retries times.
func AllocateAddress(
	ctx context.Context,
	recorder AddressRecorder,
	node Client,
	accountId string,
	coinType int,
	isChange bool,
	retries int,
) (string, error) {
	if retries <= 0 {
		retries = defaultAddressRetries
	}

	var address string
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		addr, err := node.NewAddress()
		if err == nil {
			address = addr
			break
		}
		lastErr = err
		zap.L().Warn("Unable to get new address",
			zap.Int("attempt", attempt),
			zap.String("network", node.Network()),
			zap.Error(err))
	}
	if address == "" {
		return "", fmt.Errorf("%w: %v", models.ErrNetwork, lastErr)
	}

	if err := node.ImportAddress(address); err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrNetwork, err)
	}

	if _, err := recorder.CreateAddress(ctx, accountId, coinType, address, isChange); err != nil {
		return "", fmt.Errorf("unable to store address: %w", err)
	}
	return address, nil
}
