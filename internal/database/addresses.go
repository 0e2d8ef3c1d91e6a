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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) CreateAddress(ctx context.Context, accountId string, coinType int, address string, isChange bool) (*models.Address, error) {
	zap.L().Info("Storing address",
		zap.String("account_id", accountId),
		zap.Int("coin_type", coinType),
		zap.String("address", address),
		zap.Bool("is_change", isChange))

	addr := &models.Address{
		Id:        uuid.New().String(),
		AccountId: accountId,
		CoinType:  coinType,
		Address:   address,
		IsChange:  isChange,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.exec(ctx, s.db, queryInsertAddress,
		addr.Id, nullString(accountId), coinType, address, isChange, addr.CreatedAt)
	if err != nil {
		zap.L().Error("Failed to insert address",
			zap.String("account_id", accountId),
			zap.String("address", address),
			zap.Error(err))
		return nil, fmt.Errorf("unable to insert address: %w", err)
	}

	zap.L().Info("Address stored successfully", zap.String("id", addr.Id))
	return addr, nil
}

func (s *Service) GetAddress(ctx context.Context, address string) (*models.Address, error) {
	addr, err := scanAddress(s.db.QueryRowContext(ctx, s.rebind(queryGetAddress), address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("address %s: %w", address, store.ErrNotFound)
	}
	if err != nil {
		zap.L().Error("Failed to query address", zap.String("address", address), zap.Error(err))
		return nil, fmt.Errorf("unable to query address: %w", err)
	}
	return addr, nil
}

func (s *Service) ListAddresses(ctx context.Context, coinType int) ([]models.Address, error) {
	zap.L().Debug("Querying addresses", zap.Int("coin_type", coinType))

	rows, err := s.db.QueryContext(ctx, s.rebind(queryListAddresses), coinType)
	if err != nil {
		zap.L().Error("Failed to query addresses", zap.Int("coin_type", coinType), zap.Error(err))
		return nil, fmt.Errorf("unable to query addresses: %w", err)
	}
	defer closeRows(rows)

	var addresses []models.Address
	for rows.Next() {
		addr, err := scanAddress(rows)
		if err != nil {
			zap.L().Error("Failed to scan address row", zap.Error(err))
			return nil, fmt.Errorf("unable to scan address row: %w", err)
		}
		addresses = append(addresses, *addr)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during address row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating address rows: %w", err)
	}

	zap.L().Debug("Retrieved addresses",
		zap.Int("coin_type", coinType),
		zap.Int("count", len(addresses)))
	return addresses, nil
}

func scanAddress(row rowScanner) (*models.Address, error) {
	var addr models.Address
	var accountId sql.NullString
	if err := row.Scan(&addr.Id, &accountId, &addr.CoinType, &addr.Address, &addr.IsChange, &addr.CreatedAt); err != nil {
		return nil, err
	}
	addr.AccountId = accountId.String
	return &addr, nil
}
