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

func (s *Service) CreateAccount(ctx context.Context, params store.CreateAccountParams) (*models.Account, error) {
	account := &models.Account{
		Id:                   uuid.New().String(),
		MerchantName:         params.MerchantName,
		MerchantCurrency:     params.MerchantCurrency,
		Currency:             params.Currency,
		BalanceMin:           params.BalanceMin,
		BalanceMax:           params.BalanceMax,
		InstantFiatProvider:  params.InstantFiatProvider,
		InstantFiatAccountId: params.InstantFiatAccountId,
		InstantFiatApiKey:    params.InstantFiatApiKey,
		CreatedAt:            time.Now().UTC(),
	}

	_, err := s.exec(ctx, s.db, queryInsertAccount,
		account.Id, account.MerchantName, account.MerchantCurrency, account.Currency,
		account.BalanceMin.String(), account.BalanceMax.String(),
		nullString(account.InstantFiatProvider), nullString(account.InstantFiatAccountId),
		nullString(account.InstantFiatApiKey), account.CreatedAt)
	if err != nil {
		zap.L().Error("Failed to insert account", zap.String("merchant", params.MerchantName), zap.Error(err))
		return nil, fmt.Errorf("unable to insert account: %w", err)
	}

	zap.L().Info("Account created",
		zap.String("id", account.Id),
		zap.String("merchant", account.MerchantName),
		zap.String("currency", account.Currency))
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, s.rebind(queryGetAccount), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query account: %w", err)
	}
	return account, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(queryListAccounts))
	if err != nil {
		return nil, fmt.Errorf("unable to query accounts: %w", err)
	}
	defer closeRows(rows)

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan account row: %w", err)
		}
		accounts = append(accounts, *account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account rows: %w", err)
	}
	return accounts, nil
}

func (s *Service) CreateDevice(ctx context.Context, params store.CreateDeviceParams) (*models.Device, error) {
	account, err := s.GetAccount(ctx, params.AccountId)
	if err != nil {
		return nil, err
	}

	key := params.Key
	if key == "" {
		key = models.NewUid(16)
	}

	device := &models.Device{
		Key:          key,
		AccountId:    params.AccountId,
		Name:         params.Name,
		Status:       models.DeviceRegistered,
		MaxPayout:    params.MaxPayout,
		ApiKey:       params.ApiKey,
		CreatedAt:    time.Now().UTC(),
		MerchantName: account.MerchantName,
	}

	_, err = s.exec(ctx, s.db, queryInsertDevice,
		device.Key, device.AccountId, device.Name, string(device.Status),
		device.MaxPayout.String(), device.ApiKey, device.CreatedAt)
	if err != nil {
		zap.L().Error("Failed to insert device", zap.String("name", params.Name), zap.Error(err))
		return nil, fmt.Errorf("unable to insert device: %w", err)
	}

	zap.L().Info("Device registered",
		zap.String("device_key", device.Key),
		zap.String("account_id", device.AccountId))
	return device, nil
}

func (s *Service) GetDevice(ctx context.Context, key string) (*models.Device, error) {
	var device models.Device
	var status string
	err := s.db.QueryRowContext(ctx, s.rebind(queryGetDevice), key).Scan(
		&device.Key, &device.AccountId, &device.Name, &status, &device.MaxPayout,
		&device.ApiKey, &device.CreatedAt, &device.MerchantName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query device: %w", err)
	}
	device.Status = models.DeviceStatus(status)
	return &device, nil
}

func (s *Service) SetDeviceStatus(ctx context.Context, key string, status models.DeviceStatus) error {
	device, err := s.GetDevice(ctx, key)
	if err != nil {
		return err
	}
	if !device.CanTransition(status) {
		return fmt.Errorf("device %s cannot move from %s to %s: %w", key, device.Status, status, models.ErrInvalidState)
	}

	if _, err := s.exec(ctx, s.db, queryUpdateDeviceStatus, string(status), key); err != nil {
		return fmt.Errorf("unable to update device status: %w", err)
	}

	zap.L().Info("Device status changed",
		zap.String("device_key", key),
		zap.String("from", string(device.Status)),
		zap.String("to", string(status)))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	var provider, providerAccount, providerKey sql.NullString
	err := row.Scan(
		&account.Id, &account.MerchantName, &account.MerchantCurrency, &account.Currency,
		&account.BalanceMin, &account.BalanceMax, &provider, &providerAccount, &providerKey,
		&account.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.InstantFiatProvider = provider.String
	account.InstantFiatAccountId = providerAccount.String
	account.InstantFiatApiKey = providerKey.String
	return &account, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}


func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
