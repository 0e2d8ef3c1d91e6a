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

package instantfiat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	CryptoPayName       = "cryptopay"
	DefaultCryptoPayURL = "https://cryptopay.me/api"
)

// CryptoPay implements Provider over the CryptoPay REST API
type CryptoPay struct {
	client  *http.Client
	baseURL string
}

func NewCryptoPay(client *http.Client, baseURL string) *CryptoPay {
	if baseURL == "" {
		baseURL = DefaultCryptoPayURL
	}
	return &CryptoPay{client: client, baseURL: baseURL}
}

var _ Provider = (*CryptoPay)(nil)

func (c *CryptoPay) Name() string { return CryptoPayName }

func (c *CryptoPay) CreateInvoice(ctx context.Context, account *models.Account, fiatAmount decimal.Decimal, description string) (*Invoice, error) {
	payload := map[string]any{
		"api_key":             account.InstantFiatApiKey,
		"price":               fiatAmount.InexactFloat64(),
		"currency":            account.Currency,
		"confirmations_count": 0,
		"description":         description,
	}

	var response struct {
		Uuid       string `json:"uuid"`
		BtcPrice   string `json:"btc_price"`
		BtcAddress string `json:"btc_address"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/invoices", "", payload, &response); err != nil {
		return nil, err
	}

	coinAmount, err := decimal.NewFromString(response.BtcPrice)
	if err != nil || response.Uuid == "" || response.BtcAddress == "" {
		return nil, &models.ProviderError{Provider: c.Name(), Message: "invalid invoice response"}
	}

	zap.L().Debug("CryptoPay invoice created",
		zap.String("invoice_id", response.Uuid),
		zap.String("account_id", account.Id))

	return &Invoice{
		Id:         response.Uuid,
		CoinAmount: coinAmount.Round(8),
		Address:    response.BtcAddress,
	}, nil
}

// IsInvoicePaid never returns an error for a failed lookup: the poller
// treats it as not paid yet.
func (c *CryptoPay) IsInvoicePaid(ctx context.Context, account *models.Account, invoiceId string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/invoices/%s?api_key=%s",
		c.baseURL, url.PathEscape(invoiceId), url.QueryEscape(account.InstantFiatApiKey))

	var response struct {
		Status *string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &response); err != nil {
		zap.L().Warn("Unable to check CryptoPay invoice",
			zap.String("invoice_id", invoiceId),
			zap.Error(err))
		return false, nil
	}
	if response.Status == nil {
		zap.L().Warn("CryptoPay invoice has no status", zap.String("invoice_id", invoiceId))
		return false, nil
	}

	return *response.Status == "paid" || *response.Status == "confirmed", nil
}

func (c *CryptoPay) SendTransaction(ctx context.Context, account *models.Account, request TransferRequest) (*Transfer, error) {
	payload := map[string]any{
		"account":          account.InstantFiatAccountId,
		"charged_currency": request.Currency,
		"amount":           request.FiatAmount.StringFixed(2),
		"address":          request.Destination,
		"network":          "bitcoin",
	}

	var response struct {
		Data struct {
			Id        string `json:"id"`
			CustomId  string `json:"custom_id"`
			Reference string `json:"reference"`
		} `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, c.baseURL+"/v2/coin_withdrawals", account.InstantFiatApiKey, payload, &response)
	if err != nil {
		return nil, err
	}
	if response.Data.Id == "" {
		return nil, &models.ProviderError{Provider: c.Name(), Message: "invalid transfer response"}
	}

	reference := response.Data.Reference
	if reference == "" {
		reference = response.Data.CustomId
	}
	return &Transfer{Id: response.Data.Id, Reference: reference}, nil
}

func (c *CryptoPay) IsTransferCompleted(ctx context.Context, account *models.Account, transferId string) (bool, error) {
	var response struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	endpoint := fmt.Sprintf("%s/v2/coin_withdrawals/%s", c.baseURL, url.PathEscape(transferId))
	if err := c.do(ctx, http.MethodGet, endpoint, account.InstantFiatApiKey, nil, &response); err != nil {
		return false, err
	}
	return response.Data.Status == "completed", nil
}

func (c *CryptoPay) do(ctx context.Context, method, endpoint, apiKey string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("unable to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("unable to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &models.ProviderError{Provider: c.Name(), Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &models.ProviderError{Provider: c.Name(), Message: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// the provider's message is passed through to the caller
		return &models.ProviderError{Provider: c.Name(), Message: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &models.ProviderError{Provider: c.Name(), Message: string(data), Err: err}
	}
	return nil
}
