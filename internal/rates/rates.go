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

package rates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source returns the price of one bitcoin in the given fiat currency
type Source interface {
	Name() string
	GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error)
}

const (
	DefaultCoinDeskURL       = "https://api.coindesk.com/v1"
	DefaultBitcoinAverageURL = "https://api.bitcoinaverage.com"
	DefaultCoinMarketCapURL  = "https://api.coinmarketcap.com/v1"
)

type CoinDesk struct {
	client  *http.Client
	baseURL string
}

func NewCoinDesk(client *http.Client, baseURL string) *CoinDesk {
	if baseURL == "" {
		baseURL = DefaultCoinDeskURL
	}
	return &CoinDesk{client: client, baseURL: baseURL}
}

func (c *CoinDesk) Name() string { return "coindesk" }

func (c *CoinDesk) GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	var response struct {
		Bpi map[string]struct {
			RateFloat json.Number `json:"rate_float"`
		} `json:"bpi"`
	}

	url := fmt.Sprintf("%s/bpi/currentprice/%s.json", c.baseURL, currency)
	body, err := get(ctx, c.client, url)
	if err != nil {
		return decimal.Zero, c.fail(err)
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&response); err != nil {
		return decimal.Zero, c.fail(fmt.Errorf("unable to decode response: %w", err))
	}

	entry, ok := response.Bpi[currency]
	if !ok {
		return decimal.Zero, c.fail(fmt.Errorf("no rate for %s", currency))
	}
	return parseRate(entry.RateFloat.String(), c.fail)
}

func (c *CoinDesk) fail(err error) error {
	return &models.ProviderError{Provider: c.Name(), Message: err.Error(), Err: err}
}

// BitcoinAverage returns the last ticker price as a plain text body
type BitcoinAverage struct {
	client  *http.Client
	baseURL string
}

func NewBitcoinAverage(client *http.Client, baseURL string) *BitcoinAverage {
	if baseURL == "" {
		baseURL = DefaultBitcoinAverageURL
	}
	return &BitcoinAverage{client: client, baseURL: baseURL}
}

func (b *BitcoinAverage) Name() string { return "bitcoinaverage" }

func (b *BitcoinAverage) GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	body, err := get(ctx, b.client, fmt.Sprintf("%s/ticker/%s/last", b.baseURL, currency))
	if err != nil {
		return decimal.Zero, b.fail(err)
	}
	return parseRate(strings.TrimSpace(string(body)), b.fail)
}

func (b *BitcoinAverage) fail(err error) error {
	return &models.ProviderError{Provider: b.Name(), Message: err.Error(), Err: err}
}

type CoinMarketCap struct {
	client  *http.Client
	baseURL string
}

func NewCoinMarketCap(client *http.Client, baseURL string) *CoinMarketCap {
	if baseURL == "" {
		baseURL = DefaultCoinMarketCapURL
	}
	return &CoinMarketCap{client: client, baseURL: baseURL}
}

func (c *CoinMarketCap) Name() string { return "coinmarketcap" }

func (c *CoinMarketCap) GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	body, err := get(ctx, c.client, fmt.Sprintf("%s/ticker/bitcoin/?convert=%s", c.baseURL, currency))
	if err != nil {
		return decimal.Zero, c.fail(err)
	}

	var response []map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		return decimal.Zero, c.fail(fmt.Errorf("unable to decode response: %w", err))
	}
	if len(response) == 0 {
		return decimal.Zero, c.fail(errors.New("empty ticker"))
	}

	key := "price_" + strings.ToLower(currency)
	value, ok := response[0][key].(string)
	if !ok {
		return decimal.Zero, c.fail(fmt.Errorf("ticker has no %s", key))
	}
	return parseRate(value, c.fail)
}

func (c *CoinMarketCap) fail(err error) error {
	return &models.ProviderError{Provider: c.Name(), Message: err.Error(), Err: err}
}

func parseRate(value string, fail func(error) error) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fail(fmt.Errorf("invalid rate %q: %w", value, err))
	}
	if !rate.IsPositive() {
		return decimal.Zero, fail(fmt.Errorf("non-positive rate %s", rate))
	}
	return rate, nil
}

func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("unable to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// Wrapper asks each source in turn until one answers
type Wrapper struct {
	sources []Source
}

func NewWrapper(sources ...Source) *Wrapper {
	return &Wrapper{sources: sources}
}

func (w *Wrapper) GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	var errs []error
	for _, s := range w.sources {
		rate, err := s.GetExchangeRate(ctx, currency)
		if err == nil {
			return rate, nil
		}
		zap.L().Warn("Exchange rate source failed",
			zap.String("source", s.Name()),
			zap.String("currency", currency),
			zap.Error(err))
		errs = append(errs, err)
	}
	return decimal.Zero, &models.ProviderError{
		Message: fmt.Sprintf("exchange rate for %s is unavailable", currency),
		Err:     errors.Join(errs...),
	}
}
