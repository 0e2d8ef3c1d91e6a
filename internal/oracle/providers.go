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
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"pos-payments-go/internal/models"
)

// ConfidenceOracle estimates the probability that an unconfirmed
// transaction will confirm. Transactions with at least one confirmation
// have confidence 1.
type ConfidenceOracle interface {
	Name() string
	GetTxConfidence(ctx context.Context, txId, network string) (float64, error)
}

const (
	DefaultBlockcypherURL = "https://api.blockcypher.com/v1/btc"
	DefaultSoChainURL     = "https://chain.so/api/v2"
)

// Blockcypher queries the blockcypher transaction confidence endpoint
type Blockcypher struct {
	client  *http.Client
	baseURL string
	token   string
}

func NewBlockcypher(client *http.Client, baseURL, token string) *Blockcypher {
	if baseURL == "" {
		baseURL = DefaultBlockcypherURL
	}
	return &Blockcypher{client: client, baseURL: baseURL, token: token}
}

func (b *Blockcypher) Name() string { return "blockcypher" }

func (b *Blockcypher) GetTxConfidence(ctx context.Context, txId, network string) (float64, error) {
	chain := "main"
	if network == models.NetworkTestnet {
		chain = "test3"
	}

	url := fmt.Sprintf("%s/%s/txs/%s?includeConfidence=true", b.baseURL, chain, txId)
	if b.token != "" {
		url += "&token=" + b.token
	}

	var response struct {
		Confirmations int64    `json:"confirmations"`
		Confidence    *float64 `json:"confidence"`
	}
	if err := getJSON(ctx, b.client, url, &response); err != nil {
		return 0, &models.ProviderError{Provider: b.Name(), Message: err.Error(), Err: err}
	}

	if response.Confirmations >= 1 {
		return 1.0, nil
	}
	if response.Confidence == nil {
		return 0, nil
	}
	return *response.Confidence, nil
}

// SoChain queries the chain.so network confidence endpoint
type SoChain struct {
	client  *http.Client
	baseURL string
}

func NewSoChain(client *http.Client, baseURL string) *SoChain {
	if baseURL == "" {
		baseURL = DefaultSoChainURL
	}
	return &SoChain{client: client, baseURL: baseURL}
}

func (s *SoChain) Name() string { return "sochain" }

func (s *SoChain) GetTxConfidence(ctx context.Context, txId, network string) (float64, error) {
	code := "BTC"
	if network == models.NetworkTestnet {
		code = "BTCTEST"
	}

	var response struct {
		Status string `json:"status"`
		Data   *struct {
			Confirmations int64    `json:"confirmations"`
			Confidence    *float64 `json:"confidence"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/get_confidence/%s/%s", s.baseURL, code, txId)
	if err := getJSON(ctx, s.client, url, &response); err != nil {
		return 0, &models.ProviderError{Provider: s.Name(), Message: err.Error(), Err: err}
	}

	if response.Data == nil {
		return 0, &models.ProviderError{Provider: s.Name(), Message: "response has no data"}
	}
	if response.Data.Confirmations >= 1 {
		return 1.0, nil
	}
	if response.Data.Confidence == nil {
		return 0, &models.ProviderError{Provider: s.Name(), Message: "response has no confidence"}
	}
	return *response.Data.Confidence, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("unable to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("unable to decode response: %w", err)
	}
	return nil
}
