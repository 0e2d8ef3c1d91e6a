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
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"pos-payments-go/internal/models"

	"github.com/stretchr/testify/require"
)

type staticOracle struct {
	name       string
	confidence float64
	err        error
	calls      int
}

func (s *staticOracle) Name() string { return s.name }

func (s *staticOracle) GetTxConfidence(ctx context.Context, txId, network string) (float64, error) {
	s.calls++
	return s.confidence, s.err
}

func TestBlockcypher(t *testing.T) {
	tests := []struct {
		name     string
		network  string
		body     string
		wantPath string
		want     float64
	}{
		{
			name:     "confirmed",
			network:  models.NetworkMainnet,
			body:     `{"confirmations": 2, "confidence": 0}`,
			wantPath: "/main/txs/abc",
			want:     1.0,
		},
		{
			name:     "unconfirmed",
			network:  models.NetworkTestnet,
			body:     `{"confirmations": 0, "confidence": 0.97}`,
			wantPath: "/test3/txs/abc",
			want:     0.97,
		},
		{
			name:     "no confidence",
			network:  models.NetworkMainnet,
			body:     `{"confirmations": 0}`,
			wantPath: "/main/txs/abc",
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, tt.wantPath, r.URL.Path)
				require.Equal(t, "true", r.URL.Query().Get("includeConfidence"))
				require.Equal(t, "secret", r.URL.Query().Get("token"))
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			oracle := NewBlockcypher(server.Client(), server.URL, "secret")
			confidence, err := oracle.GetTxConfidence(context.Background(), "abc", tt.network)
			require.NoError(t, err)
			require.Equal(t, tt.want, confidence)
		})
	}
}

func TestBlockcypher_HttpError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	oracle := NewBlockcypher(server.Client(), server.URL, "")
	_, err := oracle.GetTxConfidence(context.Background(), "abc", models.NetworkMainnet)

	var providerErr *models.ProviderError
	require.ErrorAs(t, err, &providerErr)
	require.Equal(t, "blockcypher", providerErr.Provider)
}

func TestSoChain(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/get_confidence/BTCTEST/abc":
			fmt.Fprint(w, `{"status": "success", "data": {"confirmations": 0, "confidence": 0.5}}`)
		case "/get_confidence/BTC/abc":
			fmt.Fprint(w, `{"status": "success", "data": {"confirmations": 3, "confidence": 0.1}}`)
		default:
			fmt.Fprint(w, `{"status": "fail"}`)
		}
	}))
	defer server.Close()

	oracle := NewSoChain(server.Client(), server.URL)

	confidence, err := oracle.GetTxConfidence(context.Background(), "abc", models.NetworkTestnet)
	require.NoError(t, err)
	require.Equal(t, 0.5, confidence)

	confidence, err = oracle.GetTxConfidence(context.Background(), "abc", models.NetworkMainnet)
	require.NoError(t, err)
	require.Equal(t, 1.0, confidence)

	_, err = oracle.GetTxConfidence(context.Background(), "missing", models.NetworkMainnet)
	require.Error(t, err)
}

func TestWrapper_FailOver(t *testing.T) {
	first := &staticOracle{name: "first", err: errors.New("down")}
	second := &staticOracle{name: "second", confidence: 0.96}
	wrapper := NewWrapper(first, second)

	reliable, err := wrapper.IsTxReliable(context.Background(), "abc", 0.95, models.NetworkMainnet)
	require.NoError(t, err)
	require.True(t, reliable)

	// no sticky failure state
	_, err = wrapper.IsTxReliable(context.Background(), "abc", 0.95, models.NetworkMainnet)
	require.NoError(t, err)
	require.Equal(t, 2, first.calls)
	require.Equal(t, 2, second.calls)
}

func TestWrapper_Threshold(t *testing.T) {
	wrapper := NewWrapper(&staticOracle{name: "only", confidence: 0.9})

	reliable, err := wrapper.IsTxReliable(context.Background(), "abc", 0.95, models.NetworkMainnet)
	require.NoError(t, err)
	require.False(t, reliable)

	reliable, err = wrapper.IsTxReliable(context.Background(), "abc", 0.8, models.NetworkMainnet)
	require.NoError(t, err)
	require.True(t, reliable)

	// zero threshold falls back to the default
	reliable, err = wrapper.IsTxReliable(context.Background(), "abc", 0, models.NetworkMainnet)
	require.NoError(t, err)
	require.False(t, reliable)
}

func TestWrapper_AllFail(t *testing.T) {
	wrapper := NewWrapper(
		&staticOracle{name: "a", err: errors.New("a down")},
		&staticOracle{name: "b", err: errors.New("b down")},
	)

	reliable, err := wrapper.IsTxReliable(context.Background(), "abc", 0.95, models.NetworkMainnet)
	require.False(t, reliable)

	var providerErr *models.ProviderError
	require.ErrorAs(t, err, &providerErr)
	require.Contains(t, err.Error(), "all confidence oracles failed")
}
