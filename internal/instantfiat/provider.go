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
	"context"
	"fmt"
	"time"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

// Provider delegates custody and conversion of incoming coins to an
// external exchange. Calls are scoped to the merchant account
// credentials.
type Provider interface {
	Name() string
	CreateInvoice(ctx context.Context, account *models.Account, fiatAmount decimal.Decimal, description string) (*Invoice, error)
	IsInvoicePaid(ctx context.Context, account *models.Account, invoiceId string) (bool, error)
	SendTransaction(ctx context.Context, account *models.Account, request TransferRequest) (*Transfer, error)
	IsTransferCompleted(ctx context.Context, account *models.Account, transferId string) (bool, error)
}

// Invoice is the provider payment request for a deposit
type Invoice struct {
	Id         string
	CoinAmount decimal.Decimal
	Address    string
	CreatedAt  time.Time
}

// TransferRequest describes a payout to a customer address
type TransferRequest struct {
	FiatAmount  decimal.Decimal
	CoinAmount  decimal.Decimal
	Currency    string
	Destination string
}

// Transfer is the provider record of a payout
type Transfer struct {
	Id        string
	Reference string
}

// Registry resolves the provider configured on an account
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// ForAccount returns the provider named by the account
func (r *Registry) ForAccount(account *models.Account) (Provider, error) {
	if account.InstantFiatProvider == "" {
		return nil, fmt.Errorf("account %s has no instant-fiat provider", account.Id)
	}
	p, ok := r.providers[account.InstantFiatProvider]
	if !ok {
		return nil, fmt.Errorf("instant-fiat provider %s is not configured", account.InstantFiatProvider)
	}
	return p, nil
}

// Names lists the configured providers
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
