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


package api

import (
	"net/http"

	"pos-payments-go/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type accountBalanceResponse struct {
	AccountId        string          `json:"account_id"`
	Currency         string          `json:"currency"`
	Balance          decimal.Decimal `json:"balance"`
	BalanceConfirmed decimal.Decimal `json:"balance_confirmed"`
	BalanceOnchain   decimal.Decimal `json:"balance_onchain"`
}

// accountBalance returns the ledger balances of a merchant account. The
// on-chain balance leaves out reservations of unsent withdrawals.
func (s *Server) accountBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := s.store.GetAccount(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}

	resp := accountBalanceResponse{AccountId: account.Id, Currency: account.Currency}
	for _, b := range []struct {
		dst  *decimal.Decimal
		opts models.BalanceOptions
	}{
		{&resp.Balance, models.BalanceOptions{}},
		{&resp.BalanceConfirmed, models.BalanceOptions{ConfirmedOnly: true}},
		{&resp.BalanceOnchain, models.BalanceOptions{ExcludeOffchain: true}},
	} {
		balance, err := s.store.GetAccountBalance(ctx, account.Id, b.opts)
		if err != nil {
			writeError(w, err, nonFieldErrors)
			return
		}
		*b.dst = balance
	}
	writeJSON(w, resp)
}
