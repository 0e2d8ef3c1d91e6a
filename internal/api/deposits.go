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
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"pos-payments-go/internal/bip70"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/deposits"
	"pos-payments-go/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	minFiatAmount = decimal.RequireFromString("0.01")
	btMacPattern  = regexp.MustCompile(`^[0-9a-fA-F:]{17}$`)
)

type prepareDepositRequest struct {
	Device  string          `json:"device"`
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
	BtMac   string          `json:"bt_mac"`
}

type prepareDepositResponse struct {
	Uid            string          `json:"uid"`
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	BtcAmount      decimal.Decimal `json:"btc_amount"`
	ExchangeRate   decimal.Decimal `json:"exchange_rate"`
	PaymentURI     string          `json:"payment_uri"`
	PaymentRequest string          `json:"payment_request,omitempty"`
}

type depositResponse struct {
	Uid    string `json:"uid"`
	Status string `json:"status"`
}

// target validates the payer of a deposit: an active device or an account.
// On failure it returns the offending field and a message.
func (s *Server) target(r *http.Request, req prepareDepositRequest) (deposits.Target, string, string) {
	if req.Device != "" {
		device, err := s.store.GetDevice(r.Context(), req.Device)
		if err != nil || device.Status != models.DeviceActive {
			return deposits.Target{}, "device", "Invalid device key."
		}
		return deposits.Target{DeviceKey: device.Key}, "device", ""
	}
	if req.Account != "" {
		if _, err := s.store.GetAccount(r.Context(), req.Account); err != nil {
			return deposits.Target{}, "account", "Invalid account ID."
		}
		return deposits.Target{AccountId: req.Account}, "account", ""
	}
	return deposits.Target{}, nonFieldErrors, "Either device or account must be specified."
}

func (s *Server) prepareDeposit(w http.ResponseWriter, r *http.Request) {
	var req prepareDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFieldError(w, nonFieldErrors, "Invalid request body.")
		return
	}
	if req.Amount.LessThan(minFiatAmount) {
		writeFieldError(w, "amount", "Ensure this value is greater than or equal to 0.01.")
		return
	}
	if req.BtMac != "" && !btMacPattern.MatchString(req.BtMac) {
		writeFieldError(w, "bt_mac", "Invalid bluetooth address.")
		return
	}
	target, field, msg := s.target(r, req)
	if msg != "" {
		writeFieldError(w, field, msg)
		return
	}

	deposit, err := s.deposits.PrepareDeposit(r.Context(), target, req.Amount)
	if err != nil {
		writeError(w, err, field)
		return
	}
	account, err := s.store.GetAccount(r.Context(), deposit.AccountId)
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}

	resp := prepareDepositResponse{
		Uid:          deposit.Uid,
		FiatAmount:   deposit.Amount.Round(2),
		BtcAmount:    deposit.CoinAmount(),
		ExchangeRate: deposit.ExchangeRate().Round(6),
	}
	requestURL := s.absoluteURL("/deposits/%s/request", deposit.Uid)
	if req.BtMac != "" {
		bluetoothURL := "bt:" + strings.ReplaceAll(req.BtMac, ":", "")
		request, err := s.deposits.PaymentRequest(r.Context(), deposit.Uid, bluetoothURL, account.MerchantName, s.signer)
		if err != nil {
			writeError(w, err, nonFieldErrors)
			return
		}
		resp.PaymentURI = blockchain.BitcoinURI(deposit.DepositAddress, deposit.CoinAmount(), account.MerchantName,
			bluetoothURL, requestURL)
		resp.PaymentRequest = base64.StdEncoding.EncodeToString(request)
	} else {
		resp.PaymentURI = blockchain.BitcoinURI(deposit.DepositAddress, deposit.CoinAmount(), account.MerchantName,
			requestURL)
	}
	writeJSON(w, resp)
}

// getDeposit reports the deposit status. Polling a broadcast deposit
// closes it.
func (s *Server) getDeposit(w http.ResponseWriter, r *http.Request) {
	deposit, err := s.deposits.NotifyDeposit(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}
	writeJSON(w, depositResponse{Uid: deposit.Uid, Status: string(s.deposits.Status(deposit))})
}

func (s *Server) cancelDeposit(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deposits.CancelDeposit(r.Context(), chi.URLParam(r, "uid")); err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) paymentRequest(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	deposit, err := s.deposits.GetDeposit(r.Context(), uid)
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}
	account, err := s.store.GetAccount(r.Context(), deposit.AccountId)
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}

	request, err := s.deposits.PaymentRequest(r.Context(), uid, s.absoluteURL("/deposits/%s/response", uid),
		account.MerchantName, s.signer)
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}
	writeBinary(w, bip70.ContentTypeRequest, request)
}

func (s *Server) paymentResponse(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if r.Header.Get("Content-Type") != bip70.ContentTypePayment {
		zap.L().Warn("Payment response with wrong content type",
			zap.String("deposit_uid", uid),
			zap.String("content_type", r.Header.Get("Content-Type")))
		writeStatus(w, http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, bip70.MaxPaymentSize+1))
	if err != nil || len(body) > bip70.MaxPaymentSize {
		zap.L().Warn("Payment response too large or unreadable", zap.String("deposit_uid", uid))
		writeStatus(w, http.StatusBadRequest)
		return
	}

	ack, err := s.deposits.HandleBIP70Payment(r.Context(), uid, body)
	if err != nil {
		if isNotFound(err) {
			writeStatus(w, http.StatusNotFound)
			return
		}
		zap.L().Warn("Payment response rejected", zap.String("deposit_uid", uid), zap.Error(err))
		writeStatus(w, http.StatusBadRequest)
		return
	}
	writeBinary(w, bip70.ContentTypeACK, ack)
}
