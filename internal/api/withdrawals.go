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
	"encoding/json"
	"io"
	"net/http"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/withdrawals"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodySize = 1 << 16

type prepareWithdrawalRequest struct {
	Device string          `json:"device"`
	Amount decimal.Decimal `json:"amount"`
}

type confirmWithdrawalRequest struct {
	Address string `json:"address"`
}

type withdrawalResponse struct {
	Uid          string          `json:"uid"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	BtcAmount    decimal.Decimal `json:"btc_amount"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	Status       string          `json:"status"`
}

func (s *Server) withdrawalResponse(w *models.Withdrawal) withdrawalResponse {
	return withdrawalResponse{
		Uid:          w.Uid,
		FiatAmount:   w.Amount.Round(2),
		BtcAmount:    w.CoinAmount(),
		ExchangeRate: w.ExchangeRate(),
		Status:       string(s.withdrawals.Status(w)),
	}
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

// authorized verifies the X-Signature of body against the device key
func (s *Server) authorized(r *http.Request, deviceKey string, body []byte) bool {
	if deviceKey == "" {
		return false
	}
	device, err := s.store.GetDevice(r.Context(), deviceKey)
	if err != nil {
		return false
	}
	if err := VerifySignature(device.ApiKey, body, r.Header.Get(SignatureHeader)); err != nil {
		zap.L().Warn("Device signature rejected",
			zap.String("device_key", deviceKey),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		return false
	}
	return true
}

func (s *Server) prepareWithdrawal(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	var req prepareWithdrawalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeFieldError(w, nonFieldErrors, "Invalid request body.")
		return
	}
	device, err := s.store.GetDevice(r.Context(), req.Device)
	if err != nil || device.Status != models.DeviceActive {
		writeFieldError(w, "device", "Invalid device key.")
		return
	}
	if req.Amount.LessThan(minFiatAmount) {
		writeFieldError(w, "amount", "Ensure this value is greater than or equal to 0.01.")
		return
	}
	if !s.authorized(r, device.Key, body) {
		writeStatus(w, http.StatusUnauthorized)
		return
	}

	withdrawal, err := s.withdrawals.PrepareWithdrawal(r.Context(), withdrawals.Target{DeviceKey: device.Key}, req.Amount)
	if err != nil {
		writeError(w, err, "device")
		return
	}
	writeJSON(w, s.withdrawalResponse(withdrawal))
}

// getWithdrawal reports the withdrawal. Polling a broadcast withdrawal
// closes it.
func (s *Server) getWithdrawal(w http.ResponseWriter, r *http.Request) {
	withdrawal, err := s.withdrawals.NotifyWithdrawal(r.Context(), chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}
	writeJSON(w, s.withdrawalResponse(withdrawal))
}

func (s *Server) confirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	withdrawal, err := s.withdrawals.GetWithdrawal(r.Context(), uid)
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	if !s.authorized(r, withdrawal.DeviceKey, body) {
		writeStatus(w, http.StatusUnauthorized)
		return
	}
	if s.withdrawals.Status(withdrawal) != models.WithdrawalNew {
		writeStatus(w, http.StatusNotFound)
		return
	}

	var req confirmWithdrawalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeFieldError(w, nonFieldErrors, "Invalid request body.")
		return
	}
	withdrawal, err = s.withdrawals.ConfirmWithdrawal(r.Context(), uid, req.Address)
	if err != nil {
		writeError(w, err, "address")
		return
	}
	writeJSON(w, s.withdrawalResponse(withdrawal))
}

func (s *Server) cancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	withdrawal, err := s.withdrawals.GetWithdrawal(r.Context(), uid)
	if err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeStatus(w, http.StatusBadRequest)
		return
	}
	if !s.authorized(r, withdrawal.DeviceKey, body) {
		writeStatus(w, http.StatusUnauthorized)
		return
	}

	if _, err := s.withdrawals.CancelWithdrawal(r.Context(), uid); err != nil {
		writeError(w, err, nonFieldErrors)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
