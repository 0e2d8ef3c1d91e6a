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
	"errors"
	"net/http"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"

	"go.uber.org/zap"
)

// nonFieldErrors collects errors not tied to a request field
const nonFieldErrors = "non_field_errors"

// badRequestErrors are reported to the device with their message
var badRequestErrors = []error{
	models.ErrAmountTooSmall,
	models.ErrNetwork,
	models.ErrInsufficientFunds,
	models.ErrInsufficientWalletFunds,
	models.ErrInsufficientAccountBalance,
	models.ErrAccountBalance,
	models.ErrInvalidCustomerAddress,
	models.ErrInvalidPaymentMessage,
	models.ErrSignatureMismatch,
	models.ErrPayoutLimitExceeded,
	models.ErrNoAccount,
	models.ErrInvalidTransaction,
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONWithStatus(w, v, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("JSON encode error", zap.Error(err))
	}
}

func writeBinary(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Transfer-Encoding", "binary")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		zap.L().Warn("Unable to write response", zap.Error(err))
	}
}

func writeStatus(w http.ResponseWriter, code int) {
	http.Error(w, http.StatusText(code), code)
}

func isBadRequest(err error) bool {
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var providerErr *models.ProviderError
	var refundErr *models.RefundError
	return errors.As(err, &providerErr) || errors.As(err, &refundErr)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, models.ErrInvalidState)
}

// writeError maps a state machine error to a response. Bad requests are
// reported as {field: [message]}.
func writeError(w http.ResponseWriter, err error, field string) {
	switch {
	case isNotFound(err):
		writeStatus(w, http.StatusNotFound)
	case isBadRequest(err):
		writeFieldError(w, field, err.Error())
	default:
		zap.L().Error("Request failed", zap.Error(err))
		writeStatus(w, http.StatusInternalServerError)
	}
}

func writeFieldError(w http.ResponseWriter, field, message string) {
	writeJSONWithStatus(w, map[string][]string{field: {message}}, http.StatusBadRequest)
}
