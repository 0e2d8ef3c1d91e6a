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

package models

import "fmt"

// Network names used for node selection and BIP-70 payment details
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// CoinTypeForCurrency maps a native coin currency to its coin type.
// Fiat currencies return an error: those accounts use instant-fiat.
func CoinTypeForCurrency(currency string) (int, error) {
	switch currency {
	case "BTC":
		return CoinTypeBTC, nil
	case "TBTC":
		return CoinTypeTBTC, nil
	}
	return 0, fmt.Errorf("currency %s is not a native coin", currency)
}

// CurrencyForCoinType is the inverse of CoinTypeForCurrency
func CurrencyForCoinType(coinType int) (string, error) {
	switch coinType {
	case CoinTypeBTC:
		return "BTC", nil
	case CoinTypeTBTC:
		return "TBTC", nil
	}
	return "", fmt.Errorf("unsupported coin type %d", coinType)
}

// NetworkForCoinType returns the bitcoin network serving a coin type
func NetworkForCoinType(coinType int) (string, error) {
	switch coinType {
	case CoinTypeBTC:
		return NetworkMainnet, nil
	case CoinTypeTBTC:
		return NetworkTestnet, nil
	}
	return "", fmt.Errorf("unsupported coin type %d", coinType)
}
