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

package blockchain

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// BitcoinURI builds a BIP-21 payment URI. The first request url is passed
// as r, the following ones as r1, r2 and so on.
func BitcoinURI(address string, amount decimal.Decimal, name string, requestURLs ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "bitcoin:%s?amount=%s&label=%s&message=%s",
		address,
		amount.StringFixed(8),
		url.PathEscape(name),
		url.PathEscape(name))
	for i, requestURL := range requestURLs {
		if i == 0 {
			fmt.Fprintf(&b, "&r=%s", requestURL)
			continue
		}
		fmt.Fprintf(&b, "&r%d=%s", i, requestURL)
	}
	return b.String()
}
