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

package amounts

import (
	"github.com/shopspring/decimal"
)

// Coin and fiat precision
const (
	CoinPlaces = 8
	FiatPlaces = 2
)

var (
	// MinOutput is the dust floor; smaller outputs are rejected by the network.
	MinOutput = decimal.RequireFromString("0.00005460")
	// MinFeePerKb is the lowest fee rate ever used for a transaction.
	MinFeePerKb = decimal.RequireFromString("0.00005000")

	kilobyte = decimal.NewFromInt(1024)
)

// CoinAmount converts a fiat amount to coin at the given rate, quantised
// to satoshi precision with half-even rounding.
func CoinAmount(fiatAmount, rate decimal.Decimal) decimal.Decimal {
	return fiatAmount.DivRound(rate, CoinPlaces+8).RoundBank(CoinPlaces)
}

// FeeAmount computes the merchant fee in coin. Fees below the dust floor
// collapse to zero.
func FeeAmount(fiatAmount, feeShare, rate decimal.Decimal) decimal.Decimal {
	fee := CoinAmount(fiatAmount.Mul(feeShare), rate)
	if fee.LessThan(MinOutput) {
		return decimal.Zero
	}
	return fee
}

// IsDust reports whether an output amount is below the dust floor
func IsDust(amount decimal.Decimal) bool {
	return amount.LessThan(MinOutput)
}

// TxSize estimates the size in bytes of a transaction
func TxSize(inputs, outputs int) int64 {
	return int64(148*inputs + 34*outputs + 10 + inputs)
}

// TxFee estimates the network fee for a transaction. The rate is clamped
// to MinFeePerKb.
func TxFee(inputs, outputs int, feePerKb decimal.Decimal) decimal.Decimal {
	if feePerKb.LessThan(MinFeePerKb) {
		feePerKb = MinFeePerKb
	}
	size := decimal.NewFromInt(TxSize(inputs, outputs))
	return feePerKb.Mul(size).DivRound(kilobyte, CoinPlaces+8).RoundUp(CoinPlaces)
}

// Change is the split of reserved funds into the primary output and change.
type Change struct {
	Primary decimal.Decimal
	Change  decimal.Decimal
}

// SplitChange computes the change left after paying primary+fee from reserved.
// Change below the dust floor is folded into the primary output.
func SplitChange(reserved, primary, fee decimal.Decimal) Change {
	change := reserved.Sub(primary).Sub(fee)
	if change.LessThan(MinOutput) {
		return Change{Primary: primary.Add(change), Change: decimal.Zero}
	}
	return Change{Primary: primary, Change: change}
}

// ToSatoshi converts a coin amount to integer satoshis
func ToSatoshi(amount decimal.Decimal) int64 {
	return amount.Shift(CoinPlaces).Round(0).IntPart()
}

// FromSatoshi converts integer satoshis to a coin amount
func FromSatoshi(sat int64) decimal.Decimal {
	return decimal.New(sat, -CoinPlaces)
}

// FromFloat converts a node-reported float amount to satoshi precision
func FromFloat(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).Round(CoinPlaces)
}

// Fiat quantises a fiat amount to two decimal places
func Fiat(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(FiatPlaces)
}
