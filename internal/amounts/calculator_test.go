package amounts

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCoinAmount(t *testing.T) {
	tests := []struct {
		fiat, rate, want string
	}{
		{"10.00", "2000.00", "0.005"},
		{"1.00", "3.00", "0.33333333"},
		{"2.00", "3.00", "0.66666667"},
		{"0.05", "40000", "0.00000125"},
	}
	for _, tt := range tests {
		got := CoinAmount(d(tt.fiat), d(tt.rate))
		if !got.Equal(d(tt.want)) {
			t.Errorf("CoinAmount(%s, %s): expected %s, got %s", tt.fiat, tt.rate, tt.want, got)
		}
	}
}

func TestFeeAmount(t *testing.T) {
	// 10.00 * 0.02 / 2000 = 0.0001
	if got := FeeAmount(d("10.00"), d("0.02"), d("2000")); !got.Equal(d("0.0001")) {
		t.Errorf("Expected fee 0.0001, got %s", got)
	}
	// 10.00 * 0.005 / 2000 = 0.000025, below dust
	if got := FeeAmount(d("10.00"), d("0.005"), d("2000")); !got.IsZero() {
		t.Errorf("Expected sub-dust fee to collapse to zero, got %s", got)
	}
}

func TestTxFee(t *testing.T) {
	if TxSize(1, 2) != 148+68+10+1 {
		t.Fatalf("Unexpected tx size %d", TxSize(1, 2))
	}
	// 227 bytes at 0.0001/kB = 0.00002216796875, rounded up
	if got := TxFee(1, 2, d("0.0001")); !got.Equal(d("0.00002217")) {
		t.Errorf("Expected fee 0.00002217, got %s", got)
	}
	// Below minimum rate is clamped
	if got, want := TxFee(1, 2, d("0.00001")), TxFee(1, 2, MinFeePerKb); !got.Equal(want) {
		t.Errorf("Expected clamped fee %s, got %s", want, got)
	}
	// More inputs, higher fee
	if !TxFee(3, 2, d("0.0002")).GreaterThan(TxFee(2, 2, d("0.0002"))) {
		t.Errorf("Fee should grow with inputs")
	}
}

func TestSplitChange(t *testing.T) {
	// Change above dust gets its own output
	c := SplitChange(d("0.012"), d("0.010"), d("0.0001"))
	if !c.Primary.Equal(d("0.010")) || !c.Change.Equal(d("0.0019")) {
		t.Errorf("Unexpected split %+v", c)
	}
	// Sub-dust change is folded into the primary output
	c = SplitChange(d("0.01013"), d("0.010"), d("0.0001"))
	if !c.Primary.Equal(d("0.01003")) || !c.Change.IsZero() {
		t.Errorf("Expected folded change, got %+v", c)
	}
}

func TestSatoshiConversion(t *testing.T) {
	if ToSatoshi(d("0.00005460")) != 5460 {
		t.Errorf("Expected 5460 satoshis")
	}
	if !FromSatoshi(123456789).Equal(d("1.23456789")) {
		t.Errorf("Unexpected coin amount %s", FromSatoshi(123456789))
	}
	if !FromFloat(0.1 + 0.2).Equal(d("0.3")) {
		t.Errorf("Expected float noise to be rounded away, got %s", FromFloat(0.1+0.2))
	}
	if !IsDust(d("0.00005459")) || IsDust(MinOutput) {
		t.Errorf("Dust boundary is wrong")
	}
}
