package database

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"pos-payments-go/internal/models"
	"pos-payments-go/internal/store"
)

func createTestDeposit(t *testing.T, s *Service, accountId, address string) *models.Deposit {
	deposit := &models.Deposit{
		AccountId:          accountId,
		Currency:           "GBP",
		Amount:             dec("10.00"),
		CoinType:           models.CoinTypeBTC,
		DepositAddress:     address,
		MerchantCoinAmount: dec("0.005"),
		FeeCoinAmount:      dec("0.0001"),
		TimeCreated:        time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.CreateDeposit(context.Background(), deposit); err != nil {
		t.Fatalf("CreateDeposit failed: %v", err)
	}
	return deposit
}

func TestCreateAndGetDeposit(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	account := createTestAccount(t, service, "BTC")
	createTestAddress(t, service, account.Id, "addr1", false)
	deposit := createTestDeposit(t, service, account.Id, "addr1")

	if len(deposit.Uid) != models.UidLength {
		t.Errorf("Expected uid of length %d, got %q", models.UidLength, deposit.Uid)
	}

	got, err := service.GetDeposit(ctx, deposit.Uid)
	if err != nil {
		t.Fatalf("GetDeposit failed: %v", err)
	}
	if !got.Amount.Equal(dec("10")) || !got.CoinAmount().Equal(dec("0.0051")) {
		t.Errorf("Unexpected amounts: amount=%s coin=%s", got.Amount, got.CoinAmount())
	}
	if !got.PaidCoinAmount.IsZero() {
		t.Errorf("Expected zero paid amount, got %s", got.PaidCoinAmount)
	}
	if got.DepositAddress != "addr1" || got.DeviceKey != "" || got.RefundAddress != "" {
		t.Errorf("Unexpected deposit fields: %+v", got)
	}
	if !got.TimeCreated.Equal(deposit.TimeCreated) {
		t.Errorf("Expected created %v, got %v", deposit.TimeCreated, got.TimeCreated)
	}
	if status := got.Status(got.TimeCreated.Add(time.Minute), models.DefaultDepositTimeouts()); status != models.DepositNew {
		t.Errorf("Expected status new, got %s", status)
	}

	_, err = service.GetDeposit(ctx, "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateDeposit_UniqueUids(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	account := createTestAccount(t, service, "BTC")
	createTestAddress(t, service, account.Id, "addr1", false)
	createTestAddress(t, service, account.Id, "addr2", false)

	first := createTestDeposit(t, service, account.Id, "addr1")
	second := createTestDeposit(t, service, account.Id, "addr2")
	if first.Uid == second.Uid {
		t.Errorf("Expected distinct uids, got %s twice", first.Uid)
	}

	// deposit address is unique
	dup := &models.Deposit{AccountId: account.Id, Currency: "GBP", DepositAddress: "addr1"}
	if err := service.CreateDeposit(context.Background(), dup); err == nil {
		t.Errorf("Expected error for duplicate deposit address")
	}
}

func TestAppendIncomingTxId(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	account := createTestAccount(t, service, "BTC")
	createTestAddress(t, service, account.Id, "addr1", false)
	deposit := createTestDeposit(t, service, account.Id, "addr1")

	for _, tt := range []struct {
		txId  string
		added bool
	}{
		{"tx1", true},
		{"tx2", true},
		{"tx1", false},
	} {
		added, err := service.AppendIncomingTxId(ctx, deposit.Uid, tt.txId)
		if err != nil {
			t.Fatalf("AppendIncomingTxId failed: %v", err)
		}
		if added != tt.added {
			t.Errorf("AppendIncomingTxId(%s): expected %v, got %v", tt.txId, tt.added, added)
		}
	}

	got, _ := service.GetDeposit(ctx, deposit.Uid)
	if !reflect.DeepEqual(got.IncomingTxIds, []string{"tx1", "tx2"}) {
		t.Errorf("Expected [tx1 tx2], got %v", got.IncomingTxIds)
	}

	// Malleated id is replaced in place
	if err := service.ReplaceIncomingTxId(ctx, deposit.Uid, "tx1", "tx3"); err != nil {
		t.Fatalf("ReplaceIncomingTxId failed: %v", err)
	}
	got, _ = service.GetDeposit(ctx, deposit.Uid)
	if !reflect.DeepEqual(got.IncomingTxIds, []string{"tx3", "tx2"}) {
		t.Errorf("Expected [tx3 tx2], got %v", got.IncomingTxIds)
	}

	// Replacing with an id already recorded collapses the two
	if err := service.ReplaceIncomingTxId(ctx, deposit.Uid, "tx3", "tx2"); err != nil {
		t.Fatalf("ReplaceIncomingTxId failed: %v", err)
	}
	got, _ = service.GetDeposit(ctx, deposit.Uid)
	if !reflect.DeepEqual(got.IncomingTxIds, []string{"tx2"}) {
		t.Errorf("Expected [tx2], got %v", got.IncomingTxIds)
	}
}

func TestSetDepositPaid_Monotonic(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	account := createTestAccount(t, service, "BTC")
	createTestAddress(t, service, account.Id, "addr1", false)
	deposit := createTestDeposit(t, service, account.Id, "addr1")

	steps := []struct {
		amount string
		want   string
	}{
		{"0.003", "0.003"},
		{"0.002", "0.003"},
		{"0.0051", "0.0051"},
	}
	for _, tt := range steps {
		if err := service.SetDepositPaid(ctx, deposit.Uid, dec(tt.amount)); err != nil {
			t.Fatalf("SetDepositPaid failed: %v", err)
		}
		got, _ := service.GetDeposit(ctx, deposit.Uid)
		if !got.PaidCoinAmount.Equal(dec(tt.want)) {
			t.Errorf("After paying %s expected %s, got %s", tt.amount, tt.want, got.PaidCoinAmount)
		}
	}

	if err := service.SetDepositPaid(ctx, "nope", dec("1")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSetDepositTime_CompareAndSet(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	account := createTestAccount(t, service, "BTC")
	createTestAddress(t, service, account.Id, "addr1", false)
	deposit := createTestDeposit(t, service, account.Id, "addr1")

	first := deposit.TimeCreated.Add(time.Minute)
	ok, err := service.SetDepositTime(ctx, deposit.Uid, models.TimeReceived, first)
	if err != nil || !ok {
		t.Fatalf("Expected first stamp to succeed, got %v, %v", ok, err)
	}
	ok, err = service.SetDepositTime(ctx, deposit.Uid, models.TimeReceived, first.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("Expected second stamp to be a no-op, got %v, %v", ok, err)
	}

	got, _ := service.GetDeposit(ctx, deposit.Uid)
	if got.TimeReceived == nil || !got.TimeReceived.Equal(first) {
		t.Errorf("Expected time_received %v, got %v", first, got.TimeReceived)
	}

	if _, err := service.SetDepositTime(ctx, deposit.Uid, models.TimeSent, first); !errors.Is(err, store.ErrInvalidField) {
		t.Errorf("Expected ErrInvalidField, got %v", err)
	}
}

func TestSetRefundAddress_Once(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	account := createTestAccount(t, service, "BTC")
	createTestAddress(t, service, account.Id, "addr1", false)
	deposit := createTestDeposit(t, service, account.Id, "addr1")

	if ok, _ := service.SetRefundAddress(ctx, deposit.Uid, "refund1"); !ok {
		t.Errorf("Expected refund address to be set")
	}
	if ok, _ := service.SetRefundAddress(ctx, deposit.Uid, "refund2"); ok {
		t.Errorf("Expected refund address to be kept")
	}
	if err := service.SetPaymentType(ctx, deposit.Uid, models.PaymentBIP70); err != nil {
		t.Fatalf("SetPaymentType failed: %v", err)
	}

	got, _ := service.GetDeposit(ctx, deposit.Uid)
	if got.RefundAddress != "refund1" {
		t.Errorf("Expected refund1, got %s", got.RefundAddress)
	}
	if got.PaymentType != models.PaymentBIP70 {
		t.Errorf("Expected BIP70, got %s", got.PaymentType)
	}

	active, err := service.ListActiveDeposits(ctx)
	if err != nil {
		t.Fatalf("ListActiveDeposits failed: %v", err)
	}
	if len(active) != 1 || active[0].Uid != deposit.Uid {
		t.Errorf("Expected one active deposit, got %v", active)
	}

	service.SetDepositTime(ctx, deposit.Uid, models.TimeCancelled, time.Now())
	active, _ = service.ListActiveDeposits(ctx)
	if len(active) != 0 {
		t.Errorf("Expected no active deposits, got %d", len(active))
	}
}
