package prime

import (
	"context"
	"errors"
	"testing"
	"time"

	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeApi struct {
	address     string
	txs         []models.PrimeTransaction
	withdrawals []CreateWithdrawalParams
	listSince   time.Time
	err         error
}

func (f *fakeApi) CreateDepositAddress(ctx context.Context, portfolioId, walletId, asset, network string) (*models.DepositAddress, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.DepositAddress{Address: f.address, Network: network, Asset: asset}, nil
}

func (f *fakeApi) CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (*models.PrimeTransfer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.withdrawals = append(f.withdrawals, params)
	return &models.PrimeTransfer{ActivityId: "activity-1", IdempotencyKey: params.IdempotencyKey}, nil
}

func (f *fakeApi) ListWalletTransactions(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]models.PrimeTransaction, error) {
	f.listSince = startTime
	return f.txs, f.err
}

type fixedRate decimal.Decimal

func (r fixedRate) GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	return decimal.Decimal(r), nil
}

func newTestCustodian(api *fakeApi) *Custodian {
	c := NewCustodian(api, fixedRate(decimal.NewFromInt(2000)), "portfolio-1", "")
	c.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func primeAccount() *models.Account {
	return &models.Account{Id: "acc", Currency: "GBP", InstantFiatProvider: ProviderName, InstantFiatAccountId: "wallet-1"}
}

func TestInvoiceId(t *testing.T) {
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	id := encodeInvoiceId("bc1qaddress", decimal.RequireFromString("0.05"), created)

	address, amount, since, err := decodeInvoiceId(id)
	if err != nil {
		t.Fatalf("decodeInvoiceId failed: %v", err)
	}
	if address != "bc1qaddress" || !amount.Equal(decimal.RequireFromString("0.05")) || !since.Equal(created) {
		t.Errorf("unexpected decode: %s %s %s", address, amount, since)
	}

	if _, _, _, err := decodeInvoiceId("garbage"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestCustodian_Invoice(t *testing.T) {
	api := &fakeApi{address: "bc1qinvoice"}
	custodian := newTestCustodian(api)

	invoice, err := custodian.CreateInvoice(context.Background(), primeAccount(), decimal.NewFromInt(100), "Payment to Shop")
	require.NoError(t, err)
	require.Equal(t, "bc1qinvoice", invoice.Address)
	require.Equal(t, "0.05", invoice.CoinAmount.String())

	paid, err := custodian.IsInvoicePaid(context.Background(), primeAccount(), invoice.Id)
	require.NoError(t, err)
	require.False(t, paid)
	require.Equal(t, invoice.CreatedAt, api.listSince)

	api.txs = []models.PrimeTransaction{
		{Id: "1", Type: "DEPOSIT", Status: "TRANSACTION_IMPORTED", Address: "bc1qinvoice", Amount: "0.03"},
		{Id: "2", Type: "DEPOSIT", Status: "TRANSACTION_IMPORT_PENDING", Address: "bc1qinvoice", Amount: "0.02"},
		{Id: "3", Type: "DEPOSIT", Status: "TRANSACTION_IMPORTED", Address: "bc1qother", Amount: "0.02"},
	}
	paid, err = custodian.IsInvoicePaid(context.Background(), primeAccount(), invoice.Id)
	require.NoError(t, err)
	require.False(t, paid)

	api.txs[1].Status = "TRANSACTION_IMPORTED"
	paid, err = custodian.IsInvoicePaid(context.Background(), primeAccount(), invoice.Id)
	require.NoError(t, err)
	require.True(t, paid)
}

func TestCustodian_Transfer(t *testing.T) {
	api := &fakeApi{}
	custodian := newTestCustodian(api)

	transfer, err := custodian.SendTransaction(context.Background(), primeAccount(), instantfiat.TransferRequest{
		FiatAmount:  decimal.NewFromInt(20),
		Currency:    "GBP",
		Destination: "bc1qcustomer",
	})
	require.NoError(t, err)
	require.Equal(t, "activity-1", transfer.Reference)
	require.Len(t, api.withdrawals, 1)
	require.Equal(t, "0.01000000", api.withdrawals[0].Amount)
	require.Equal(t, "wallet-1", api.withdrawals[0].WalletId)
	require.Equal(t, transfer.Id, api.withdrawals[0].IdempotencyKey)

	completed, err := custodian.IsTransferCompleted(context.Background(), primeAccount(), transfer.Id)
	require.NoError(t, err)
	require.False(t, completed)

	api.txs = []models.PrimeTransaction{{Id: "w", Type: "WITHDRAWAL", Status: "TRANSACTION_DONE", IdempotencyKey: transfer.Id}}
	completed, err = custodian.IsTransferCompleted(context.Background(), primeAccount(), transfer.Id)
	require.NoError(t, err)
	require.True(t, completed)

	api.txs[0].Status = "TRANSACTION_REJECTED"
	_, err = custodian.IsTransferCompleted(context.Background(), primeAccount(), transfer.Id)
	var providerErr *models.ProviderError
	require.ErrorAs(t, err, &providerErr)
}

func TestCustodian_ApiError(t *testing.T) {
	custodian := newTestCustodian(&fakeApi{err: errors.New("unauthorized")})

	_, err := custodian.CreateInvoice(context.Background(), primeAccount(), decimal.NewFromInt(100), "")
	var providerErr *models.ProviderError
	require.ErrorAs(t, err, &providerErr)
	require.Equal(t, ProviderName, providerErr.Provider)
}
