package store

import (
	"context"
	"errors"
	"time"

	"pos-payments-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrNotFound     = errors.New("record not found")
	ErrUidExhausted = errors.New("unable to generate a unique uid")
	ErrInvalidField = errors.New("invalid timestamp field")
)

// CreateAccountParams contains the parameters for creating a merchant account.
type CreateAccountParams struct {
	MerchantName         string
	MerchantCurrency     string
	Currency             string
	BalanceMin           decimal.Decimal
	BalanceMax           decimal.Decimal
	InstantFiatProvider  string
	InstantFiatAccountId string
	InstantFiatApiKey    string
}

// CreateDeviceParams contains the parameters for registering a terminal.
type CreateDeviceParams struct {
	Key       string
	AccountId string
	Name      string
	MaxPayout decimal.Decimal
	ApiKey    string
}

// AddressBalance is a wallet address together with its ledger balance.
type AddressBalance struct {
	Address models.Address
	Balance decimal.Decimal
}

// Store is the transactional persistence of orders, addresses and
// balance changes. Timestamp setters are compare-and-set: they return
// false without writing when the column is already set.
type Store interface {
	// --- Accounts & devices ---
	CreateAccount(ctx context.Context, params CreateAccountParams) (*models.Account, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	CreateDevice(ctx context.Context, params CreateDeviceParams) (*models.Device, error)
	GetDevice(ctx context.Context, key string) (*models.Device, error)
	SetDeviceStatus(ctx context.Context, key string, status models.DeviceStatus) error

	// --- Addresses ---
	CreateAddress(ctx context.Context, accountId string, coinType int, address string, isChange bool) (*models.Address, error)
	GetAddress(ctx context.Context, address string) (*models.Address, error)
	ListAddresses(ctx context.Context, coinType int) ([]models.Address, error)

	// --- Deposits ---
	CreateDeposit(ctx context.Context, deposit *models.Deposit) error
	GetDeposit(ctx context.Context, uid string) (*models.Deposit, error)
	ListActiveDeposits(ctx context.Context) ([]models.Deposit, error)
	AppendIncomingTxId(ctx context.Context, uid, txId string) (bool, error)
	ReplaceIncomingTxId(ctx context.Context, uid, oldTxId, newTxId string) error
	SetDepositPaid(ctx context.Context, uid string, amount decimal.Decimal) error
	SetRefundAddress(ctx context.Context, uid, address string) (bool, error)
	SetPaymentType(ctx context.Context, uid string, paymentType models.PaymentType) error
	SetRefundTxId(ctx context.Context, uid, txId string) error
	SetDepositTime(ctx context.Context, uid string, field models.TimeField, t time.Time) (bool, error)

	// --- Withdrawals ---
	CreateWithdrawal(ctx context.Context, withdrawal *models.Withdrawal, changes []models.BalanceChange) error
	GetWithdrawal(ctx context.Context, uid string) (*models.Withdrawal, error)
	ListActiveWithdrawals(ctx context.Context) ([]models.Withdrawal, error)
	SetCustomerAddress(ctx context.Context, uid, address string) error
	SetWithdrawalSent(ctx context.Context, uid, txId string, t time.Time) (bool, error)
	SetInstantFiatTransfer(ctx context.Context, uid, transferId, reference string, t time.Time) (bool, error)
	ReplaceOutgoingTxId(ctx context.Context, uid, txId string) error
	SetWithdrawalTime(ctx context.Context, uid string, field models.TimeField, t time.Time) (bool, error)
	CancelWithdrawal(ctx context.Context, uid string, t time.Time) (bool, error)

	// --- Balance changes ---
	CreateBalanceChanges(ctx context.Context, ref models.OrderRef, changes []models.BalanceChange) error
	DeleteBalanceChanges(ctx context.Context, ref models.OrderRef) error
	ListBalanceChanges(ctx context.Context, ref models.OrderRef) ([]models.BalanceChange, error)
	GetAccountBalance(ctx context.Context, accountId string, opts models.BalanceOptions) (decimal.Decimal, error)
	GetFeeAccountBalance(ctx context.Context, coinType int, opts models.BalanceOptions) (decimal.Decimal, error)
	GetAddressBalance(ctx context.Context, address string, opts models.BalanceOptions) (decimal.Decimal, error)
	ListAddressBalances(ctx context.Context, coinType int, opts models.BalanceOptions) ([]AddressBalance, error)

	// --- Lifecycle ---
	Close()
}

// Journal mirrors balance-change batches into an external ledger.
type Journal interface {
	RecordBalanceChanges(ctx context.Context, ref models.OrderRef, changes []models.BalanceChange) error
	RevertBalanceChanges(ctx context.Context, ref models.OrderRef) error
}

// NopJournal discards every entry.
type NopJournal struct{}

func (NopJournal) RecordBalanceChanges(context.Context, models.OrderRef, []models.BalanceChange) error {
	return nil
}

func (NopJournal) RevertBalanceChanges(context.Context, models.OrderRef) error {
	return nil
}

// SumChanges adds up the amounts of a batch of balance changes.
func SumChanges(changes []models.BalanceChange) decimal.Decimal {
	total := decimal.Zero
	for _, c := range changes {
		total = total.Add(c.Amount)
	}
	return total
}
