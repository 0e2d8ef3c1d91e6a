package prime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ProviderName = "prime"

	statusDone     = "TRANSACTION_DONE"
	statusImported = "TRANSACTION_IMPORTED"
)

// Statuses after which a withdrawal will never complete
var terminalFailures = map[string]bool{
	"TRANSACTION_CANCELLED": true,
	"TRANSACTION_REJECTED":  true,
	"TRANSACTION_FAILED":    true,
	"TRANSACTION_EXPIRED":   true,
}

type primeApi interface {
	CreateDepositAddress(ctx context.Context, portfolioId, walletId, asset, network string) (*models.DepositAddress, error)
	CreateWithdrawal(ctx context.Context, params CreateWithdrawalParams) (*models.PrimeTransfer, error)
	ListWalletTransactions(ctx context.Context, portfolioId, walletId string, startTime time.Time) ([]models.PrimeTransaction, error)
}

type rateSource interface {
	GetExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Custodian is an instant-fiat provider holding coins in a Prime wallet.
// Account.InstantFiatAccountId names the wallet.
type Custodian struct {
	api         primeApi
	rates       rateSource
	portfolioId string
	network     string
	now         func() time.Time
}

var _ instantfiat.Provider = (*Custodian)(nil)

func NewCustodian(api primeApi, rates rateSource, portfolioId, network string) *Custodian {
	if network == "" {
		network = "bitcoin"
	}
	return &Custodian{
		api:         api,
		rates:       rates,
		portfolioId: portfolioId,
		network:     network,
		now:         time.Now,
	}
}

func (c *Custodian) Name() string { return ProviderName }

// CreateInvoice allocates a fresh wallet address and quotes the coin
// amount. The invoice id carries the address, amount and creation time
// so that no provider state is needed to check it.
func (c *Custodian) CreateInvoice(ctx context.Context, account *models.Account, fiatAmount decimal.Decimal, description string) (*instantfiat.Invoice, error) {
	rate, err := c.rates.GetExchangeRate(ctx, account.Currency)
	if err != nil {
		return nil, err
	}
	coinAmount := fiatAmount.DivRound(rate, 8)

	address, err := c.api.CreateDepositAddress(ctx, c.portfolioId, account.InstantFiatAccountId, "BTC", c.network)
	if err != nil {
		return nil, &models.ProviderError{Provider: c.Name(), Message: err.Error(), Err: err}
	}

	createdAt := c.now().UTC()
	invoice := &instantfiat.Invoice{
		Id:         encodeInvoiceId(address.Address, coinAmount, createdAt),
		CoinAmount: coinAmount,
		Address:    address.Address,
		CreatedAt:  createdAt,
	}

	zap.L().Info("Prime invoice created",
		zap.String("account_id", account.Id),
		zap.String("address", address.Address),
		zap.String("coin_amount", coinAmount.String()),
		zap.String("description", description))

	return invoice, nil
}

// IsInvoicePaid looks for imported deposits to the invoice address that
// together cover the quoted amount
func (c *Custodian) IsInvoicePaid(ctx context.Context, account *models.Account, invoiceId string) (bool, error) {
	address, amount, since, err := decodeInvoiceId(invoiceId)
	if err != nil {
		return false, err
	}

	txs, err := c.api.ListWalletTransactions(ctx, c.portfolioId, account.InstantFiatAccountId, since)
	if err != nil {
		return false, &models.ProviderError{Provider: c.Name(), Message: err.Error(), Err: err}
	}

	received := decimal.Zero
	for _, tx := range txs {
		if tx.Type != "DEPOSIT" || tx.Address != address {
			continue
		}
		if tx.Status != statusImported && tx.Status != statusDone {
			continue
		}
		value, err := decimal.NewFromString(tx.Amount)
		if err != nil {
			zap.L().Warn("Invalid Prime transaction amount",
				zap.String("transaction_id", tx.Id),
				zap.String("amount", tx.Amount))
			continue
		}
		received = received.Add(value.Abs())
	}

	return received.GreaterThanOrEqual(amount), nil
}

// SendTransaction withdraws the coin amount. The transfer id is the
// idempotency key, retries with the same key never pay twice.
func (c *Custodian) SendTransaction(ctx context.Context, account *models.Account, request instantfiat.TransferRequest) (*instantfiat.Transfer, error) {
	coinAmount := request.CoinAmount
	if !coinAmount.IsPositive() {
		rate, err := c.rates.GetExchangeRate(ctx, request.Currency)
		if err != nil {
			return nil, err
		}
		coinAmount = request.FiatAmount.DivRound(rate, 8)
	}

	transfer, err := c.api.CreateWithdrawal(ctx, CreateWithdrawalParams{
		PortfolioId:        c.portfolioId,
		WalletId:           account.InstantFiatAccountId,
		DestinationAddress: request.Destination,
		Amount:             coinAmount.StringFixed(8),
		Symbol:             "BTC",
		IdempotencyKey:     uuid.New().String(),
	})
	if err != nil {
		return nil, &models.ProviderError{Provider: c.Name(), Message: err.Error(), Err: err}
	}

	return &instantfiat.Transfer{Id: transfer.IdempotencyKey, Reference: transfer.ActivityId}, nil
}

func (c *Custodian) IsTransferCompleted(ctx context.Context, account *models.Account, transferId string) (bool, error) {
	txs, err := c.api.ListWalletTransactions(ctx, c.portfolioId, account.InstantFiatAccountId, c.now().Add(-7*24*time.Hour))
	if err != nil {
		return false, &models.ProviderError{Provider: c.Name(), Message: err.Error(), Err: err}
	}

	for _, tx := range txs {
		if tx.Type != "WITHDRAWAL" || tx.IdempotencyKey != transferId {
			continue
		}
		if terminalFailures[tx.Status] {
			return false, &models.ProviderError{
				Provider: c.Name(),
				Message:  fmt.Sprintf("transfer %s ended with status %s", transferId, tx.Status),
			}
		}
		return tx.Status == statusDone, nil
	}
	return false, nil
}

func encodeInvoiceId(address string, amount decimal.Decimal, createdAt time.Time) string {
	return strings.Join([]string{address, amount.StringFixed(8), strconv.FormatInt(createdAt.Unix(), 10)}, ":")
}

func decodeInvoiceId(invoiceId string) (string, decimal.Decimal, time.Time, error) {
	parts := strings.Split(invoiceId, ":")
	if len(parts) != 3 {
		return "", decimal.Zero, time.Time{}, errors.New("malformed prime invoice id")
	}
	amount, err := decimal.NewFromString(parts[1])
	if err != nil {
		return "", decimal.Zero, time.Time{}, fmt.Errorf("malformed prime invoice amount: %w", err)
	}
	seconds, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", decimal.Zero, time.Time{}, fmt.Errorf("malformed prime invoice time: %w", err)
	}
	return parts[0], amount, time.Unix(seconds, 0).UTC(), nil
}
