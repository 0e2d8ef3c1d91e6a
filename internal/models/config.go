package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Nodes      map[string]NodeConfig
	Payments   PaymentsConfig
	Scheduler  SchedulerConfig
	Reconciler ReconcilerConfig
	Server     ServerConfig
	Formance   FormanceConfig
	Prime      PrimeConfig
	Log        LogConfig

	ProvidersFile string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // sqlite3 or pgx
	Path            string // sqlite file or postgres DSN
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// NodeConfig holds bitcoind RPC settings for one network
type NodeConfig struct {
	Network    string
	Host       string
	User       string
	Pass       string
	DisableTLS bool
}

// PaymentsConfig holds state machine parameters
type PaymentsConfig struct {
	FeeShare               decimal.Decimal
	DefaultTxFeePerKb      decimal.Decimal
	ExpectedConfirmBlocks  int64
	RequiredConfirmations  int64
	ConfidenceThreshold    float64
	DepositTimeouts        DepositTimeouts
	WithdrawalTimeouts     WithdrawalTimeouts
	ExchangeTimeout        time.Duration
	PaymentPollInterval    time.Duration
	ConfidencePollInterval time.Duration
	ConfirmPollInterval    time.Duration
	StatusCheckInterval    time.Duration
	AddressRetries         int
	InstantFiatNetwork     string
}

// SchedulerConfig holds worker pool settings
type SchedulerConfig struct {
	HighWorkers int
	LowWorkers  int
	Resolution  time.Duration
}

// ReconcilerConfig holds wallet check settings
type ReconcilerConfig struct {
	Interval   time.Duration
	Currencies []string
}

// ServerConfig holds Device API settings
type ServerConfig struct {
	ListenAddr      string
	BaseURL         string
	PkiKeyFile      string
	PkiCertFiles    []string
	ShutdownTimeout time.Duration
}

// FormanceConfig holds Formance Stack connection settings
type FormanceConfig struct {
	StackURL     string
	ClientID     string
	ClientSecret string
	LedgerName   string
}

// Enabled reports whether the ledger mirror is configured
func (c FormanceConfig) Enabled() bool {
	return c.StackURL != ""
}

// PrimeConfig holds Coinbase Prime credentials for the custodian provider
type PrimeConfig struct {
	AccessKey   string
	Passphrase  string
	SigningKey  string
	PortfolioId string
}

// Enabled reports whether Prime credentials are present
func (c PrimeConfig) Enabled() bool {
	return c.AccessKey != "" && c.Passphrase != "" && c.SigningKey != ""
}

// LogConfig holds logger settings
type LogConfig struct {
	File     string
	MaxRolls int
	Level    string
}
