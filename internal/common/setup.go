package common

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pos-payments-go/internal/api"
	"pos-payments-go/internal/bip70"
	"pos-payments-go/internal/blockchain"
	"pos-payments-go/internal/database"
	"pos-payments-go/internal/deposits"
	"pos-payments-go/internal/formance"
	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/models"
	"pos-payments-go/internal/prime"
	"pos-payments-go/internal/rates"
	"pos-payments-go/internal/reconciler"
	"pos-payments-go/internal/scheduler"
	"pos-payments-go/internal/withdrawals"

	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/joho/godotenv"
	"github.com/jrick/logrotate/rotator"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/http2"
)

// init loads environment variables from .env file if it exists
func init() {
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// logRollThresholdKB rotates the log file at 32 MiB
const logRollThresholdKB = 32 * 1024

type Services struct {
	DbService   *database.Service
	Journal     *formance.Service
	Nodes       *blockchain.Nodes
	Scheduler   *scheduler.Scheduler
	Deposits    *deposits.Service
	Withdrawals *withdrawals.Service
	Reconciler  *reconciler.Reconciler
	Server      *api.Server
}

// InitializeLogger installs a production JSON logger as the global zap
// logger. When cfg.File is set the output is also written to a rotated
// log file.
func InitializeLogger(cfg models.LogConfig) (*zap.Logger, func()) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			log.Fatalf("Invalid log level %q: %v", cfg.Level, err)
		}
		zapCfg.Level = level
	}

	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	var logRotator *rotator.Rotator
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			log.Fatalf("Failed to create log directory: %v", err)
		}
		logRotator, err = rotator.New(cfg.File, logRollThresholdKB, false, cfg.MaxRolls)
		if err != nil {
			log.Fatalf("Failed to create file rotator: %v", err)
		}
		// the rotator is not safe for concurrent writes
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zapCfg.EncoderConfig),
			zapcore.Lock(zapcore.AddSync(logRotator)),
			zapCfg.Level,
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
		if logRotator != nil {
			logRotator.Close()
		}
	}

	return logger, cleanup
}

// NewHttpClient returns the client shared by rate sources, oracles and
// instant-fiat providers
func NewHttpClient() (http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return http.Client{}, err
	}

	return http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

// InitializeServices wires the payment engine: store, ledger mirror,
// nodes, providers, scheduler, state machines, reconciler and Device API.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	services := &Services{}
	ok := false
	defer func() {
		if !ok {
			services.Close()
		}
	}()

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	services.DbService = dbService

	if cfg.Formance.Enabled() {
		journal, err := formance.NewService(ctx, cfg.Formance)
		if err != nil {
			return nil, err
		}
		services.Journal = journal
		dbService.SetJournal(journal)
	}

	nodes, err := InitializeNodes(cfg)
	if err != nil {
		return nil, err
	}
	services.Nodes = nodes

	httpClient, err := NewHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}

	providersCfg, err := LoadProvidersConfig(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	rateSources := providersCfg.RateSources(&httpClient)
	oracles := providersCfg.ConfidenceOracles(&httpClient)

	registry, err := initializeInstantFiat(ctx, cfg, providersCfg, httpClient, rateSources)
	if err != nil {
		return nil, err
	}

	clk := clock.NewDefaultClock()
	services.Scheduler = scheduler.New(scheduler.Config{
		HighWorkers: cfg.Scheduler.HighWorkers,
		LowWorkers:  cfg.Scheduler.LowWorkers,
		Resolution:  cfg.Scheduler.Resolution,
	}, clk)

	services.Deposits = deposits.NewService(deposits.Dependencies{
		Store:     dbService,
		Nodes:     nodes,
		Rates:     rateSources,
		Oracle:    oracles,
		Providers: registry,
		Scheduler: services.Scheduler,
		Clock:     clk,
	}, cfg.Payments)

	services.Withdrawals = withdrawals.NewService(withdrawals.Dependencies{
		Store:     dbService,
		Nodes:     nodes,
		Rates:     rateSources,
		Oracle:    oracles,
		Providers: registry,
		Scheduler: services.Scheduler,
		Clock:     clk,
	}, cfg.Payments)

	reconcilerDeps := reconciler.Dependencies{Store: dbService, Nodes: nodes}
	if services.Journal != nil {
		reconcilerDeps.Journal = services.Journal
	}
	services.Reconciler, err = reconciler.New(reconcilerDeps, cfg.Reconciler, cfg.Payments.RequiredConfirmations)
	if err != nil {
		return nil, err
	}

	var signer *bip70.Signer
	if cfg.Server.PkiKeyFile != "" {
		signer, err = bip70.LoadSigner(cfg.Server.PkiKeyFile, cfg.Server.PkiCertFiles)
		if err != nil {
			return nil, err
		}
		zap.L().Info("Payment requests will be signed", zap.Int("certificates", len(cfg.Server.PkiCertFiles)))
	}

	services.Server = api.NewServer(api.Dependencies{
		Store:       dbService,
		Deposits:    services.Deposits,
		Withdrawals: services.Withdrawals,
		Signer:      signer,
	}, cfg.Server)

	ok = true
	return services, nil
}

// InitializeNodes connects to every configured bitcoind
func InitializeNodes(cfg *models.Config) (*blockchain.Nodes, error) {
	nodes := blockchain.NewNodes()
	for network, nodeCfg := range cfg.Nodes {
		node, err := blockchain.Connect(nodeCfg, cfg.Payments.DefaultTxFeePerKb, cfg.Payments.ExpectedConfirmBlocks)
		if err != nil {
			nodes.Close()
			return nil, err
		}
		if err := nodes.Add(node); err != nil {
			node.Close()
			nodes.Close()
			return nil, fmt.Errorf("node %s: %w", network, err)
		}
	}
	if len(nodes.CoinTypes()) == 0 {
		return nil, fmt.Errorf("no bitcoin node configured, set NODE_MAINNET_HOST or NODE_TESTNET_HOST")
	}
	return nodes, nil
}

// InitializeDatabaseOnly initializes just the database service without nodes
// Useful for read-only operations like querying balances
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func initializeInstantFiat(ctx context.Context, cfg *models.Config, providersCfg *ProvidersConfig, httpClient http.Client, rateSource *rates.Wrapper) (*instantfiat.Registry, error) {
	var providers []instantfiat.Provider

	if p, found := providersCfg.InstantFiatProvider(instantfiat.CryptoPayName); found {
		providers = append(providers, instantfiat.NewCryptoPay(&httpClient, p.URL))
	}

	if _, found := providersCfg.InstantFiatProvider(prime.ProviderName); found {
		if !cfg.Prime.Enabled() {
			return nil, fmt.Errorf("prime provider requires PRIME_ACCESS_KEY, PRIME_PASSPHRASE and PRIME_SIGNING_KEY")
		}
		zap.L().Info("Loading Prime API credentials")
		primeService := prime.NewService(&credentials.Credentials{
			AccessKey:  cfg.Prime.AccessKey,
			Passphrase: cfg.Prime.Passphrase,
			SigningKey: cfg.Prime.SigningKey,
		}, httpClient)

		portfolioId := cfg.Prime.PortfolioId
		if portfolioId == "" {
			zap.L().Info("Finding default portfolio")
			portfolio, err := primeService.FindDefaultPortfolio(ctx)
			if err != nil {
				return nil, err
			}
			portfolioId = portfolio.Id
			zap.L().Info("Using default portfolio",
				zap.String("name", portfolio.Name),
				zap.String("id", portfolio.Id))
		}
		providers = append(providers, prime.NewCustodian(primeService, rateSource, portfolioId, ""))
	}

	registry := instantfiat.NewRegistry(providers...)
	zap.L().Info("Instant-fiat providers configured", zap.Strings("providers", registry.Names()))
	return registry, nil
}

func (cs *Services) Close() {
	if cs.Nodes != nil {
		cs.Nodes.Close()
	}
	if cs.Journal != nil {
		cs.Journal.Close()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
