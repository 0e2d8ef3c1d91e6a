package common

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"pos-payments-go/internal/instantfiat"
	"pos-payments-go/internal/oracle"
	"pos-payments-go/internal/rates"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// ProviderConfig names one external provider. Order in the file is the
// fail-over order.
type ProviderConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type ProvidersConfig struct {
	Rates       []ProviderConfig `yaml:"rates"`
	Oracles     []ProviderConfig `yaml:"oracles"`
	InstantFiat []ProviderConfig `yaml:"instantfiat"`
}

var knownProviders = map[string]map[string]bool{
	"rates":       {"coindesk": true, "bitcoinaverage": true, "coinmarketcap": true},
	"oracles":     {"blockcypher": true, "sochain": true},
	"instantfiat": {instantfiat.CryptoPayName: true, "prime": true},
}

// DefaultProvidersConfig is used when no providers file exists
func DefaultProvidersConfig() *ProvidersConfig {
	return &ProvidersConfig{
		Rates: []ProviderConfig{
			{Name: "coindesk"},
			{Name: "bitcoinaverage"},
			{Name: "coinmarketcap"},
		},
		Oracles: []ProviderConfig{
			{Name: "blockcypher"},
			{Name: "sochain"},
		},
		InstantFiat: []ProviderConfig{
			{Name: instantfiat.CryptoPayName},
		},
	}
}

func LoadProvidersConfig(providersFile string) (*ProvidersConfig, error) {
	var providersPath string
	if filepath.IsAbs(providersFile) {
		providersPath = providersFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		providersPath = filepath.Join(wd, providersFile)
	}

	data, err := os.ReadFile(providersPath)
	if errors.Is(err, os.ErrNotExist) {
		zap.L().Info("Providers file not found, using defaults", zap.String("path", providersPath))
		return DefaultProvidersConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", providersFile, err)
	}

	var config ProvidersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", providersFile, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", providersFile, err)
	}
	return &config, nil
}

// Validate rejects unknown or duplicate provider names and empty lists
func (c *ProvidersConfig) Validate() error {
	for kind, list := range map[string][]ProviderConfig{
		"rates":       c.Rates,
		"oracles":     c.Oracles,
		"instantfiat": c.InstantFiat,
	} {
		if len(list) == 0 && kind != "instantfiat" {
			return fmt.Errorf("%s: at least one provider is required", kind)
		}
		seen := make(map[string]bool, len(list))
		for i, p := range list {
			if p.Name == "" {
				return fmt.Errorf("%s at index %d missing name", kind, i)
			}
			if !knownProviders[kind][p.Name] {
				return fmt.Errorf("%s at index %d: unknown provider %q", kind, i, p.Name)
			}
			if seen[p.Name] {
				return fmt.Errorf("%s: duplicate provider %q", kind, p.Name)
			}
			seen[p.Name] = true
		}
	}
	return nil
}

// RateSources builds the exchange-rate fail-over chain
func (c *ProvidersConfig) RateSources(client *http.Client) *rates.Wrapper {
	sources := make([]rates.Source, 0, len(c.Rates))
	for _, p := range c.Rates {
		switch p.Name {
		case "coindesk":
			sources = append(sources, rates.NewCoinDesk(client, p.URL))
		case "bitcoinaverage":
			sources = append(sources, rates.NewBitcoinAverage(client, p.URL))
		case "coinmarketcap":
			sources = append(sources, rates.NewCoinMarketCap(client, p.URL))
		}
	}
	return rates.NewWrapper(sources...)
}

// ConfidenceOracles builds the confidence oracle fail-over chain
func (c *ProvidersConfig) ConfidenceOracles(client *http.Client) *oracle.Wrapper {
	oracles := make([]oracle.ConfidenceOracle, 0, len(c.Oracles))
	for _, p := range c.Oracles {
		switch p.Name {
		case "blockcypher":
			oracles = append(oracles, oracle.NewBlockcypher(client, p.URL, p.Token))
		case "sochain":
			oracles = append(oracles, oracle.NewSoChain(client, p.URL))
		}
	}
	return oracle.NewWrapper(oracles...)
}

// InstantFiatProvider returns the settings of the named provider
func (c *ProvidersConfig) InstantFiatProvider(name string) (ProviderConfig, bool) {
	for _, p := range c.InstantFiat {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
