// Package config loads and validates the escrow daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PriceSourceKind selects how an engine observes its reference price.
type PriceSourceKind string

const (
	// PriceSourceOracle reads prices from an operator-updated feed.
	PriceSourceOracle PriceSourceKind = "oracle"
	// PriceSourcePool derives prices from liquidity-pool reserve ratios.
	PriceSourcePool PriceSourceKind = "pool"
)

// PriceSourceConfig configures one engine's reference price capability.
type PriceSourceConfig struct {
	Kind PriceSourceKind `yaml:"kind"`
	// InitialPrice seeds an oracle source. Decimal string.
	InitialPrice string `yaml:"initialPrice"`
	// NativeReserve and CounterReserve seed a pool source. Decimal strings.
	NativeReserve  string `yaml:"nativeReserve"`
	CounterReserve string `yaml:"counterReserve"`
}

// EngineConfig configures one escrow engine.
type EngineConfig struct {
	Name           string            `yaml:"name"`
	UnitDecimals   int32             `yaml:"unitDecimals"`
	FeeBps         int64             `yaml:"feeBps"`
	FeeRecipient   string            `yaml:"feeRecipient"`
	ToleranceBps   int64             `yaml:"toleranceBps"`
	MinOrderAmount string            `yaml:"minOrderAmount"`
	PriceSource    PriceSourceConfig `yaml:"priceSource"`
	// InitialBalances funds accounts on the engine's ledger at startup,
	// account name to decimal amount.
	InitialBalances map[string]string `yaml:"initialBalances"`
}

// RelayerConfig configures the bridge relayer.
type RelayerConfig struct {
	Account           string        `yaml:"account"`
	PendingTTL        time.Duration `yaml:"pendingTtl"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	ReleasesPerSecond float64       `yaml:"releasesPerSecond"`
	ReleaseBurst      int           `yaml:"releaseBurst"`
	MaxAttempts       int           `yaml:"maxAttempts"`
}

// DatabaseConfig configures the journal database. An empty DSN selects the
// in-memory journal.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

// EventbusConfig sets bus buffer sizing and worker fanout.
type EventbusConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// FeedConfig configures the websocket notification feed.
type FeedConfig struct {
	Addr         string        `yaml:"addr"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	Environment  string `yaml:"environment"`
}

// AppConfig is the unified escrow daemon configuration.
type AppConfig struct {
	// AdminAccount may adjust engine parameters at runtime. Optional; when
	// empty, parameters are fixed at their configured values.
	AdminAccount string          `yaml:"adminAccount"`
	Native       EngineConfig    `yaml:"native"`
	Counter      EngineConfig    `yaml:"counter"`
	Relayer      RelayerConfig   `yaml:"relayer"`
	Database     DatabaseConfig  `yaml:"database"`
	Eventbus     EventbusConfig  `yaml:"eventbus"`
	Feed         FeedConfig      `yaml:"feed"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied: two
// oracle-priced engines, an in-memory journal, and a local feed endpoint.
func Default() AppConfig {
	return AppConfig{
		AdminAccount: "admin",
		Native: EngineConfig{
			Name:            "native",
			UnitDecimals:    6,
			ToleranceBps:    1000,
			PriceSource:     PriceSourceConfig{Kind: PriceSourceOracle, InitialPrice: "1"},
			InitialBalances: map[string]string{"alice": "1000000", "bob": "1000000"},
		},
		Counter: EngineConfig{
			Name:            "counter",
			UnitDecimals:    6,
			ToleranceBps:    1000,
			PriceSource:     PriceSourceConfig{Kind: PriceSourceOracle, InitialPrice: "1"},
			InitialBalances: map[string]string{"alice": "1000000", "bob": "1000000"},
		},
		Relayer: RelayerConfig{
			Account:           "bridge",
			PendingTTL:        15 * time.Minute,
			SweepInterval:     time.Minute,
			ReleasesPerSecond: 10,
			ReleaseBurst:      5,
			MaxAttempts:       5,
		},
		Eventbus: EventbusConfig{BufferSize: 64, FanoutWorkers: 4},
		Feed:     FeedConfig{Addr: "127.0.0.1:8787", WriteTimeout: 5 * time.Second},
		Telemetry: TelemetryConfig{
			ServiceName: "escrowd",
			Environment: "development",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}
	bytes, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c AppConfig) Validate() error {
	if err := c.Native.validate("native"); err != nil {
		return err
	}
	if err := c.Counter.validate("counter"); err != nil {
		return err
	}
	if c.Native.Name == c.Counter.Name {
		return fmt.Errorf("config: engine names must differ (both %q)", c.Native.Name)
	}
	if strings.TrimSpace(c.Relayer.Account) == "" {
		return fmt.Errorf("config: relayer account required")
	}
	if c.Relayer.PendingTTL < 0 || c.Relayer.SweepInterval < 0 {
		return fmt.Errorf("config: relayer intervals must not be negative")
	}
	if c.Eventbus.BufferSize < 0 || c.Eventbus.FanoutWorkers < 0 {
		return fmt.Errorf("config: eventbus sizes must not be negative")
	}
	return nil
}

func (e EngineConfig) validate(section string) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("config: %s.name required", section)
	}
	if e.UnitDecimals < 0 || e.UnitDecimals > 18 {
		return fmt.Errorf("config: %s.unitDecimals out of range [0,18]: %d", section, e.UnitDecimals)
	}
	if e.FeeBps < 0 || e.FeeBps > 10000 {
		return fmt.Errorf("config: %s.feeBps out of range [0,10000]: %d", section, e.FeeBps)
	}
	if e.ToleranceBps <= 0 || e.ToleranceBps >= 10000 {
		return fmt.Errorf("config: %s.toleranceBps out of range (0,10000): %d", section, e.ToleranceBps)
	}
	if e.MinOrderAmount != "" {
		min, err := decimal.NewFromString(e.MinOrderAmount)
		if err != nil {
			return fmt.Errorf("config: %s.minOrderAmount: %w", section, err)
		}
		if min.Sign() < 0 {
			return fmt.Errorf("config: %s.minOrderAmount must not be negative", section)
		}
	}
	for account, raw := range e.InitialBalances {
		if strings.TrimSpace(account) == "" {
			return fmt.Errorf("config: %s.initialBalances has an empty account name", section)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("config: %s.initialBalances[%s]: %w", section, account, err)
		}
		if v.Sign() < 0 {
			return fmt.Errorf("config: %s.initialBalances[%s] must not be negative", section, account)
		}
	}
	return e.PriceSource.validate(section)
}

func (p PriceSourceConfig) validate(section string) error {
	switch p.Kind {
	case PriceSourceOracle:
		if p.InitialPrice != "" {
			if _, err := decimal.NewFromString(p.InitialPrice); err != nil {
				return fmt.Errorf("config: %s.priceSource.initialPrice: %w", section, err)
			}
		}
		return nil
	case PriceSourcePool:
		for field, raw := range map[string]string{
			"nativeReserve":  p.NativeReserve,
			"counterReserve": p.CounterReserve,
		} {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("config: %s.priceSource.%s: %w", section, field, err)
			}
			if v.Sign() <= 0 {
				return fmt.Errorf("config: %s.priceSource.%s must be positive", section, field)
			}
		}
		return nil
	default:
		return fmt.Errorf("config: %s.priceSource.kind must be oracle or pool, got %q", section, p.Kind)
	}
}

// SeedBalances parses the configured initial balances, skipping entries that
// do not parse. Validation has already rejected those on a loaded config.
func (e EngineConfig) SeedBalances() map[string]decimal.Decimal {
	if len(e.InitialBalances) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(e.InitialBalances))
	for account, raw := range e.InitialBalances {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		out[account] = v
	}
	return out
}

// MinOrder parses the configured minimum order amount, zero when unset.
func (e EngineConfig) MinOrder() decimal.Decimal {
	if e.MinOrderAmount == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(e.MinOrderAmount)
	if err != nil {
		return decimal.Zero
	}
	return v
}
