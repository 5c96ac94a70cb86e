package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full configuration surface of the execution pipeline.
type Config struct {
	Environment string `mapstructure:"environment" validate:"oneof=dev staging prod"`

	Log     LogConfig     `mapstructure:"log"`
	Risk    RiskConfig    `mapstructure:"risk"`
	Journal JournalConfig `mapstructure:"journal"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Events  EventsConfig  `mapstructure:"events"`
	Certify CertifyConfig `mapstructure:"certify"`

	// Venues maps venue name (bybit, coinbase, kraken, phemex, paper) to
	// its credentials and limits.
	Venues map[string]VenueConfig `mapstructure:"venues" validate:"required,dive"`

	RetryMaxAttempts int           `mapstructure:"retry_max_attempts" validate:"min=1"`
	AdapterTimeout   time.Duration `mapstructure:"adapter_timeout" validate:"min=1s"`
	ReconcileEvery   time.Duration `mapstructure:"reconcile_every"`
	Workers          int           `mapstructure:"workers" validate:"min=1"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	FilePath string `mapstructure:"file_path"`
}

// RiskConfig carries the hard limits enforced by the risk gate and breaker.
type RiskConfig struct {
	MaxRiskPerTradePct     float64 `mapstructure:"max_risk_per_trade_pct" validate:"gt=0,lte=100"`
	MaxDailyLossAbs        float64 `mapstructure:"max_daily_loss_abs" validate:"gt=0"`
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions" validate:"min=1"`
	PortfolioEquity        float64 `mapstructure:"portfolio_equity" validate:"gt=0"`

	// Breaker thresholds.
	MaxConsecutiveAdapterFailures int     `mapstructure:"max_consecutive_adapter_failures"`
	MaxFailedOrdersPerHour        int     `mapstructure:"max_failed_orders_per_hour"`
	DailyLossTripRatio            float64 `mapstructure:"daily_loss_trip_ratio"`
}

// JournalConfig locates the order-event log and checkpoint store.
type JournalConfig struct {
	Path            string        `mapstructure:"path" validate:"required"`
	CheckpointDir   string        `mapstructure:"checkpoint_dir" validate:"required"`
	CheckpointEvery time.Duration `mapstructure:"checkpoint_every"`
}

// AdminConfig configures the operator HTTP surface.
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// EventsConfig configures the optional Kafka sink for downstream consumers.
type EventsConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// CertifyConfig holds the shared secret used to verify signal
// certification tokens issued by the backtest engine.
type CertifyConfig struct {
	SigningSecret string        `mapstructure:"signing_secret" validate:"required,min=16"`
	MaxSignalAge  time.Duration `mapstructure:"max_signal_age"`
}

// VenueConfig holds per-venue credentials and documented rate ceilings.
type VenueConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	APIKey        string  `mapstructure:"api_key"`
	APISecret     string  `mapstructure:"api_secret"`
	BaseURL       string  `mapstructure:"base_url"`
	WSURL         string  `mapstructure:"ws_url"`
	RateCeiling   float64 `mapstructure:"rate_ceiling"`   // requests/sec published by the venue
	RateSafetyPct float64 `mapstructure:"rate_safety_pct"` // fraction of the ceiling actually used
	BucketBurst   int     `mapstructure:"bucket_burst"`

	// Symbols lists the instruments tradeable on this venue.
	Symbols []SymbolConfig `mapstructure:"symbols"`
}

// SymbolConfig describes one tradeable instrument on a venue.
type SymbolConfig struct {
	Symbol   string  `mapstructure:"symbol" validate:"required"`
	TickSize float64 `mapstructure:"tick_size"`
	MinQty   float64 `mapstructure:"min_qty"`
}

// EffectiveRate returns the refill rate after the safety margin.
func (v VenueConfig) EffectiveRate() float64 {
	pct := v.RateSafetyPct
	if pct <= 0 || pct > 1 {
		pct = 0.8
	}
	return v.RateCeiling * pct
}

// Load reads configuration from the given YAML file (optional) and
// EXECPIPE_-prefixed environment variables, applies defaults, and validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("EXECPIPE")

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("log.level", "info")

	v.SetDefault("risk.max_risk_per_trade_pct", 2.0)
	v.SetDefault("risk.max_concurrent_positions", 5)
	v.SetDefault("risk.max_consecutive_adapter_failures", 10)
	v.SetDefault("risk.max_failed_orders_per_hour", 5)
	v.SetDefault("risk.daily_loss_trip_ratio", 1.0)

	v.SetDefault("journal.path", "data/orders.journal")
	v.SetDefault("journal.checkpoint_dir", "data/checkpoints")
	v.SetDefault("journal.checkpoint_every", 5*time.Minute)

	v.SetDefault("admin.listen_addr", ":8790")

	v.SetDefault("certify.max_signal_age", 30*time.Second)

	v.SetDefault("retry_max_attempts", 5)
	v.SetDefault("adapter_timeout", 10*time.Second)
	v.SetDefault("reconcile_every", 15*time.Second)
	v.SetDefault("workers", 8)
}
