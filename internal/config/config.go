package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	LandReg     LandRegConfig     `yaml:"landreg" mapstructure:"landreg"`
	EPC         EPCConfig         `yaml:"epc" mapstructure:"epc"`
	Resolver    ResolverConfig    `yaml:"resolver" mapstructure:"resolver"`
	Comparables ComparablesConfig `yaml:"comparables" mapstructure:"comparables"`
	Ingest      IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LandRegConfig holds Land Registry SPARQL endpoint settings.
type LandRegConfig struct {
	BaseURL        string        `yaml:"base_url" mapstructure:"base_url"`
	Limit          int           `yaml:"limit" mapstructure:"limit"`
	LookbackMonths int           `yaml:"lookback_months" mapstructure:"lookback_months"`
	Freshness      time.Duration `yaml:"freshness" mapstructure:"freshness"`
}

// EPCConfig holds EPC open data API credentials.
type EPCConfig struct {
	BaseURL   string        `yaml:"base_url" mapstructure:"base_url"`
	Email     string        `yaml:"email" mapstructure:"email"`
	APIKey    string        `yaml:"api_key" mapstructure:"api_key"`
	Freshness time.Duration `yaml:"freshness" mapstructure:"freshness"`
}

// ResolverConfig configures address-to-UPRN resolution.
type ResolverConfig struct {
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
}

// ComparablesConfig configures comparable sale selection.
// MinComparables doubles as the valuation confidence threshold so the
// selector and the calculator never disagree on what "enough" means.
type ComparablesConfig struct {
	WindowMonths   int     `yaml:"window_months" mapstructure:"window_months"`
	MinComparables int     `yaml:"min_comparables" mapstructure:"min_comparables"`
	OutlierFactor  float64 `yaml:"outlier_factor" mapstructure:"outlier_factor"`
	DistrictsFile  string  `yaml:"districts_file" mapstructure:"districts_file"`
}

// IngestConfig configures ingestion runs.
type IngestConfig struct {
	ListingFixtures      []string      `yaml:"listing_fixtures" mapstructure:"listing_fixtures"`
	ListingFreshness     time.Duration `yaml:"listing_freshness" mapstructure:"listing_freshness"`
	RecomputeConcurrency int           `yaml:"recompute_concurrency" mapstructure:"recompute_concurrency"`
	Retry                RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Breaker              BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// RetryConfig configures source pull retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// BreakerConfig configures the per-source circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" mapstructure:"half_open_max_probes"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROPSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "propscan.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("landreg.base_url", "https://landregistry.data.gov.uk")
	v.SetDefault("landreg.limit", 500)
	v.SetDefault("landreg.lookback_months", 13)
	v.SetDefault("landreg.freshness", "24h")
	v.SetDefault("epc.base_url", "https://epc.opendatacommunities.org/api/v1")
	v.SetDefault("epc.freshness", "168h")
	v.SetDefault("resolver.fuzzy_threshold", 0.70)
	v.SetDefault("comparables.window_months", 12)
	v.SetDefault("comparables.min_comparables", 5)
	v.SetDefault("comparables.outlier_factor", 3.0)
	v.SetDefault("ingest.listing_freshness", "1h")
	v.SetDefault("ingest.recompute_concurrency", 8)
	v.SetDefault("ingest.retry.max_attempts", 3)
	v.SetDefault("ingest.retry.initial_backoff", "500ms")
	v.SetDefault("ingest.retry.max_backoff", "30s")
	v.SetDefault("ingest.retry.multiplier", 2.0)
	v.SetDefault("ingest.breaker.failure_threshold", 5)
	v.SetDefault("ingest.breaker.reset_timeout", "30s")
	v.SetDefault("ingest.breaker.half_open_max_probes", 1)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
