// Package config loads the engine configuration from defaults, an optional
// YAML file, a .env file and GOLD_* environment variables, in increasing
// order of priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PricingConfig configures the market data feed and the oracle cache.
type PricingConfig struct {
	Feed         string        `mapstructure:"feed"` // "static" or "yahoo"
	BaseURL      string        `mapstructure:"base_url"`
	GoldSymbol   string        `mapstructure:"gold_symbol"`
	FXSymbol     string        `mapstructure:"fx_symbol"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	MaxStale     time.Duration `mapstructure:"max_stale"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timezone     string        `mapstructure:"timezone"` // day boundary for daily closes

	GramsPerOunce decimal.Decimal `mapstructure:"-"`
	GramsPerTola  decimal.Decimal `mapstructure:"-"`
	StaticSpotUSD decimal.Decimal `mapstructure:"-"`
	StaticFX      decimal.Decimal `mapstructure:"-"`
}

// MarginsConfig holds percentages applied on top of the raw market price.
type MarginsConfig struct {
	SafeguardPct  decimal.Decimal `mapstructure:"-"`
	SpreadPct     decimal.Decimal `mapstructure:"-"`
	SellSpreadPct decimal.Decimal `mapstructure:"-"`
}

type OrdersConfig struct {
	LockDuration time.Duration   `mapstructure:"lock_duration"`
	BuyFeePct    decimal.Decimal `mapstructure:"-"`
	SellFeePct   decimal.Decimal `mapstructure:"-"`
	MinBuyAmount decimal.Decimal `mapstructure:"-"`
}

type LimitsConfig struct {
	MaxOrderGrams   decimal.Decimal `mapstructure:"-"`
	MaxPendingGrams decimal.Decimal `mapstructure:"-"`
}

type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

type InventoryConfig struct {
	SeedGrams decimal.Decimal `mapstructure:"-"`
}

type AppConfig struct {
	ServiceName string          `mapstructure:"service_name"`
	Env         string          `mapstructure:"env"`
	LogLevel    string          `mapstructure:"log_level"`
	DatabaseURL string          `mapstructure:"database_url"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Pricing     PricingConfig   `mapstructure:"pricing"`
	Margins     MarginsConfig   `mapstructure:"margins"`
	Orders      OrdersConfig    `mapstructure:"orders"`
	Limits      LimitsConfig    `mapstructure:"limits"`
	Sweeper     SweeperConfig   `mapstructure:"sweeper"`
	Inventory   InventoryConfig `mapstructure:"inventory"`
}

// Load reads configuration. path names an optional YAML file; envFile an
// optional .env file. Missing files are not an error.
func Load(path, envFile string) (*AppConfig, error) {
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.SetEnvPrefix("GOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Brokers arrive as one comma-separated string from the environment.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	decimals := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"pricing.grams_per_ounce", &cfg.Pricing.GramsPerOunce},
		{"pricing.grams_per_tola", &cfg.Pricing.GramsPerTola},
		{"pricing.static_spot_usd", &cfg.Pricing.StaticSpotUSD},
		{"pricing.static_fx", &cfg.Pricing.StaticFX},
		{"margins.safeguard_pct", &cfg.Margins.SafeguardPct},
		{"margins.spread_pct", &cfg.Margins.SpreadPct},
		{"margins.sell_spread_pct", &cfg.Margins.SellSpreadPct},
		{"orders.buy_fee_pct", &cfg.Orders.BuyFeePct},
		{"orders.sell_fee_pct", &cfg.Orders.SellFeePct},
		{"orders.min_buy_amount", &cfg.Orders.MinBuyAmount},
		{"limits.max_order_grams", &cfg.Limits.MaxOrderGrams},
		{"limits.max_pending_grams", &cfg.Limits.MaxPendingGrams},
		{"inventory.seed_grams", &cfg.Inventory.SeedGrams},
	}
	for _, d := range decimals {
		val, err := decimal.NewFromString(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", d.key, err)
		}
		*d.dst = val
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Orders.LockDuration <= 0 {
		return fmt.Errorf("config orders.lock_duration must be positive")
	}
	if !c.Pricing.GramsPerOunce.IsPositive() || !c.Pricing.GramsPerTola.IsPositive() {
		return fmt.Errorf("config pricing unit conversions must be positive")
	}
	if c.Margins.SafeguardPct.IsNegative() || c.Margins.SpreadPct.IsNegative() || c.Margins.SellSpreadPct.IsNegative() {
		return fmt.Errorf("config margins must not be negative")
	}
	if c.Margins.SellSpreadPct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("config margins.sell_spread_pct must be below 100")
	}
	if c.Pricing.PollInterval <= 0 {
		return fmt.Errorf("config pricing.poll_interval must be positive")
	}
	if c.Sweeper.Interval <= 0 || c.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("config sweeper interval and batch_size must be positive")
	}
	switch c.Pricing.Feed {
	case "static", "yahoo":
	default:
		return fmt.Errorf("config pricing.feed %q: want static or yahoo", c.Pricing.Feed)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "gold-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "gold.orders")

	v.SetDefault("pricing.feed", "static")
	v.SetDefault("pricing.base_url", "https://query1.finance.yahoo.com/v8/finance/chart/")
	v.SetDefault("pricing.gold_symbol", "GC=F")
	v.SetDefault("pricing.fx_symbol", "PKR=X")
	v.SetDefault("pricing.fetch_timeout", "5s")
	v.SetDefault("pricing.cache_ttl", "60s")
	v.SetDefault("pricing.max_stale", "10m")
	v.SetDefault("pricing.poll_interval", "60s")
	v.SetDefault("pricing.timezone", "Asia/Karachi")
	v.SetDefault("pricing.grams_per_ounce", "31.1034768")
	v.SetDefault("pricing.grams_per_tola", "11.6638038")
	v.SetDefault("pricing.static_spot_usd", "2350")
	v.SetDefault("pricing.static_fx", "278.5")

	v.SetDefault("margins.safeguard_pct", "2.00")
	v.SetDefault("margins.spread_pct", "3.00")
	v.SetDefault("margins.sell_spread_pct", "0")

	v.SetDefault("orders.lock_duration", "120s")
	v.SetDefault("orders.buy_fee_pct", "1.0")
	v.SetDefault("orders.sell_fee_pct", "1.0")
	v.SetDefault("orders.min_buy_amount", "1000")

	v.SetDefault("limits.max_order_grams", "1000")
	v.SetDefault("limits.max_pending_grams", "5000")

	v.SetDefault("sweeper.interval", "5s")
	v.SetDefault("sweeper.batch_size", 100)

	v.SetDefault("inventory.seed_grams", "0")
}
