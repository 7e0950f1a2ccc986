package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. Nested keys use a double
// underscore: DISPATCH_MATCHER__RADIUS_MILES sets matcher.radius_miles.
const EnvPrefix = "DISPATCH_"

type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Postgres PostgresConfig `json:"postgres"`
	Matcher  MatcherConfig  `json:"matcher"`
	Earnings EarningsConfig `json:"earnings"`
	ETA      ETAConfig      `json:"eta"`
	Stripe   StripeConfig   `json:"stripe"`
	Push     PushConfig     `json:"push"`
	Consumer ConsumerConfig `json:"consumer"`
	LogLevel string         `json:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `json:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	WSQueueSize     int           `json:"ws_queue_size"`
}

// RedisConfig enables the Redis geo index and earnings ledger when Addr is set.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	GeoKey   string `json:"geo_key"`
}

type KafkaConfig struct {
	Brokers        []string `json:"brokers"`
	LocationsTopic string   `json:"locations_topic"`
	OrdersTopic    string   `json:"orders_topic"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	RunMigrations bool   `json:"run_migrations"`
	MigrationsDir string `json:"migrations_dir"`
}

type MatcherConfig struct {
	RadiusMiles    float64       `json:"radius_miles"`
	MaxRadiusMiles float64       `json:"max_radius_miles"`
	RadiusGrowth   float64       `json:"radius_growth"`
	OfferTimeout   time.Duration `json:"offer_timeout"`
	ExpiryTick     time.Duration `json:"expiry_tick"`
	RetryInterval  time.Duration `json:"retry_interval"`
}

// EarningsConfig amounts are in dollars.
type EarningsConfig struct {
	BasePay     float64 `json:"base_pay"`
	MileageRate float64 `json:"mileage_rate"`
}

type ETAConfig struct {
	OSRMEndpoint    string        `json:"osrm_endpoint"`
	DefaultSpeedMps float64       `json:"default_speed_mps"`
	CacheTTL        time.Duration `json:"cache_ttl"`
}

type StripeConfig struct {
	APIKey string `json:"api_key"`
}

type PushConfig struct {
	Endpoint string `json:"endpoint"`
	Key      string `json:"key"`
}

type ConsumerConfig struct {
	GroupID     string `json:"group_id"`
	MetricsAddr string `json:"metrics_addr"`
	Attempts    int    `json:"attempts"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			WSQueueSize:     64,
		},
		Redis: RedisConfig{GeoKey: "drivers_geo"},
		Kafka: KafkaConfig{LocationsTopic: "driver-locations", OrdersTopic: "order-events"},
		Postgres: PostgresConfig{
			MigrationsDir: "migrations",
		},
		Matcher: MatcherConfig{
			RadiusMiles:    10,
			MaxRadiusMiles: 25,
			RadiusGrowth:   1.5,
			OfferTimeout:   60 * time.Second,
			ExpiryTick:     5 * time.Second,
			RetryInterval:  2 * time.Minute,
		},
		Earnings: EarningsConfig{BasePay: 6.00, MileageRate: 0.50},
		ETA:      ETAConfig{DefaultSpeedMps: 8, CacheTTL: 30 * time.Second},
		Consumer: ConsumerConfig{GroupID: "delivery-dispatch-consumer", MetricsAddr: ":2112", Attempts: 3},
		LogLevel: "info",
	}
}

// Load layers defaults, the optional file at path and DISPATCH_ environment
// variables, then validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return Config{}, fmt.Errorf("unsupported config format: %s", path)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must be set"))
	}
	if c.HTTP.WSQueueSize <= 0 {
		errs = append(errs, errors.New("http.ws_queue_size must be > 0"))
	}
	if c.Matcher.RadiusMiles <= 0 {
		errs = append(errs, errors.New("matcher.radius_miles must be > 0"))
	}
	if c.Matcher.MaxRadiusMiles < c.Matcher.RadiusMiles {
		errs = append(errs, errors.New("matcher.max_radius_miles must be >= matcher.radius_miles"))
	}
	if c.Matcher.RadiusGrowth <= 1 {
		errs = append(errs, errors.New("matcher.radius_growth must be > 1"))
	}
	if c.Matcher.OfferTimeout <= 0 || c.Matcher.ExpiryTick <= 0 || c.Matcher.RetryInterval <= 0 {
		errs = append(errs, errors.New("matcher durations must be > 0"))
	}
	if c.Earnings.BasePay < 0 || c.Earnings.MileageRate < 0 {
		errs = append(errs, errors.New("earnings amounts must not be negative"))
	}
	if c.Consumer.Attempts <= 0 {
		errs = append(errs, errors.New("consumer.attempts must be > 0"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
