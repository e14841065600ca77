package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverBadger   = "badger"
)

// Config is the server configuration read from the environment.
type Config struct {
	Port     string `env:"PORT" envDefault:"8083"`
	GRPCPort string `env:"GRPC_PORT" envDefault:"9083"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"badger"`
	DatabaseURL string `env:"DATABASE_URL"`
	BadgerPath  string `env:"BADGER_PATH"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	JWTSecret string `env:"JWT_SECRET"`

	AMQPURL       string  `env:"AMQP_URL"`
	AMQPExchange  string  `env:"AMQP_EXCHANGE" envDefault:"teamchat.events"`
	AuditRouting  string  `env:"AUDIT_ROUTING_KEY" envDefault:"audit.chat"`
	ServiceName   string  `env:"SERVICE_NAME" envDefault:"teamchat"`
	Environment   string  `env:"ENVIRONMENT" envDefault:"development"`
	DebugRoutes   bool    `env:"DEBUG_ROUTES" envDefault:"false"`
	OTLPEndpoint  string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure  bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	TraceSampling float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1"`

	MaxBodyRunes    int           `env:"MAX_BODY_RUNES" envDefault:"4000"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	TypingTTL       time.Duration `env:"TYPING_TTL" envDefault:"5s"`
	SendQueueSize   int           `env:"WS_SEND_QUEUE" envDefault:"256"`
	RateLimit       float64       `env:"WS_RATE_LIMIT" envDefault:"20"`
	RateBurst       int           `env:"WS_RATE_BURST" envDefault:"40"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces cross-field rules.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case StoreDriverBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.MaxBodyRunes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_RUNES must be positive"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("WS_SEND_QUEUE must be positive"))
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("WS_RATE_LIMIT and WS_RATE_BURST must be positive"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.TraceSampling < 0 || c.TraceSampling > 1 {
		errs = append(errs, errors.New("OTEL_TRACES_SAMPLER_RATIO must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
