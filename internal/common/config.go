package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	LedgerMongo    = "mongo"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

type Config struct {
	ServiceName  string
	HTTPPort     int      `env:"HTTP_PORT" envDefault:"8080"`
	CORSOrigins  []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	MetricsPort  int      `env:"METRICS_PORT"`
	OTLPEndpoint string   `env:"OTLP_ENDPOINT"`
	LogLevel     string   `env:"LOG_LEVEL" envDefault:"info"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	EventsTopic  string   `env:"APP_EVENTS_TOPIC" envDefault:"app.events"`
	StatusTopic  string   `env:"STATUS_EVENTS_TOPIC" envDefault:"notification.status"`
	DLQTopic     string   `env:"DLQ_TOPIC" envDefault:"dlq.notifications"`

	LedgerBackend string `env:"LEDGER_BACKEND" envDefault:"mongo"`
	MongoURL      string `env:"MONGODB_URL" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"notifications"`
	DatabaseURL   string `env:"DATABASE_URL"`

	RedisURL        string        `env:"REDIS_URL"`
	ContactCacheTTL time.Duration `env:"CONTACT_CACHE_TTL" envDefault:"5m"`

	ConnectAttempts uint64        `env:"CONNECT_ATTEMPTS" envDefault:"5"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`

	TemplatesPath string `env:"TEMPLATES_PATH"`

	SenderEmail          string        `env:"FROM_EMAIL" envDefault:"noreply@example.com"`
	SendGridEndpoint     string        `env:"SENDGRID_ENDPOINT" envDefault:"https://api.sendgrid.com"`
	SendGridAPIKey       string        `env:"SENDGRID_API_KEY"`
	PostmarkServerToken  string        `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string        `env:"POSTMARK_ACCOUNT_TOKEN"`
	TermiiEndpoint       string        `env:"TERMII_ENDPOINT" envDefault:"https://api.ng.termii.com"`
	TermiiAPIKey         string        `env:"TERMII_API_KEY"`
	TermiiSenderID       string        `env:"TERMII_SENDER_ID" envDefault:"Notify"`
	TransportTimeout     time.Duration `env:"TRANSPORT_TIMEOUT" envDefault:"10s"`
}

// LoadConfig reads the environment (and a .env file when present) into a Config
// for the named service.
func LoadConfig(service string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	cfg.ServiceName = service
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = cfg.HTTPPort + 1000
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerBackend {
	case LedgerMongo, LedgerMemory:
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres ledger", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown LEDGER_BACKEND %q", ErrInvalidConfig, c.LedgerBackend)
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("%w: KAFKA_BROKERS must not be empty", ErrInvalidConfig)
	}
	return nil
}
