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

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	GatewayStripe = "stripe"
	GatewayFake   = "fake"
)

type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	MigrationsPath string
}

type Config struct {
	HTTPPort     string
	GRPCPort     string
	LogLevel     string
	StoreDriver  string
	OTLPEndpoint string

	Database DatabaseConfig

	CatalogDBPath         string
	CatalogMigrationsPath string

	MongoURI      string
	MongoDBName   string
	RedisAddr     string
	RedisPassword string
	KafkaBrokers  []string

	PaymentGateway      string
	StripeSecretKey     string
	StripeWebhookSecret string
	FakeCheckoutURL     string
	SuccessURL          string
	CancelURL           string
	Currency            string
	TaxRate             decimal.Decimal

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

var defaults = map[string]interface{}{
	"HTTP_PORT":                   "8080",
	"GRPC_PORT":                   "50060",
	"LOG_LEVEL":                   "info",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"STORE_DRIVER":                StoreMemory,
	"DB_HOST":                     "localhost",
	"DB_PORT":                     5432,
	"DB_USER":                     "postgres",
	"DB_PASSWORD":                 "postgres",
	"DB_NAME":                     "checkout",
	"MIGRATIONS_PATH":             "./internal/repository/migrations",
	"CATALOG_DB_PATH":             "./catalog.db",
	"CATALOG_MIGRATIONS_PATH":     "./internal/catalog/migrations",
	"MONGO_URI":                   "mongodb://localhost:27017",
	"MONGO_DB_NAME":               "cartdb",
	"REDIS_ADDR":                  "localhost:6379",
	"REDIS_PASSWORD":              "",
	"KAFKA_BROKERS":               "",
	"PAYMENT_GATEWAY":             GatewayFake,
	"STRIPE_SECRET_KEY":           "",
	"STRIPE_WEBHOOK_SECRET":       "",
	"FAKE_CHECKOUT_URL":           "http://localhost:3000/fake-checkout",
	"CHECKOUT_SUCCESS_URL":        "http://localhost:3000/checkout/success",
	"CHECKOUT_CANCEL_URL":         "http://localhost:3000/cart",
	"CURRENCY":                    "usd",
	"PRICING_TAX_RATE":            "0.10",
	"REQUEST_TIMEOUT":             "30s",
	"SHUTDOWN_TIMEOUT":            "10s",
}

// Load reads the given .env files, if present, and then the process
// environment. Environment variables win over .env values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	taxRate, err := decimal.NewFromString(v.GetString("PRICING_TAX_RATE"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRICING_TAX_RATE: %w", err)
	}

	cfg := &Config{
		HTTPPort:     v.GetString("HTTP_PORT"),
		GRPCPort:     v.GetString("GRPC_PORT"),
		LogLevel:     v.GetString("LOG_LEVEL"),
		StoreDriver:  strings.ToLower(v.GetString("STORE_DRIVER")),
		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Database: DatabaseConfig{
			Host:           v.GetString("DB_HOST"),
			Port:           v.GetInt("DB_PORT"),
			User:           v.GetString("DB_USER"),
			Password:       v.GetString("DB_PASSWORD"),
			Name:           v.GetString("DB_NAME"),
			MigrationsPath: v.GetString("MIGRATIONS_PATH"),
		},
		CatalogDBPath:         v.GetString("CATALOG_DB_PATH"),
		CatalogMigrationsPath: v.GetString("CATALOG_MIGRATIONS_PATH"),
		MongoURI:              v.GetString("MONGO_URI"),
		MongoDBName:           v.GetString("MONGO_DB_NAME"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		RedisPassword:         v.GetString("REDIS_PASSWORD"),
		KafkaBrokers:          splitList(v.GetString("KAFKA_BROKERS")),
		PaymentGateway:        strings.ToLower(v.GetString("PAYMENT_GATEWAY")),
		StripeSecretKey:       v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   v.GetString("STRIPE_WEBHOOK_SECRET"),
		FakeCheckoutURL:       v.GetString("FAKE_CHECKOUT_URL"),
		SuccessURL:            v.GetString("CHECKOUT_SUCCESS_URL"),
		CancelURL:             v.GetString("CHECKOUT_CANCEL_URL"),
		Currency:              strings.ToLower(v.GetString("CURRENCY")),
		TaxRate:               taxRate,
		RequestTimeout:        v.GetDuration("REQUEST_TIMEOUT"),
		ShutdownTimeout:       v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.PaymentGateway {
	case GatewayStripe:
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for the stripe gateway")
		}
	case GatewayFake:
		if c.StripeWebhookSecret == "" {
			c.StripeWebhookSecret = "whsec_local"
		}
	default:
		return fmt.Errorf("unknown PAYMENT_GATEWAY %q", c.PaymentGateway)
	}

	if c.TaxRate.IsNegative() {
		return errors.New("PRICING_TAX_RATE must not be negative")
	}
	if c.RequestTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT and SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
