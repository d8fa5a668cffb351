package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"marginloan/crypto"
)

const (
	defaultListen         = ":8085"
	defaultJournalDSN     = "file:marginloand.db"
	defaultKafkaTopic     = "margin.loan.events"
	defaultRequestsPerMin = 120
	defaultBurst          = 20

	// EnvJWTSecret overrides auth.jwt_secret.
	EnvJWTSecret = "MARGINLOAND_JWT_SECRET"
	// EnvJournalDSN overrides journal.dsn.
	EnvJournalDSN = "MARGINLOAND_JOURNAL_DSN"

	// EnvironmentProduction disables the faucet and plaintext listeners on
	// public interfaces.
	EnvironmentProduction = "production"
)

// Config captures the runtime settings for the margin loan daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	Paused        bool            `yaml:"paused"`
	Admin         string          `yaml:"admin"`
	TLS           TLSConfig       `yaml:"tls"`
	State         StateConfig     `yaml:"state"`
	Journal       JournalConfig   `yaml:"journal"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Kafka         KafkaConfig     `yaml:"kafka"`
	Registry      RegistryConfig  `yaml:"registry"`
	Exchange      ExchangeConfig  `yaml:"exchange"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Loans         LoansConfig     `yaml:"loans"`
	CORS          CORSConfig      `yaml:"cors"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// StateConfig locates the loan and custody key/value store. An empty path
// keeps state in memory.
type StateConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig selects the audit journal database. DSNs starting with
// postgres:// or postgresql:// use Postgres; anything else is a SQLite path.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds the bearer token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// RateLimitConfig bounds requests per authenticated caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// KafkaConfig enables the event publisher when brokers are listed.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RegistryConfig maps symbolic endpoint keys to registered endpoint names.
// When RedisAddr is set the mapping is read from a Redis hash instead.
type RegistryConfig struct {
	RedisAddr string            `yaml:"redis_addr"`
	RedisDB   int               `yaml:"redis_db"`
	HashKey   string            `yaml:"hash_key"`
	Static    map[string]string `yaml:"static"`
}

// ExchangeConfig tunes the in-process venue.
type ExchangeConfig struct {
	FeeBps    uint64            `yaml:"fee_bps"`
	Inventory map[string]string `yaml:"inventory"`
}

// OracleConfig tunes the posted rate book.
type OracleConfig struct {
	MaxAgeSeconds uint64            `yaml:"max_age_seconds"`
	Seed          map[string]string `yaml:"seed"`
}

// LogConfig controls level and optional rotated file output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig feeds the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`

	// Attributes are added to the OTLP resource.
	Attributes map[string]string `yaml:"resource_attributes"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoansConfig lists TOML terms files opened at startup when absent from state.
type LoansConfig struct {
	Bootstrap []string `yaml:"bootstrap"`
}

// Load reads the YAML configuration from disk, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) {
	if value, ok := lookup(EnvJWTSecret); ok && strings.TrimSpace(value) != "" {
		cfg.Auth.JWTSecret = value
	}
	if value, ok := lookup(EnvJournalDSN); ok && strings.TrimSpace(value) != "" {
		cfg.Journal.DSN = value
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.Admin = strings.TrimSpace(cfg.Admin)
	cfg.State.Path = strings.TrimSpace(cfg.State.Path)
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = defaultJournalDSN
	}
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	cfg.Kafka.Brokers = trimAll(cfg.Kafka.Brokers)
	cfg.Kafka.Topic = strings.TrimSpace(cfg.Kafka.Topic)
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultKafkaTopic
	}
	cfg.Registry.RedisAddr = strings.TrimSpace(cfg.Registry.RedisAddr)
	cfg.Registry.HashKey = strings.TrimSpace(cfg.Registry.HashKey)
	cfg.Loans.Bootstrap = trimAll(cfg.Loans.Bootstrap)
	cfg.CORS.AllowedOrigins = trimAll(cfg.CORS.AllowedOrigins)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if _, err := cfg.AdminAddress(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.Exchange.FeeBps >= 10_000 {
		return fmt.Errorf("exchange: fee_bps must be below 10000")
	}
	if err := validateAmounts(cfg.Exchange.Inventory); err != nil {
		return fmt.Errorf("exchange inventory: %w", err)
	}
	if err := validateAmounts(cfg.Oracle.Seed); err != nil {
		return fmt.Errorf("oracle seed: %w", err)
	}
	if cfg.Telemetry.SampleRatio < 0 {
		return fmt.Errorf("telemetry: sample_ratio must not be negative")
	}
	return nil
}

// AdminAddress decodes the configured infrastructure admin identity.
func (cfg Config) AdminAddress() (crypto.Address, error) {
	if cfg.Admin == "" {
		return crypto.Address{}, fmt.Errorf("admin address required")
	}
	return crypto.DecodeAddress(cfg.Admin)
}

// Production reports whether the daemon runs in the production environment.
func (cfg Config) Production() bool {
	return cfg.Environment == EnvironmentProduction
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
}

func (cfg AuthConfig) validate() error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required (or set %s)", EnvJWTSecret)
	}
	if len(cfg.JWTSecret) < 16 {
		return fmt.Errorf("jwt_secret must be at least 16 bytes")
	}
	return nil
}

func validateAmounts(values map[string]string) error {
	for asset, raw := range values {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("empty asset")
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", asset, err)
		}
		if amount.IsNegative() {
			return fmt.Errorf("%s: negative amount", asset)
		}
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
