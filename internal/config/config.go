package config

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config centralises runtime configuration.
type Config struct {
	HTTPPort        string   `env:"HTTP_PORT"`
	AllowedOrigins  []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	ReadTimeoutSec  int      `env:"HTTP_READ_TIMEOUT" envDefault:"15"`
	WriteTimeoutSec int      `env:"HTTP_WRITE_TIMEOUT" envDefault:"15"`
	IdleTimeoutSec  int      `env:"HTTP_IDLE_TIMEOUT" envDefault:"60"`

	StorageDriver    string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL      string
	DatabaseMaxConns int32 `env:"DATABASE_MAX_CONNS" envDefault:"0"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"product-registry"`
	JWTExpiry time.Duration `env:"JWT_EXPIRY" envDefault:"12h"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Relay RelayConfig

	StreamBufferSize       int `env:"STREAM_BUFFER_SIZE" envDefault:"64"`
	QueryMaxPageSize       int `env:"QUERY_MAX_PAGE_SIZE" envDefault:"100"`
	CommandConflictRetries int `env:"COMMAND_CONFLICT_RETRIES" envDefault:"3"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"product-events"`
}

// RelayConfig tunes the outbox relay.
type RelayConfig struct {
	Workers        int           `env:"RELAY_WORKERS" envDefault:"2"`
	BatchSize      int           `env:"RELAY_BATCH_SIZE" envDefault:"50"`
	PollInterval   time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"500ms"`
	Lease          time.Duration `env:"RELAY_LEASE" envDefault:"30s"`
	BackoffInitial time.Duration `env:"RELAY_BACKOFF_INITIAL" envDefault:"500ms"`
	BackoffMax     time.Duration `env:"RELAY_BACKOFF_MAX" envDefault:"1m"`
	PoolSize       int           `env:"RELAY_POOL_SIZE" envDefault:"8"`
}

// KafkaEnabled reports whether a downstream Kafka sink is configured.
func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// Load reads .env, then the environment, and validates the result.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = firstNonEmpty(os.Getenv("PORT"), "8080")
	}
	cfg.AllowedOrigins = splitCSV(strings.Join(cfg.AllowedOrigins, ","))
	cfg.KafkaBrokers = cleanList(cfg.KafkaBrokers)
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if cfg.StorageDriver == DriverPostgres {
		cfg.DatabaseURL = resolveDatabaseURL()
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.StorageDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database configuration missing: provide DATABASE_URL or PG* env vars"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StorageDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	for name, v := range map[string]int{
		"RELAY_WORKERS":       c.Relay.Workers,
		"RELAY_BATCH_SIZE":    c.Relay.BatchSize,
		"RELAY_POOL_SIZE":     c.Relay.PoolSize,
		"STREAM_BUFFER_SIZE":  c.StreamBufferSize,
		"QUERY_MAX_PAGE_SIZE": c.QueryMaxPageSize,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", name))
		}
	}
	if c.CommandConflictRetries < 0 {
		errs = append(errs, errors.New("COMMAND_CONFLICT_RETRIES must not be negative"))
	}
	if c.Relay.BackoffMax < c.Relay.BackoffInitial {
		errs = append(errs, errors.New("RELAY_BACKOFF_MAX must not be below RELAY_BACKOFF_INITIAL"))
	}
	return errors.Join(errs...)
}

func splitCSV(value string) []string {
	parts := cleanList(strings.Split(value, ","))
	if len(parts) == 0 {
		return []string{"*"}
	}
	return parts
}

func cleanList(values []string) []string {
	parts := []string{}
	for _, part := range values {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func resolveDatabaseURL() string {
	for _, key := range []string{
		"DATABASE_URL",
		"DATABASE_PUBLIC_URL",
		"DATABASE_INTERNAL_URL",
		"DATABASE_EXTERNAL_URL",
		"DATABASE_URL_NO_SSL",
		"DATABASE_DIRECT_URL",
		"POSTGRES_URL",
		"PGURL",
		"RAILWAY_DATABASE_URL",
		"RAILWAY_PUBLIC_URL",
	} {
		if url := os.Getenv(key); url != "" {
			if coerced := coerceDatabaseURL(url); coerced != "" {
				return coerced
			}
		}
	}

	for _, key := range []string{"DATABASE_URL_FILE", "PGURL_FILE"} {
		if urlFromFile := readEnvFile(key); urlFromFile != "" {
			if coerced := coerceDatabaseURL(urlFromFile); coerced != "" {
				return coerced
			}
		}
	}

	host := firstNonEmpty(
		os.Getenv("PGHOST"),
		os.Getenv("POSTGRES_HOST"),
		os.Getenv("POSTGRESQL_ADDON_HOST"),
		os.Getenv("DATABASE_HOST"),
		os.Getenv("RAILWAY_TCP_PROXY_DOMAIN"),
		os.Getenv("RAILWAY_PRIVATE_DOMAIN"),
	)
	user := firstNonEmpty(
		os.Getenv("PGUSER"),
		os.Getenv("POSTGRES_USER"),
		os.Getenv("POSTGRESQL_ADDON_USER"),
		os.Getenv("DATABASE_USERNAME"),
		os.Getenv("DATABASE_USER"),
	)
	if user == "" {
		if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
			user = dbUser
		}
	}
	password := firstNonEmpty(
		os.Getenv("PGPASSWORD"),
		os.Getenv("POSTGRES_PASSWORD"),
		os.Getenv("POSTGRESQL_ADDON_PASSWORD"),
		os.Getenv("DATABASE_PASSWORD"),
	)
	if password == "" {
		password = os.Getenv("DATABASE_PASSWORD")
	}
	database := firstNonEmpty(
		os.Getenv("PGDATABASE"),
		os.Getenv("POSTGRES_DB"),
		os.Getenv("POSTGRES_DATABASE"),
		os.Getenv("POSTGRESQL_ADDON_DB"),
		os.Getenv("DATABASE_NAME"),
	)
	port := firstNonEmpty(
		os.Getenv("PGPORT"),
		os.Getenv("POSTGRES_PORT"),
		os.Getenv("POSTGRESQL_ADDON_PORT"),
		os.Getenv("DATABASE_PORT"),
		os.Getenv("RAILWAY_TCP_PROXY_PORT"),
	)
	if port == "" {
		port = "5432"
	}
	sslMode := firstNonEmpty(
		os.Getenv("PGSSLMODE"),
		os.Getenv("PGSSL_MODE"),
		os.Getenv("PGSSL"),
		os.Getenv("POSTGRES_SSL_MODE"),
		"require",
	)

	if database == "" {
		database = firstNonEmpty(user, "postgres")
	}

	dsn := &neturl.URL{
		Scheme: "postgres",
		Path:   "/" + database,
	}

	// Allow host to be empty only if we previously returned.
	if host == "" {
		return ""
	}
	dsn.Host = net.JoinHostPort(host, port)

	if user == "" {
		return ""
	}
	dsn.User = neturl.User(user)
	if password != "" {
		dsn.User = neturl.UserPassword(user, password)
	}

	query := dsn.Query()
	if sslMode != "" && query.Get("sslmode") == "" {
		query.Set("sslmode", sslMode)
	}
	dsn.RawQuery = query.Encode()

	return normalisePostgresScheme(dsn.String())
}

func normalisePostgresScheme(url string) string {
	if strings.HasPrefix(url, "postgresql://") {
		return "postgres://" + strings.TrimPrefix(url, "postgresql://")
	}
	return url
}

func coerceDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://") {
		return normalisePostgresScheme(raw)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func readEnvFile(key string) string {
	path := os.Getenv(key)
	if path == "" {
		return ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func loadDotEnv(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf(".env line %d: missing '='", lineNum)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "" {
			return fmt.Errorf(".env line %d: empty key", lineNum)
		}

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf(".env line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}
