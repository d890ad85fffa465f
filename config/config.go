package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates all runtime settings required by the agreement API.
type Config struct {
	AppName     string
	Environment string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Blob        BlobConfig
	Audit       AuditConfig
	Logger      LoggerConfig
	Migrations  MigrationsConfig
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxUploadBytes bounds multipart bodies; the document limit itself is enforced by content.
	MaxUploadBytes int64
}

type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
}

// RedisConfig configures the advisory agreement number registry. An empty URL
// falls back to checking the agreements table.
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

type JWTConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

type BlobConfig struct {
	Path   string
	Bucket string
}

type AuditConfig struct {
	IPLookupURL string
	Timeout     time.Duration
}

type LoggerConfig struct {
	Level    string
	Encoding string
}

type MigrationsConfig struct {
	Enabled bool
}

// Load reads configuration from environment variables, optionally seeded from
// envFile. A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	cfg := &Config{
		AppName:     getString("APP_NAME", "agreementflow"),
		Environment: getString("APP_ENV", "development"),
		HTTP: HTTPConfig{
			Addr:            getString("HTTP_ADDR", ":8080"),
			ReadTimeout:     getDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
			MaxUploadBytes:  int64(getInt("HTTP_MAX_UPLOAD_BYTES", 6<<20)),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxConns:        getInt("DB_MAX_CONNS", 10),
			MinConns:        getInt("DB_MIN_CONNS", 1),
			MaxConnLifetime: getDuration("DB_CONN_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			KeyPrefix: getString("REDIS_KEY_PREFIX", "agreement-number:"),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
			Issuer: getString("JWT_ISSUER", "agreementflow"),
			TTL:    getDuration("JWT_TTL", 24*time.Hour),
		},
		Blob: BlobConfig{
			Path:   getString("BLOB_PATH", "./data/blobs.db"),
			Bucket: getString("BLOB_BUCKET", "blobs"),
		},
		Audit: AuditConfig{
			IPLookupURL: os.Getenv("AUDIT_IP_LOOKUP_URL"),
			Timeout:     getDuration("AUDIT_IP_LOOKUP_TIMEOUT", 2*time.Second),
		},
		Logger: LoggerConfig{
			Level:    getString("LOG_LEVEL", "info"),
			Encoding: getString("LOG_ENCODING", "json"),
		},
		Migrations: MigrationsConfig{
			Enabled: getBool("RUN_MIGRATIONS", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.JWT.TTL <= 0 {
		return fmt.Errorf("config: JWT_TTL must be positive")
	}
	return nil
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}
