// Package config builds the typed runtime configuration from environment
// variables once at startup. Values that may be mutated at runtime (timezone,
// retention defaults, search ordering) live in the settings table instead.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the complete startup configuration.
type Config struct {
	Server    ServerConfig
	Ingest    IngestConfig
	Protocols ProtocolConfig
	Retention RetentionConfig
	Auth      AuthConfig

	// DataDir is the root data directory holding databases/, logs/ and backups/.
	DataDir string

	// Timezone is the display timezone default; stored into settings on first run.
	Timezone string

	// Env is the deployment environment ("production" tightens validation).
	Env string
}

// ServerConfig covers the HTTP/WebSocket API listener.
type ServerConfig struct {
	Port        string
	UseHTTPS    bool
	SSLKeyPath  string
	SSLCertPath string

	// IngestRPS / IngestBurst shape the token bucket in front of the open
	// /log endpoint. Requests beyond the bucket get 429.
	IngestRPS   int
	IngestBurst int
}

// AuthConfig covers the bootstrap admin account and token signing.
type AuthConfig struct {
	// AdminPassword bootstraps the default admin user. Required in production.
	AdminPassword string

	// JWTSecret signs session tokens. Required in production unless
	// AllowDevSecret permits an ephemeral secret.
	JWTSecret      string
	AllowDevSecret bool

	TokenTTL   time.Duration
	SessionTTL time.Duration
}

// Load reads the full configuration from the environment.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			UseHTTPS:    getBool("USE_HTTPS", false),
			SSLKeyPath:  os.Getenv("SSL_KEY_PATH"),
			SSLCertPath: os.Getenv("SSL_CERT_PATH"),
			IngestRPS:   getInt("INGEST_RATE_LIMIT", 1000),
			IngestBurst: getInt("INGEST_RATE_BURST", 2000),
		},
		Ingest:    LoadIngestConfig(),
		Protocols: LoadProtocolConfig(),
		Retention: LoadRetentionConfig(),
		Auth: AuthConfig{
			AdminPassword:  os.Getenv("AUTH_PASSWORD"),
			JWTSecret:      os.Getenv("JWT_SECRET"),
			AllowDevSecret: getBool("ALLOW_DEV_SECRET", false),
			TokenTTL:       getDuration("TOKEN_TTL", 24*time.Hour),
			SessionTTL:     getDuration("SESSION_TTL", 24*time.Hour),
		},
		DataDir:  getEnv("DATA_DIR", "./data"),
		Timezone: getEnv("TIMEZONE", "UTC"),
		Env:      getEnv("ENV", "development"),
	}
}

// Production reports whether the deployment environment is production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
