// Package config provides configuration management for Ferry.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server-level configuration loaded from environment variables.
type ServerConfig struct {
	Environment Environment
	DatabaseURL string
	ListenAddr  string

	SessionSecret []byte
	SessionMaxAge int // seconds

	RedisURL          string
	RateLimitRequests int64
	RateLimitPeriod   time.Duration
	CORSOrigins       []string

	SnapshotDir        string
	SnapshotQuotaBytes int64 // 0 disables the quota
	StagingDir         string
	StagingMaxAge      time.Duration
	ProgressInterval   time.Duration

	SSHConnectTimeout  time.Duration
	SSHIdleTimeout     time.Duration
	SSHKnownHosts      string
	SSHInsecureHostKey bool

	Offsite OffsiteConfig
}

// OffsiteConfig configures the optional S3 copy of snapshot archives.
type OffsiteConfig struct {
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// LoadServerConfig reads server configuration from environment variables.
func LoadServerConfig() ServerConfig {
	env := Environment(os.Getenv("ENV"))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}

	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":" + getEnv("PORT", "8080")
	}

	sessionMaxAge := getEnvInt("SESSION_MAX_AGE", 86400)
	if sessionMaxAge < 0 {
		sessionMaxAge = 86400
	}

	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	quota := getEnvInt64("SNAPSHOT_QUOTA_BYTES", 0)
	if quota < 0 {
		quota = 0
	}

	return ServerConfig{
		Environment:        env,
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ListenAddr:         listenAddr,
		SessionSecret:      sessionSecret(os.Getenv("SESSION_SECRET")),
		SessionMaxAge:      sessionMaxAge,
		RedisURL:           os.Getenv("REDIS_URL"),
		RateLimitRequests:  getEnvInt64("RATE_LIMIT_REQUESTS", 100),
		RateLimitPeriod:    getEnvDuration("RATE_LIMIT_PERIOD", time.Minute),
		CORSOrigins:        origins,
		SnapshotDir:        getEnv("SNAPSHOT_DIR", "/var/lib/ferry/snapshots"),
		SnapshotQuotaBytes: quota,
		StagingDir:         getEnv("STAGING_DIR", os.TempDir()),
		StagingMaxAge:      time.Duration(getEnvInt("STAGING_MAX_AGE_HOURS", 24)) * time.Hour,
		ProgressInterval:   time.Duration(getEnvInt("PROGRESS_INTERVAL_MS", 500)) * time.Millisecond,
		SSHConnectTimeout:  getEnvDuration("SSH_CONNECT_TIMEOUT", 30*time.Second),
		SSHIdleTimeout:     getEnvDuration("SSH_IDLE_TIMEOUT", 15*time.Minute),
		SSHKnownHosts:      os.Getenv("SSH_KNOWN_HOSTS"),
		SSHInsecureHostKey: getEnvBool("SSH_INSECURE_HOST_KEY", false),
		Offsite: OffsiteConfig{
			Bucket:    os.Getenv("OFFSITE_S3_BUCKET"),
			Prefix:    os.Getenv("OFFSITE_S3_PREFIX"),
			Endpoint:  os.Getenv("OFFSITE_S3_ENDPOINT"),
			Region:    getEnv("OFFSITE_S3_REGION", "us-east-1"),
			AccessKey: os.Getenv("OFFSITE_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("OFFSITE_S3_SECRET_KEY"),
		},
	}
}

// Validate reports settings the server cannot start with.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.SessionSecret) < 32 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 32 bytes"))
	}
	if c.Environment == EnvProduction && c.SSHInsecureHostKey {
		errs = append(errs, errors.New("SSH_INSECURE_HOST_KEY is not allowed in production"))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the server runs in production.
func (c ServerConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

// sessionSecret decodes a hex secret, falling back to the raw string. An
// empty value yields a random key, which invalidates sessions on restart.
func sessionSecret(v string) []byte {
	if v == "" {
		return securecookie.GenerateRandomKey(32)
	}
	if b, err := hex.DecodeString(v); err == nil && len(b) >= 32 {
		return b
	}
	return []byte(v)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvInt64(key string, defaultVal int64) int64 {
	n, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
