// Package config resolves service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// LLM auth environment variables. The OAuth token takes precedence over the
// static API key when both are set.
const (
	EnvLLMAuthToken = "ANTHROPIC_AUTH_TOKEN"
	EnvLLMAPIKey    = "ANTHROPIC_API_KEY"
)

// Config is the resolved service configuration.
type Config struct {
	HTTPPort string

	Database DatabaseConfig
	Sandbox  SandboxConfig
	LLM      LLMConfig
	Artifact ArtifactConfig

	// MaxConcurrentBuilds bounds builds running on this node.
	MaxConcurrentBuilds int

	// DisableDesignResearch skips the web-search design research call for UI
	// projects.
	DisableDesignResearch bool
}

// DatabaseConfig holds Postgres settings. An empty Host selects the
// in-memory store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Enabled reports whether a Postgres store is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// SandboxConfig holds remote sandbox provider settings.
type SandboxConfig struct {
	APIURL         string
	APIKey         string
	Template       string
	TimeoutSeconds int
}

// LLMConfig holds model transport settings.
type LLMConfig struct {
	AuthToken string // OAuth token, preferred
	APIKey    string // static key fallback
	Model     string
}

// ArtifactConfig holds object-store settings. An empty Bucket selects the
// in-memory store.
type ArtifactConfig struct {
	Bucket string
	Region string
}

// Load resolves configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		Database: DatabaseConfig{
			Host:            os.Getenv("DB_HOST"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "forge"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnv("DB_NAME", "forge"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Sandbox: SandboxConfig{
			APIURL:         os.Getenv("SANDBOX_API_URL"),
			APIKey:         os.Getenv("SANDBOX_API_KEY"),
			Template:       getEnv("SANDBOX_TEMPLATE", "base"),
			TimeoutSeconds: getEnvInt("SANDBOX_TIMEOUT_SECONDS", 1200),
		},
		LLM: LLMConfig{
			AuthToken: os.Getenv(EnvLLMAuthToken),
			APIKey:    os.Getenv(EnvLLMAPIKey),
			Model:     getEnv("FORGE_MODEL", "claude-sonnet-4-5"),
		},
		Artifact: ArtifactConfig{
			Bucket: os.Getenv("ARTIFACT_BUCKET"),
			Region: os.Getenv("AWS_REGION"),
		},
		MaxConcurrentBuilds:   getEnvInt("MAX_CONCURRENT_BUILDS", 10),
		DisableDesignResearch: getEnvBool("DISABLE_DESIGN_RESEARCH", false),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings a build cannot run without.
func (c *Config) Validate() error {
	if c.LLM.AuthToken == "" && c.LLM.APIKey == "" {
		return fmt.Errorf("config: %s or %s is required", EnvLLMAuthToken, EnvLLMAPIKey)
	}
	if c.Sandbox.APIURL == "" {
		return errors.New("config: SANDBOX_API_URL is required")
	}
	if c.Sandbox.APIKey == "" {
		return errors.New("config: SANDBOX_API_KEY is required")
	}
	if c.MaxConcurrentBuilds < 1 {
		return errors.New("config: MAX_CONCURRENT_BUILDS must be positive")
	}
	if c.Database.Enabled() && c.Database.Port <= 0 {
		return errors.New("config: DB_PORT must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
