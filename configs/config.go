package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "SEEDNODE_"

type Config struct {
	Backend string // etcd, redis or memory

	Ensemble               string
	DiscoveryURL           string
	DiscoveryValidateCerts bool
	DiscoveryTimeout       time.Duration

	BasePath    string
	ClusterName string

	AuthScheme string
	AuthToken  string

	HostEnvKey string
	PortEnvKey string

	SessionTTL int

	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
	RetryMultiplier  float64
	RetryMaxAttempts int
	BreakerEnabled   bool

	BindHost string
	BindPort int
	NodeName string

	APIPort      string
	APIRateLimit int // requests per minute per client, 0 disables

	LogLevel    string
	LogEncoding string

	TracingEnabled bool
	OTLPEndpoint   string

	AWSRegion string
}

// LoadConfig reads SEEDNODE_* variables. When SEEDNODE_ENV_FILE names a file
// its values are loaded first without overriding the real environment.
func LoadConfig() (*Config, error) {
	if file := os.Getenv(envPrefix + "ENV_FILE"); file != "" {
		if err := godotenv.Load(file); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		Backend: strings.ToLower(getEnv("BACKEND", "etcd")),

		Ensemble:               getEnv("ENSEMBLE", ""),
		DiscoveryURL:           getEnv("DISCOVERY_URL", ""),
		DiscoveryValidateCerts: getEnvAsBool("DISCOVERY_VALIDATE_CERTS", true),
		DiscoveryTimeout:       getEnvAsDuration("DISCOVERY_TIMEOUT", 10*time.Second),

		BasePath:    getEnv("BASE_PATH", "/seednode"),
		ClusterName: getEnv("CLUSTER_NAME", "default"),

		AuthScheme: getEnv("AUTH_SCHEME", ""),
		AuthToken:  getEnv("AUTH_TOKEN", ""),

		HostEnvKey: getEnv("HOST_ENV_KEY", ""),
		PortEnvKey: getEnv("PORT_ENV_KEY", ""),

		SessionTTL: getEnvAsInt("SESSION_TTL", 15),

		RetryInterval:    getEnvAsDuration("RETRY_INTERVAL", time.Second),
		RetryMaxInterval: getEnvAsDuration("RETRY_MAX_INTERVAL", time.Second),
		RetryMultiplier:  getEnvAsFloat("RETRY_MULTIPLIER", 1),
		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 0),
		BreakerEnabled:   getEnvAsBool("BREAKER_ENABLED", false),

		BindHost: getEnv("BIND_HOST", "0.0.0.0"),
		BindPort: getEnvAsInt("BIND_PORT", 7946),
		NodeName: getEnv("NODE_NAME", hostname),

		APIPort:      getEnv("API_PORT", "8080"),
		APIRateLimit: getEnvAsInt("API_RATE_LIMIT", 0),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "json"),

		TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4318"),

		AWSRegion: getRawEnv("AWS_REGION", "us-east-1"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted sensibly.
func (c *Config) Validate() error {
	switch c.Backend {
	case "etcd", "redis", "memory":
	default:
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}
	if c.SessionTTL < 1 {
		return fmt.Errorf("session TTL must be at least 1 second, got %d", c.SessionTTL)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive, got %s", c.RetryInterval)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must not be negative, got %d", c.RetryMaxAttempts)
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("bind port %d out of range", c.BindPort)
	}
	return nil
}

func getEnv(key, fallback string) string {
	return getRawEnv(envPrefix+key, fallback)
}

func getRawEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
