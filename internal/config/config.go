// Package config provides configuration for the relay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xiaot623/gogo/internal/auth"
)

// Config holds the relay configuration.
type Config struct {
	// Server settings
	WSPort   int // External WebSocket port
	HTTPPort int // Internal HTTP port for /health, /metrics and run replay

	// Auth settings
	JWTSecret string            // HS256 secret for bearer tokens
	JWTExpiry time.Duration     // Lifetime of tokens minted by the CLI helper
	APIKeys   map[string]string // Static API key -> user id

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	SendTimeout    time.Duration
	InboundRate    float64
	InboundBurst   int

	// Database
	DatabaseURL string

	// Run execution
	AgentTimeout    time.Duration // Run deadline
	ToolTimeout     time.Duration
	MaxSteps        int
	MaxToolRetries  int
	RetryBackoff    time.Duration
	FailOnToolError bool
	DefaultAgent    string
	ResultCacheSize int
	PolicyFile      string

	// Agents
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	RemoteAgents  string // name=url,name=url

	// Observability
	LogLevel     string
	LogFormat    string
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from the environment and, when path is set, a
// YAML file. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	keys, err := auth.ParseAPIKeys(v.GetString("API_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("API_KEYS: %w", err)
	}

	cfg := &Config{
		WSPort:          v.GetInt("WS_PORT"),
		HTTPPort:        v.GetInt("HTTP_PORT"),
		JWTSecret:       v.GetString("JWT_SECRET"),
		JWTExpiry:       millis(v, "JWT_EXPIRY_MS"),
		APIKeys:         keys,
		PingInterval:    millis(v, "WS_PING_INTERVAL_MS"),
		WriteTimeout:    millis(v, "WS_WRITE_TIMEOUT_MS"),
		ReadTimeout:     millis(v, "WS_READ_TIMEOUT_MS"),
		MaxMessageSize:  v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		SendQueueSize:   v.GetInt("WS_SEND_QUEUE_SIZE"),
		SendTimeout:     millis(v, "WS_SEND_TIMEOUT_MS"),
		InboundRate:     v.GetFloat64("INBOUND_RATE_PER_SEC"),
		InboundBurst:    v.GetInt("INBOUND_BURST"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		AgentTimeout:    millis(v, "AGENT_TIMEOUT_MS"),
		ToolTimeout:     millis(v, "TOOL_TIMEOUT_MS"),
		MaxSteps:        v.GetInt("MAX_STEPS"),
		MaxToolRetries:  v.GetInt("MAX_TOOL_RETRIES"),
		RetryBackoff:    millis(v, "RETRY_BACKOFF_MS"),
		FailOnToolError: v.GetBool("FAIL_ON_TOOL_ERROR"),
		DefaultAgent:    v.GetString("DEFAULT_AGENT"),
		ResultCacheSize: v.GetInt("RESULT_CACHE_SIZE"),
		PolicyFile:      v.GetString("POLICY_FILE"),
		OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:   v.GetString("OPENAI_BASE_URL"),
		OpenAIModel:     v.GetString("OPENAI_MODEL"),
		RemoteAgents:    v.GetString("REMOTE_AGENTS"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFormat:       v.GetString("LOG_FORMAT"),
		OTLPEndpoint:    v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:     v.GetString("OTEL_SERVICE_NAME"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("WS_PORT", 8090)
	v.SetDefault("HTTP_PORT", 8091)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_EXPIRY_MS", 24*60*60*1000)
	v.SetDefault("API_KEYS", "")
	v.SetDefault("WS_PING_INTERVAL_MS", 30000)
	v.SetDefault("WS_WRITE_TIMEOUT_MS", 10000)
	v.SetDefault("WS_READ_TIMEOUT_MS", 60000)
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 65536)
	v.SetDefault("WS_SEND_QUEUE_SIZE", 256)
	v.SetDefault("WS_SEND_TIMEOUT_MS", 2000)
	v.SetDefault("INBOUND_RATE_PER_SEC", 10.0)
	v.SetDefault("INBOUND_BURST", 20)
	v.SetDefault("DATABASE_URL", "file:relay.db?cache=shared&mode=rwc")
	v.SetDefault("AGENT_TIMEOUT_MS", 300000)
	v.SetDefault("TOOL_TIMEOUT_MS", 30000)
	v.SetDefault("MAX_STEPS", 16)
	v.SetDefault("MAX_TOOL_RETRIES", 2)
	v.SetDefault("RETRY_BACKOFF_MS", 100)
	v.SetDefault("FAIL_ON_TOOL_ERROR", true)
	v.SetDefault("DEFAULT_AGENT", "advisor")
	v.SetDefault("RESULT_CACHE_SIZE", 1024)
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("OPENAI_MODEL", "")
	v.SetDefault("REMOTE_AGENTS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "gogo-relay")
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{"WS_PORT": c.WSPort, "HTTP_PORT": c.HTTPPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be a valid port, got %d", name, port))
		}
	}
	for name, d := range map[string]time.Duration{
		"WS_PING_INTERVAL_MS": c.PingInterval,
		"WS_WRITE_TIMEOUT_MS": c.WriteTimeout,
		"WS_READ_TIMEOUT_MS":  c.ReadTimeout,
		"WS_SEND_TIMEOUT_MS":  c.SendTimeout,
		"AGENT_TIMEOUT_MS":    c.AgentTimeout,
		"TOOL_TIMEOUT_MS":     c.ToolTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.PingInterval >= c.ReadTimeout && c.ReadTimeout > 0 {
		errs = append(errs, errors.New("WS_PING_INTERVAL_MS must be shorter than WS_READ_TIMEOUT_MS"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_SIZE must be positive"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("WS_SEND_QUEUE_SIZE must be positive"))
	}
	if c.InboundRate <= 0 || c.InboundBurst <= 0 {
		errs = append(errs, errors.New("INBOUND_RATE_PER_SEC and INBOUND_BURST must be positive"))
	}
	if c.MaxSteps <= 0 {
		errs = append(errs, errors.New("MAX_STEPS must be positive"))
	}
	if c.MaxToolRetries < 0 {
		errs = append(errs, errors.New("MAX_TOOL_RETRIES must not be negative"))
	}
	if c.JWTSecret == "" && len(c.APIKeys) == 0 {
		errs = append(errs, errors.New("one of JWT_SECRET or API_KEYS is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
