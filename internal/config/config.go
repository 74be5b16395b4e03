// Package config loads the server configuration with Viper.
//
// Values are layered: built-in defaults, then an optional YAML or JSON file,
// then environment variables. Environment variables use the LUMNICODE_ prefix
// (LUMNICODE_SERVER_PORT overrides server.port). A few well-known variables
// such as DATABASE_URL and JWT_SECRET are also accepted without the prefix.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/ratelimit"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Generation GenerationConfig `mapstructure:"generation"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Address returns the listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the PostgreSQL connection URL.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the shared rate-limit backend when URL is set.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// SecretsConfig controls at-rest encryption of provider keys.
type SecretsConfig struct {
	Passphrase string `mapstructure:"passphrase"`
	Salt       string `mapstructure:"salt"`
	Iterations int    `mapstructure:"iterations"`
}

// Enabled reports whether stored secrets are encrypted.
func (s SecretsConfig) Enabled() bool {
	return s.Passphrase != ""
}

// LLMConfig tunes outbound provider calls.
type LLMConfig struct {
	RequestTimeout  time.Duration     `mapstructure:"request_timeout"`
	MaxOutputTokens int               `mapstructure:"max_output_tokens"`
	Models          map[string]string `mapstructure:"models"`
	BaseURLs        map[string]string `mapstructure:"base_urls"`
}

// ClientConfig converts the file form into an llm.Config on top of the built-in table.
// Unknown provider names are rejected.
func (c LLMConfig) ClientConfig() (*llm.Config, error) {
	cfg := llm.DefaultConfig()
	if c.RequestTimeout > 0 {
		cfg.RequestTimeout = c.RequestTimeout
	}
	if c.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = c.MaxOutputTokens
	}
	for name, model := range c.Models {
		p, err := llm.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("llm.models: %w", err)
		}
		cfg.Models[p] = model
	}
	for name, u := range c.BaseURLs {
		p, err := llm.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("llm.base_urls: %w", err)
		}
		cfg.BaseURLs[p] = u
	}
	return cfg, nil
}

// GenerationConfig tunes the project generation pipeline.
type GenerationConfig struct {
	FileDelay     time.Duration `mapstructure:"file_delay"`
	MaxFiles      int           `mapstructure:"max_files"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RateLimitConfig holds per-client HTTP rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DefaultLimit  int           `mapstructure:"default_limit"`
	DefaultWindow time.Duration `mapstructure:"default_window"`
	Whitelist     string        `mapstructure:"whitelist"`
	Blacklist     string        `mapstructure:"blacklist"`
}

// LimiterConfig builds the ratelimit configuration with the default endpoint tiers.
func (c RateLimitConfig) LimiterConfig() *ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.DefaultLimit > 0 {
		cfg.DefaultLimit = c.DefaultLimit
	}
	if c.DefaultWindow > 0 {
		cfg.DefaultWindow = c.DefaultWindow
	}
	cfg.Whitelist = ratelimit.ParseIPList(c.Whitelist)
	cfg.Blacklist = ratelimit.ParseIPList(c.Blacklist)
	return cfg
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig toggles the /metrics endpoint.
type TelemetryConfig struct {
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

var boundKeys = []string{
	"server.host",
	"server.port",
	"server.read_timeout",
	"server.write_timeout",
	"server.shutdown_timeout",
	"server.cors_origins",

	"database.url",
	"redis.url",

	"auth.jwt_secret",
	"auth.jwks_url",
	"auth.issuer",
	"auth.audience",

	"secrets.passphrase",
	"secrets.salt",
	"secrets.iterations",

	"llm.request_timeout",
	"llm.max_output_tokens",

	"generation.file_delay",
	"generation.max_files",
	"generation.session_ttl",
	"generation.sweep_interval",

	"ratelimit.enabled",
	"ratelimit.default_limit",
	"ratelimit.default_window",
	"ratelimit.whitelist",
	"ratelimit.blacklist",

	"logging.level",
	"logging.format",

	"telemetry.metrics_enabled",
}

// Unprefixed variables commonly injected by hosting platforms.
var aliases = map[string]string{
	"database.url":       "DATABASE_URL",
	"redis.url":          "REDIS_URL",
	"auth.jwt_secret":    "JWT_SECRET",
	"auth.jwks_url":      "CLERK_JWKS_URL",
	"auth.issuer":        "CLERK_ISSUER",
	"secrets.passphrase": "SECRETS_KEY",
	"server.port":        "PORT",
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	for _, key := range boundKeys {
		envs := []string{key, "LUMNICODE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
		if alias, ok := aliases[key]; ok {
			envs = append(envs, alias)
		}
		if err := v.BindEnv(envs...); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from an optional file and the environment.
// It does not call Validate; callers validate for the command they run.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("lumnicode")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LUMNICODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Auth.normalize()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetDefault("secrets.iterations", 100000)

	v.SetDefault("llm.request_timeout", llm.DefaultRequestTimeout.String())
	v.SetDefault("llm.max_output_tokens", llm.DefaultMaxOutputTokens)

	v.SetDefault("generation.file_delay", "500ms")
	v.SetDefault("generation.max_files", 50)
	v.SetDefault("generation.session_ttl", "1h")
	v.SetDefault("generation.sweep_interval", "5m")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_limit", 1000)
	v.SetDefault("ratelimit.default_window", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics_enabled", true)
}

// Validate checks the settings needed to serve traffic.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if c.Secrets.Enabled() && len(c.Secrets.Salt) < 16 {
		return fmt.Errorf("secrets.salt must be at least 16 characters when secrets.passphrase is set")
	}
	if c.Generation.MaxFiles < 1 {
		return fmt.Errorf("generation.max_files must be at least 1, got: %d", c.Generation.MaxFiles)
	}
	if c.Generation.FileDelay < 0 {
		return fmt.Errorf("generation.file_delay cannot be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	if _, err := c.LLM.ClientConfig(); err != nil {
		return err
	}
	return nil
}
