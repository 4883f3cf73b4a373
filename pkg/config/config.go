package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.parley/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8090
// database:
//   driver: sqlite
//   dsn: /var/lib/parley/parley.db
// chat:
//   max_steps: 20
// compression:
//   threshold_tokens: 32000
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Secrets may be supplied through the environment (or a .env file) instead of the file.
type AppConfig struct {
	Server      ServerConfig              `yaml:"server"`
	Log         LogConfig                 `yaml:"log"`
	Database    DatabaseConfig            `yaml:"database"`
	Redis       RedisConfig               `yaml:"redis"`
	Chat        ChatConfig                `yaml:"chat"`
	Compression CompressionConfig         `yaml:"compression"`
	Search      SearchConfig              `yaml:"search"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, mysql
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type ChatConfig struct {
	MaxSteps            *int `yaml:"max_steps"`
	LiteMaxSteps        *int `yaml:"lite_max_steps"`
	TimeoutSeconds      *int `yaml:"timeout_seconds"`
	LiteTimeoutSeconds  *int `yaml:"lite_timeout_seconds"`
	OutputTokenEstimate *int `yaml:"output_token_estimate"`
}

type CompressionConfig struct {
	ThresholdTokens *int `yaml:"threshold_tokens"`
	MaxChars        *int `yaml:"max_chars"`
	CacheTTLHours   *int `yaml:"cache_ttl_hours"`
}

type SearchConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

// ProviderConfig holds platform credentials used by preset models.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

const (
	DefaultHost                = "127.0.0.1"
	DefaultPort                = 8090
	DefaultDriver              = "sqlite"
	DefaultMaxSteps            = 20
	DefaultLiteMaxSteps        = 5
	DefaultTimeoutSeconds      = 120
	DefaultLiteTimeoutSeconds  = 30
	DefaultOutputTokenEstimate = 1000
	DefaultThresholdTokens     = 32000
	DefaultMaxChars            = 48000
	DefaultCacheTTLHours       = 72
	DefaultSearchMaxResults    = 8
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".parley")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.parley/config.yaml and applies environment overrides.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	// Optional .env next to the config file or in the working directory.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))
	_ = godotenv.Load()

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	cfg.applyEnv()

	if strings.TrimSpace(cfg.Host()) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}
	port := cfg.Port()
	if port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}
	switch cfg.DatabaseDriver() {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, "", fmt.Errorf("invalid database.driver %q in %s", cfg.Database.Driver, configFile)
	}

	return cfg, configFile, nil
}

// applyEnv overrides file values with PARLEY_* variables.
func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("PARLEY_PORT")); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = &p
		}
	}
	if v := os.Getenv("PARLEY_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("PARLEY_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("PARLEY_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("PARLEY_SEARCH_API_KEY"); v != "" {
		c.Search.APIKey = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	for _, name := range []string{"openai", "anthropic", "deepseek", "google", "ark", "qwen", "qianfan", "ollama"} {
		key := os.Getenv("PARLEY_" + strings.ToUpper(name) + "_API_KEY")
		if key == "" {
			continue
		}
		if c.Providers == nil {
			c.Providers = map[string]ProviderConfig{}
		}
		p := c.Providers[name]
		p.APIKey = key
		c.Providers[name] = p
	}
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server:   ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
		Database: DatabaseConfig{Driver: DefaultDriver, DSN: filepath.Join(configDir, "parley.db")},
		Chat:     ChatConfig{MaxSteps: ptr(DefaultMaxSteps), LiteMaxSteps: ptr(DefaultLiteMaxSteps)},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) DatabaseDriver() string {
	if c == nil || strings.TrimSpace(c.Database.Driver) == "" {
		return DefaultDriver
	}
	return strings.ToLower(strings.TrimSpace(c.Database.Driver))
}

// DatabaseDSN falls back to ~/.parley/parley.db for sqlite.
func (c *AppConfig) DatabaseDSN() string {
	if c != nil && c.Database.DSN != "" {
		return c.Database.DSN
	}
	dir, _, err := DefaultPaths()
	if err != nil {
		return "parley.db"
	}
	return filepath.Join(dir, "parley.db")
}

func (c *AppConfig) MaxSteps() int {
	if c == nil {
		return DefaultMaxSteps
	}
	return positive(c.Chat.MaxSteps, DefaultMaxSteps)
}

func (c *AppConfig) LiteMaxSteps() int {
	if c == nil {
		return DefaultLiteMaxSteps
	}
	return positive(c.Chat.LiteMaxSteps, DefaultLiteMaxSteps)
}

func (c *AppConfig) ChatTimeout() time.Duration {
	if c == nil {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(positive(c.Chat.TimeoutSeconds, DefaultTimeoutSeconds)) * time.Second
}

func (c *AppConfig) LiteTimeout() time.Duration {
	if c == nil {
		return DefaultLiteTimeoutSeconds * time.Second
	}
	return time.Duration(positive(c.Chat.LiteTimeoutSeconds, DefaultLiteTimeoutSeconds)) * time.Second
}

func (c *AppConfig) OutputTokenEstimate() int {
	if c == nil {
		return DefaultOutputTokenEstimate
	}
	return positive(c.Chat.OutputTokenEstimate, DefaultOutputTokenEstimate)
}

func (c *AppConfig) CompressionThreshold() int {
	if c == nil {
		return DefaultThresholdTokens
	}
	return positive(c.Compression.ThresholdTokens, DefaultThresholdTokens)
}

func (c *AppConfig) CompressionMaxChars() int {
	if c == nil {
		return DefaultMaxChars
	}
	return positive(c.Compression.MaxChars, DefaultMaxChars)
}

func (c *AppConfig) CompressionCacheTTL() time.Duration {
	if c == nil {
		return DefaultCacheTTLHours * time.Hour
	}
	return time.Duration(positive(c.Compression.CacheTTLHours, DefaultCacheTTLHours)) * time.Hour
}

func (c *AppConfig) SearchMaxResults() int {
	if c == nil || c.Search.MaxResults <= 0 {
		return DefaultSearchMaxResults
	}
	return c.Search.MaxResults
}

// Provider returns platform credentials for a provider; zero value if unset.
func (c *AppConfig) Provider(name string) ProviderConfig {
	if c == nil || c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}

func positive(v *int, def int) int {
	if v == nil || *v <= 0 {
		return def
	}
	return *v
}

func ptr[T any](v T) *T { return &v }
