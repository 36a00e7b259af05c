package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/hashicorp/go-multierror"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig  BasicConfig               `json:"basic_config"`
	Chat         ChatConfig                `json:"chat"`
	Providers    map[string]ProviderConfig `json:"providers"`
	Reddit       RedditConfig              `json:"reddit"`
	Quota        QuotaConfig               `json:"quota"`
	Conversation ConversationConfig        `json:"conversation"`
	Databases    map[string]DatabaseConfig `json:"databases"`
	Redis        RedisConfig               `json:"redis"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// Database selects the entry of Databases used for orders and the sql quota backend.
	Database      string `json:"database"`
	SweepSchedule string `json:"sweep_schedule"`
	// OrderTTL is in minutes.
	OrderTTL int `json:"order_ttl"`
}

type ChatConfig struct {
	Provider string `json:"provider"`
	// TypingDelayMs spaces out per-rune delivery; 0 forwards provider fragments as-is.
	TypingDelayMs int `json:"typing_delay_ms"`
}

type RedditConfig struct {
	BaseURL           string `json:"base_url"`
	UserAgent         string `json:"user_agent"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	IncludeReplies    bool   `json:"include_replies"`
	RequestsPerMinute int    `json:"requests_per_minute"`
}

type QuotaConfig struct {
	Backend    string `json:"backend"`
	FilePath   string `json:"file_path"`
	DailyLimit int    `json:"daily_limit"`
	// DayPolicy is "local", "utc" or an IANA zone name.
	DayPolicy string `json:"day_policy"`
}

type ConversationConfig struct {
	Backend    string `json:"backend"`
	TTLMinutes int    `json:"ttl_minutes"`
	MaxEntries int    `json:"max_entries"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// envOverrides carries secrets and deployment knobs that usually come from the environment.
type envOverrides struct {
	ServerAddress   string `env:"REDDITCHAT_ADDR"`
	Database        string `env:"REDDITCHAT_DB"`
	Provider        string `env:"REDDITCHAT_PROVIDER"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	OpenAIModel     string `env:"OPENAI_MODEL"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
}

const (
	QuotaBackendSQL  = "sql"
	QuotaBackendFile = "file"

	ConversationBackendMemory = "memory"
	ConversationBackendRedis  = "redis"
)

var knownProviders = []string{"openai", "claude", "gemini", "openai_compat"}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file yields the defaults; environment overrides are applied either way.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := &Config{}
	file, err := os.Open(absPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		absPath = ""
	case err != nil:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	default:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if absPath != "" {
		cfg.resolvePaths(filepath.Dir(absPath))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	if o.ServerAddress != "" {
		c.BasicConfig.ServerAddress = o.ServerAddress
	}
	if o.Database != "" {
		c.BasicConfig.Database = o.Database
	}
	if o.Provider != "" {
		c.Chat.Provider = o.Provider
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for _, name := range []string{"openai", "openai_compat"} {
		p := c.Providers[name]
		if o.OpenAIAPIKey != "" && p.APIKey == "" {
			p.APIKey = o.OpenAIAPIKey
		}
		if o.OpenAIBaseURL != "" {
			p.BaseURL = o.OpenAIBaseURL
		}
		if o.OpenAIModel != "" {
			p.Model = o.OpenAIModel
		}
		c.Providers[name] = p
	}
	if o.AnthropicAPIKey != "" {
		p := c.Providers["claude"]
		p.APIKey = o.AnthropicAPIKey
		c.Providers["claude"] = p
	}
	if o.GeminiAPIKey != "" {
		p := c.Providers["gemini"]
		p.APIKey = o.GeminiAPIKey
		c.Providers["gemini"] = p
	}
	if o.RedisPassword != "" {
		c.Redis.Password = o.RedisPassword
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = "sqlite3"
	}
	if c.BasicConfig.SweepSchedule == "" {
		c.BasicConfig.SweepSchedule = "@every 5m"
	}
	if c.BasicConfig.OrderTTL <= 0 {
		c.BasicConfig.OrderTTL = 30
	}
	if c.Chat.Provider == "" {
		c.Chat.Provider = "openai"
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if p := c.Providers["openai"]; p.Model == "" {
		p.Model = "gpt-3.5-turbo"
		c.Providers["openai"] = p
	}
	if c.Reddit.BaseURL == "" {
		c.Reddit.BaseURL = "https://www.reddit.com"
	}
	if c.Reddit.UserAgent == "" {
		c.Reddit.UserAgent = "redditchat/1.0 (community digest)"
	}
	if c.Reddit.TimeoutSeconds <= 0 {
		c.Reddit.TimeoutSeconds = 10
	}
	if c.Reddit.RequestsPerMinute <= 0 {
		c.Reddit.RequestsPerMinute = 60
	}
	if c.Quota.Backend == "" {
		c.Quota.Backend = QuotaBackendSQL
	}
	if c.Quota.FilePath == "" {
		c.Quota.FilePath = filepath.Join("data", "message_counts.json")
	}
	if c.Quota.DailyLimit <= 0 {
		c.Quota.DailyLimit = 10
	}
	if c.Quota.DayPolicy == "" {
		c.Quota.DayPolicy = "local"
	}
	if c.Conversation.Backend == "" {
		c.Conversation.Backend = ConversationBackendMemory
	}
	if c.Conversation.TTLMinutes <= 0 {
		c.Conversation.TTLMinutes = 24 * 60
	}
	if c.Conversation.MaxEntries <= 0 {
		c.Conversation.MaxEntries = 10000
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if db, ok := c.Databases["sqlite3"]; !ok || db.DSN == "" {
		db.DSN = filepath.Join("data", "redditchat.db")
		c.Databases["sqlite3"] = db
	}
}

func (c *Config) resolvePaths(base string) {
	if !filepath.IsAbs(c.Quota.FilePath) {
		c.Quota.FilePath = filepath.Join(base, c.Quota.FilePath)
	}
	for _, name := range []string{"sqlite", "sqlite3"} {
		db, ok := c.Databases[name]
		if !ok || db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(base, db.DSN)
			c.Databases[name] = db
		}
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Quota.Backend {
	case QuotaBackendSQL, QuotaBackendFile:
	default:
		result = multierror.Append(result, fmt.Errorf("quota.backend %q must be %q or %q", c.Quota.Backend, QuotaBackendSQL, QuotaBackendFile))
	}
	switch c.Conversation.Backend {
	case ConversationBackendMemory, ConversationBackendRedis:
	default:
		result = multierror.Append(result, fmt.Errorf("conversation.backend %q must be %q or %q", c.Conversation.Backend, ConversationBackendMemory, ConversationBackendRedis))
	}
	if _, err := c.DayLocation(); err != nil {
		result = multierror.Append(result, err)
	}
	if !isKnownProvider(c.Chat.Provider) {
		result = multierror.Append(result, fmt.Errorf("chat.provider %q must be one of %s", c.Chat.Provider, strings.Join(knownProviders, ", ")))
	}
	// orders always live in the database, quota records only with the sql backend
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		result = multierror.Append(result, fmt.Errorf("database config for %s not found", c.BasicConfig.Database))
	}
	if c.Chat.TypingDelayMs < 0 {
		result = multierror.Append(result, errors.New("chat.typing_delay_ms cannot be negative"))
	}
	return result.ErrorOrNil()
}

// DayLocation resolves the quota day policy into a time zone.
func (c *Config) DayLocation() (*time.Location, error) {
	switch strings.ToLower(strings.TrimSpace(c.Quota.DayPolicy)) {
	case "", "local":
		return time.Local, nil
	case "utc":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Quota.DayPolicy)
	if err != nil {
		return nil, fmt.Errorf("quota.day_policy %q: %w", c.Quota.DayPolicy, err)
	}
	return loc, nil
}

// ActiveProvider returns the provider name and its settings.
func (c *Config) ActiveProvider() (string, ProviderConfig) {
	return c.Chat.Provider, c.Providers[c.Chat.Provider]
}

func isKnownProvider(name string) bool {
	for _, p := range knownProviders {
		if p == name {
			return true
		}
	}
	return false
}
