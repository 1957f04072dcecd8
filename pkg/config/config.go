// Package config defines the service configuration, loaded from YAML with
// environment variable expansion and env-only overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort            = 8000
	DefaultRateLimit       = "600/h"
	DefaultSessionTTL      = time.Hour
	DefaultMaxArtifacts    = 32
	DefaultMaxArtifactLen  = 200_000
	DefaultMaxSubQuestions = 5
	DefaultMaxIterations   = 3
	DefaultMaxParallel     = 5
	DefaultSubTimeout      = 60 * time.Second
	DefaultToolTimeout     = 30 * time.Second
	DefaultLeakWindow      = 200
	DefaultLeakInterval    = 50
	DefaultLeakSlopeMB     = 0.1
	DefaultSoftLimitMB     = 450
	DefaultCacheEntries    = 50
	DefaultCacheTTL        = 10 * time.Minute
	DefaultSearchEndpoint  = "https://google.serper.dev/search"
	DefaultPromptsDir      = "prompts"
)

// Config is the root configuration for the service.
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Logger   LoggerConfig      `yaml:"logger"`
	Models   ModelsConfig      `yaml:"models"`
	Session  SessionConfig     `yaml:"session"`
	Prompts  PromptsConfig     `yaml:"prompts"`
	Search   SearchConfig      `yaml:"search"`
	Browser  BrowserConfig     `yaml:"browser"`
	Research ResearchConfig    `yaml:"research"`
	Guards   GuardsConfig      `yaml:"guards"`
	MCP      []MCPServerConfig `yaml:"mcp_servers"`
}

// ServerConfig controls the HTTP listener and per-client limits.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AuthToken       string        `yaml:"auth_token"` // env: FINGPT_API_KEY
	RateLimit       string        `yaml:"rate_limit"` // "N/unit", unit in s|m|h|d
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	File   string `yaml:"file"`
}

// ModelsConfig names the model aliases used when a request does not pick one.
type ModelsConfig struct {
	Default  string `yaml:"default"`
	Research string `yaml:"research"`
}

// SessionConfig controls the session context store. RedisAddr empty means
// the in-process store is used.
type SessionConfig struct {
	TTL                 time.Duration `yaml:"ttl"`
	MaxArtifactsPerKind int           `yaml:"max_artifacts_per_kind"`
	MaxArtifactChars    int           `yaml:"max_artifact_chars"`
	RedisAddr           string        `yaml:"redis_addr"`
	RedisPassword       string        `yaml:"redis_password"`
	RedisDB             int           `yaml:"redis_db"`
}

type PromptsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type SearchConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"api_key"` // env: SEARCH_API_KEY
	MaxResults int           `yaml:"max_results"`
	Timeout    time.Duration `yaml:"timeout"`
}

type BrowserConfig struct {
	Enabled    bool          `yaml:"enabled"`
	ExecPath   string        `yaml:"exec_path"`
	NavTimeout time.Duration `yaml:"nav_timeout"`
	// AllowCrossOrigin lifts the same-host restriction on navigate actions.
	AllowCrossOrigin bool `yaml:"allow_cross_origin"`
}

// ResearchConfig bounds the decomposition-based research engine.
type ResearchConfig struct {
	MaxSubQuestions    int           `yaml:"max_sub_questions"`
	MaxIterations      int           `yaml:"max_iterations"`
	MaxParallel        int           `yaml:"max_parallel"`
	SubQuestionTimeout time.Duration `yaml:"sub_question_timeout"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
}

// GuardsConfig controls the memory watcher and bounded caches.
type GuardsConfig struct {
	WindowSize       int           `yaml:"window_size"`
	CheckInterval    int           `yaml:"check_interval"`
	SlopeThresholdMB float64       `yaml:"slope_threshold_mb"`
	SoftLimitMB      int           `yaml:"soft_limit_mb"`
	CacheMaxEntries  int           `yaml:"cache_max_entries"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	DebugToken       string        `yaml:"debug_token"` // env: DEBUG_MEMORY_TOKEN
}

// MCPServerConfig describes one external MCP tool server.
type MCPServerConfig struct {
	Name      string   `yaml:"name"`
	Transport string   `yaml:"transport"` // "stdio" or "http"
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	URL       string   `yaml:"url"`
}

// Default returns a configuration with all defaults applied and secrets
// pulled from the environment.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// LoadFromFile reads a YAML config file, expands ${VAR} and ${VAR:-default}
// references, applies defaults and env overrides, and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := ExpandEnvVars(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.SetDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.RateLimit == "" {
		c.Server.RateLimit = DefaultRateLimit
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o"
	}
	if c.Models.Research == "" {
		c.Models.Research = c.Models.Default
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Session.MaxArtifactsPerKind == 0 {
		c.Session.MaxArtifactsPerKind = DefaultMaxArtifacts
	}
	if c.Session.MaxArtifactChars == 0 {
		c.Session.MaxArtifactChars = DefaultMaxArtifactLen
	}
	if c.Prompts.Dir == "" {
		c.Prompts.Dir = DefaultPromptsDir
	}
	if c.Search.Endpoint == "" {
		c.Search.Endpoint = DefaultSearchEndpoint
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 10
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 15 * time.Second
	}
	if c.Browser.NavTimeout == 0 {
		c.Browser.NavTimeout = 20 * time.Second
	}
	if c.Research.MaxSubQuestions == 0 {
		c.Research.MaxSubQuestions = DefaultMaxSubQuestions
	}
	if c.Research.MaxIterations == 0 {
		c.Research.MaxIterations = DefaultMaxIterations
	}
	if c.Research.MaxParallel == 0 {
		c.Research.MaxParallel = DefaultMaxParallel
	}
	if c.Research.SubQuestionTimeout == 0 {
		c.Research.SubQuestionTimeout = DefaultSubTimeout
	}
	if c.Research.ToolTimeout == 0 {
		c.Research.ToolTimeout = DefaultToolTimeout
	}
	if c.Guards.WindowSize == 0 {
		c.Guards.WindowSize = DefaultLeakWindow
	}
	if c.Guards.CheckInterval == 0 {
		c.Guards.CheckInterval = DefaultLeakInterval
	}
	if c.Guards.SlopeThresholdMB == 0 {
		c.Guards.SlopeThresholdMB = DefaultLeakSlopeMB
	}
	if c.Guards.SoftLimitMB == 0 {
		c.Guards.SoftLimitMB = DefaultSoftLimitMB
	}
	if c.Guards.CacheMaxEntries == 0 {
		c.Guards.CacheMaxEntries = DefaultCacheEntries
	}
	if c.Guards.CacheTTL == 0 {
		c.Guards.CacheTTL = DefaultCacheTTL
	}
}

// applyEnvOverrides fills secrets and operational knobs that are only ever
// set through the environment. Values already present in the config win.
func (c *Config) applyEnvOverrides() {
	if c.Server.AuthToken == "" {
		c.Server.AuthToken = os.Getenv("FINGPT_API_KEY")
	}
	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		c.Server.RateLimit = v
	}
	if c.Search.APIKey == "" {
		c.Search.APIKey = os.Getenv("SEARCH_API_KEY")
	}
	if c.Session.RedisAddr == "" {
		c.Session.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if c.Guards.DebugToken == "" {
		c.Guards.DebugToken = os.Getenv("DEBUG_MEMORY_TOKEN")
	}
	if v := os.Getenv("MEMORY_LEAK_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Guards.WindowSize = n
		}
	}
	if v := os.Getenv("MEMORY_LEAK_CHECK_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Guards.CheckInterval = n
		}
	}
	if v := os.Getenv("MEMORY_LEAK_THRESHOLD_MB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Guards.SlopeThresholdMB = f
		}
	}
	if v := os.Getenv("MEMORY_SOFT_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Guards.SoftLimitMB = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if _, _, err := ParseRate(c.Server.RateLimit); err != nil {
		return fmt.Errorf("server: invalid rate_limit: %w", err)
	}
	if c.Research.MaxSubQuestions < 1 {
		return fmt.Errorf("research: max_sub_questions must be positive")
	}
	if c.Research.MaxParallel < 1 {
		return fmt.Errorf("research: max_parallel must be positive")
	}
	if c.Guards.CheckInterval > c.Guards.WindowSize {
		return fmt.Errorf("guards: check_interval %d exceeds window_size %d",
			c.Guards.CheckInterval, c.Guards.WindowSize)
	}
	for i, srv := range c.MCP {
		if srv.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: name is required", i)
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp_servers[%d]: stdio transport requires command", i)
			}
		case "http", "":
			if srv.URL == "" {
				return fmt.Errorf("mcp_servers[%d]: http transport requires url", i)
			}
		default:
			return fmt.Errorf("mcp_servers[%d]: unknown transport %q", i, srv.Transport)
		}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ParseRate parses a "N/unit" rate string where unit is one of s, m, h, d.
// "600/h" means 600 requests per fixed one-hour window.
func ParseRate(s string) (int, time.Duration, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("rate %q must be in N/unit form", s)
	}

	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("rate %q has invalid count", s)
	}

	var window time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "s", "sec", "second":
		window = time.Second
	case "m", "min", "minute":
		window = time.Minute
	case "h", "hour":
		window = time.Hour
	case "d", "day":
		window = 24 * time.Hour
	default:
		return 0, 0, fmt.Errorf("rate %q has unknown unit %q", s, parts[1])
	}

	return n, window, nil
}
