package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for orgbot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Providers map[string]ProviderConfig `json:"providers"`
	Engine    EngineConfig              `json:"engine"`
	Retrieval RetrievalConfig           `json:"retrieval"`
	Cache     CacheConfig               `json:"cache"`
	Memory    MemoryConfig              `json:"memory"`
	Corpus    CorpusConfig              `json:"corpus"`
	Keywords  KeywordsConfig            `json:"keywords"`
	Server    ServerConfig              `json:"server"`
	Telegram  TelegramConfig            `json:"telegram"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	DataDir         string `json:"dataDir"`
	LogLevel        string `json:"logLevel"`
	LogFormat       string `json:"logFormat,omitempty"` // "text" | "json"
	LogFile         string `json:"logFile,omitempty"`   // optional log file path
	DefaultProvider string `json:"defaultProvider"`
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"` // 0 = unlimited
	TimeoutSeconds  int    `json:"timeoutSeconds,omitempty"`
}

// EngineConfig tunes answer selection and completion prompts.
type EngineConfig struct {
	SystemPrompt             string  `json:"systemPrompt"`
	MaxContextChars          int     `json:"maxContextChars"`
	CompletionTimeoutSeconds int     `json:"completionTimeoutSeconds"`
	MaxTokens                int     `json:"maxTokens,omitempty"`
	Temperature              float64 `json:"temperature,omitempty"`
	RecordRefinements        bool    `json:"recordRefinements"`
}

type RetrievalConfig struct {
	Threshold    int `json:"threshold"`    // accept when score > threshold (1..100)
	MaxPassage   int `json:"maxPassage"`   // runes kept from a matched document
	ChunkSize    int `json:"chunkSize"`    // words per chunk; 0 = whole documents in the index, 200 for pages
	ChunkOverlap int `json:"chunkOverlap"` // words shared by neighbouring chunks
}

type CacheConfig struct {
	Capacity            int `json:"capacity"`
	FetchTimeoutSeconds int `json:"fetchTimeoutSeconds"`
}

type MemoryConfig struct {
	Backend       string `json:"backend"` // "inmemory" | "sqlite" | "redis"
	MaxTurns      int    `json:"maxTurns"`
	DBPath        string `json:"dbPath"`
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty"`
	TTLMinutes    int    `json:"ttlMinutes,omitempty"` // redis session expiry, 0 = never
}

// CorpusConfig lists where indexed documents come from. Pages are also the
// locators fetched through the content cache when no index is loaded.
type CorpusConfig struct {
	Pages                  []string `json:"pages"`
	Dir                    string   `json:"dir,omitempty"`
	UseDatabase            bool     `json:"useDatabase"` // include documents managed with `orgbot corpus`
	BuildIndex             bool     `json:"buildIndex"`  // false = answer from cached pages only
	Fetcher                string   `json:"fetcher"`     // "http" | "browser"
	UserAgent              string   `json:"userAgent,omitempty"`
	MaxPageBytes           int64    `json:"maxPageBytes,omitempty"`
	Headless               bool     `json:"headless"`
	ProfileDir             string   `json:"profileDir,omitempty"`
	RefreshIntervalMinutes int      `json:"refreshIntervalMinutes,omitempty"` // 0 = refresh only on demand
}

type KeywordEntry struct {
	Trigger string `json:"trigger"`
	Answer  string `json:"answer"`
}

type KeywordsConfig struct {
	File    string         `json:"file,omitempty"` // YAML keyword table
	Entries []KeywordEntry `json:"entries,omitempty"`
}

type ServerConfig struct {
	Enabled               bool   `json:"enabled"`
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	AdminToken            string `json:"adminToken,omitempty"`
	RequestTimeoutSeconds int    `json:"requestTimeoutSeconds"`
	CookieSecure          bool   `json:"cookieSecure"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// MetricsConfig configures the Prometheus endpoint on the HTTP server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// CompletionTimeout returns the engine completion deadline.
func (c EngineConfig) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSeconds) * time.Second
}

// FetchTimeout returns the per-page fetch deadline.
func (c CacheConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// TTL returns the redis session expiry.
func (c MemoryConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Addr returns host:port for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultConfigDir returns the default config directory (~/.orgbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orgbot"
	}
	return filepath.Join(home, ".orgbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Corpus.Dir = ExpandPath(cfg.Corpus.Dir)
	cfg.Corpus.ProfileDir = ExpandPath(cfg.Corpus.ProfileDir)
	cfg.Keywords.File = ExpandPath(cfg.Keywords.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every problem.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be text or json")
	}

	if cfg.General.DefaultProvider != "" {
		if pc, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
		} else if !pc.Enabled {
			errs = append(errs, fmt.Sprintf("general.defaultProvider %s is disabled", cfg.General.DefaultProvider))
		}
	}
	for name, pc := range cfg.Providers {
		if pc.RateLimitPerMin < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.rateLimitPerMinute must be >= 0", name))
		}
		if pc.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.timeoutSeconds must be >= 0", name))
		}
	}

	if cfg.Engine.MaxContextChars < 100 {
		errs = append(errs, "engine.maxContextChars must be >= 100")
	}
	if cfg.Engine.CompletionTimeoutSeconds < 1 {
		errs = append(errs, "engine.completionTimeoutSeconds must be >= 1")
	}
	if cfg.Engine.Temperature < 0 || cfg.Engine.Temperature > 2 {
		errs = append(errs, "engine.temperature must be between 0 and 2")
	}

	if cfg.Retrieval.Threshold < 1 || cfg.Retrieval.Threshold > 100 {
		errs = append(errs, "retrieval.threshold must be between 1 and 100")
	}
	if cfg.Retrieval.MaxPassage < 1 {
		errs = append(errs, "retrieval.maxPassage must be >= 1")
	}
	if cfg.Retrieval.ChunkSize < 0 {
		errs = append(errs, "retrieval.chunkSize must be >= 0")
	}
	if cfg.Retrieval.ChunkOverlap < 0 || (cfg.Retrieval.ChunkSize > 0 && cfg.Retrieval.ChunkOverlap >= cfg.Retrieval.ChunkSize) {
		errs = append(errs, "retrieval.chunkOverlap must be >= 0 and smaller than chunkSize")
	}

	if cfg.Cache.Capacity < 1 {
		errs = append(errs, "cache.capacity must be >= 1")
	}
	if cfg.Cache.FetchTimeoutSeconds < 1 {
		errs = append(errs, "cache.fetchTimeoutSeconds must be >= 1")
	}

	switch cfg.Memory.Backend {
	case "inmemory", "sqlite":
	case "redis":
		if cfg.Memory.RedisAddr == "" {
			errs = append(errs, "memory.redisAddr is required for the redis backend")
		}
	default:
		errs = append(errs, "memory.backend must be one of: inmemory, sqlite, redis")
	}
	if cfg.Memory.MaxTurns < 1 {
		errs = append(errs, "memory.maxTurns must be >= 1")
	}

	switch cfg.Corpus.Fetcher {
	case "http", "browser":
	default:
		errs = append(errs, "corpus.fetcher must be http or browser")
	}
	for _, page := range cfg.Corpus.Pages {
		if !strings.HasPrefix(page, "http://") && !strings.HasPrefix(page, "https://") {
			errs = append(errs, fmt.Sprintf("corpus.pages: %q is not an http(s) URL", page))
		}
	}
	if cfg.Corpus.RefreshIntervalMinutes < 0 {
		errs = append(errs, "corpus.refreshIntervalMinutes must be >= 0")
	}

	for i, e := range cfg.Keywords.Entries {
		if strings.TrimSpace(e.Trigger) == "" {
			errs = append(errs, fmt.Sprintf("keywords.entries[%d]: trigger is empty", i))
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.RequestTimeoutSeconds < 1 {
		errs = append(errs, "server.requestTimeoutSeconds must be >= 1")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
