package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv overrides the openai provider key from the environment.
const APIKeyEnv = "VIBE_OPENAI_API_KEY"

type Config struct {
	App        AppConfig                 `json:"app" yaml:"app"`
	Server     ServerConfig              `json:"server" yaml:"server"`
	Store      StoreConfig               `json:"store" yaml:"store"`
	Supervisor SupervisorConfig          `json:"supervisor" yaml:"supervisor"`
	Audit      AuditConfig               `json:"audit" yaml:"audit"`
	Log        LogConfig                 `json:"log" yaml:"log"`
	Providers  map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Gateways   map[string]GatewayConfig  `json:"gateways" yaml:"gateways"`
	Tools      ToolsConfig               `json:"tools" yaml:"tools"`
	Knowledge  KnowledgeConfig           `json:"knowledge" yaml:"knowledge"`
}

type AppConfig struct {
	Name string `json:"name" yaml:"name"`
	// Workspace is where artifacts and uploads are written.
	Workspace string `json:"workspace" yaml:"workspace"`
	// PromptsDir holds optional <worker>.md prompt overrides and shared
	// context files.
	PromptsDir string `json:"prompts_dir" yaml:"prompts_dir"`
}

type ServerConfig struct {
	Addr            string `json:"addr" yaml:"addr"`
	ShutdownSeconds int    `json:"shutdown_seconds" yaml:"shutdown_seconds"`
}

type StoreConfig struct {
	// Type is sqlite or memory.
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
}

type SupervisorConfig struct {
	MaxIterations   int `json:"max_iterations" yaml:"max_iterations"`
	MaxStepAttempts int `json:"max_step_attempts" yaml:"max_step_attempts"`
	HistoryWindow   int `json:"history_window" yaml:"history_window"`
}

type AuditConfig struct {
	Path string `json:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	Model          string `json:"model" yaml:"model"`
	EmbeddingModel string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
	BaseURL        string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled        bool   `json:"enabled" yaml:"enabled"`
}

type ToolsConfig struct {
	// Denied tool names are rejected for every worker.
	Denied []string `json:"denied" yaml:"denied"`
	// DeniedPatterns are regular expressions matched against raw tool
	// arguments.
	DeniedPatterns []string `json:"denied_patterns" yaml:"denied_patterns"`
	SearchResults  int      `json:"search_results" yaml:"search_results"`
	ScrapeMaxChars int      `json:"scrape_max_chars" yaml:"scrape_max_chars"`
	// PDF enables the headless Chrome renderer for save_pdf.
	PDF bool `json:"pdf" yaml:"pdf"`
}

type KnowledgeConfig struct {
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`
}

// Default returns a configuration that runs without a config file, apart
// from the provider key.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML or JSON (by extension) configuration file, expands
// environment variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(expanded, &cfg)
	default:
		err = yaml.Unmarshal(expanded, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default
// otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "vibe"
	}
	if cfg.App.Workspace == "" {
		cfg.App.Workspace = "workspace"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownSeconds == 0 {
		cfg.Server.ShutdownSeconds = 10
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "vibe.db"
	}
	if cfg.Supervisor.MaxIterations == 0 {
		cfg.Supervisor.MaxIterations = 25
	}
	if cfg.Supervisor.HistoryWindow == 0 {
		cfg.Supervisor.HistoryWindow = 20
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "audit.jsonl"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Tools.SearchResults == 0 {
		cfg.Tools.SearchResults = 5
	}
	if cfg.Tools.ScrapeMaxChars == 0 {
		cfg.Tools.ScrapeMaxChars = 8000
	}
	if cfg.Knowledge.ChunkSize == 0 {
		cfg.Knowledge.ChunkSize = 1000
	}
	if cfg.Knowledge.ChunkOverlap == 0 {
		cfg.Knowledge.ChunkOverlap = 100
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	if cfg.Gateways == nil {
		cfg.Gateways = make(map[string]GatewayConfig)
	}
}

func (c *Config) applyEnv() {
	key := strings.TrimSpace(os.Getenv(APIKeyEnv))
	if key == "" {
		return
	}
	p, ok := c.Providers["openai"]
	if !ok {
		p = ProviderConfig{Model: "gpt-4o-mini", Enabled: true}
	}
	p.APIKey = key
	c.Providers["openai"] = p
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.type must be sqlite or memory, got %q", c.Store.Type)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Supervisor.MaxIterations < 0 {
		return errors.New("supervisor.max_iterations must not be negative")
	}
	if c.Supervisor.MaxStepAttempts < 0 {
		return errors.New("supervisor.max_step_attempts must not be negative")
	}
	if c.Supervisor.HistoryWindow < 0 {
		return errors.New("supervisor.history_window must not be negative")
	}
	if c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		return fmt.Errorf("knowledge.chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Knowledge.ChunkOverlap, c.Knowledge.ChunkSize)
	}
	for _, p := range c.Tools.DeniedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("tools.denied_patterns: %w", err)
		}
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider in name order.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	return c.gateway("telegram")
}

func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	return c.gateway("discord")
}

func (c *Config) gateway(name string) (GatewayConfig, bool) {
	gw, ok := c.Gateways[name]
	if ok && gw.Enabled && gw.Token != "" {
		return gw, true
	}
	return GatewayConfig{}, false
}
