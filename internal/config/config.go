// Package config handles aidice configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./aidice.yaml, ~/.config/aidice/config.yaml, /etc/aidice/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"aidice.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aidice", "config.yaml"))
	}

	paths = append(paths, "/etc/aidice/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all aidice configuration.
type Config struct {
	Host        HostConfig    `yaml:"host"`
	LLM         LLMConfig     `yaml:"llm"`
	Message     MessageConfig `yaml:"message"`
	Trigger     TriggerConfig `yaml:"trigger"`
	Tools       ToolsConfig   `yaml:"tools"`
	DataDir     string        `yaml:"data_dir"`
	PersonaFile string        `yaml:"persona_file"`
	LogLevel    string        `yaml:"log_level"`
	LogFile     string        `yaml:"log_file"` // optional; rotated when set
}

// HostConfig describes the websocket side channel to the bot platform.
type HostConfig struct {
	Endpoint    string   `yaml:"endpoint"` // e.g. ws://127.0.0.1:3001
	AccessToken string   `yaml:"access_token"`
	Superusers  []string `yaml:"superusers"` // platform user ids with owner rights
}

// LLMConfig describes the chat-completion endpoint.
type LLMConfig struct {
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MaxToolRounds  int     `yaml:"max_tool_rounds"`
}

// MessageConfig controls conversation-log behavior.
type MessageConfig struct {
	MaxRounds   int  `yaml:"max_rounds"`   // user rounds kept in the log
	ShowNumbers bool `yaml:"show_numbers"` // include numeric ids in rewritten mentions
}

// KeywordRule is a configured keyword trigger: a regex over the stripped
// message text plus an optional gate expression evaluated by the host.
type KeywordRule struct {
	Pattern string `yaml:"pattern"`
	Gate    string `yaml:"gate,omitempty"`
}

// TriggerConfig controls when the AI responds without an explicit command.
type TriggerConfig struct {
	Keywords          []KeywordRule `yaml:"keywords"`
	DisabledInPrivate bool          `yaml:"disabled_in_private"`
	ListenCommands    bool          `yaml:"listen_commands"` // standby captures command messages too
	ListenSent        bool          `yaml:"listen_sent"`     // standby captures host-sent messages
	AllowedSegments   []string      `yaml:"allowed_segments"`
}

// ToolsConfig controls function calling.
type ToolsConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Disallow      []string `yaml:"disallow"`       // can never be enabled
	DefaultClosed []string `yaml:"default_closed"` // skipped by enable-all
	MemoryLimit   int      `yaml:"memory_limit"`   // long-term memory entries per identity
	Decks         []string `yaml:"decks"`          // deck names exposed to draw_deck
}

// Default returns a Config with sensible defaults applied.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			Temperature:    1.0,
			TimeoutSeconds: 120,
			MaxToolRounds:  5,
		},
		Message: MessageConfig{
			MaxRounds:   10,
			ShowNumbers: true,
		},
		Trigger: TriggerConfig{
			AllowedSegments: []string{"mention", "image", "quote", "expression"},
		},
		Tools: ToolsConfig{
			Enabled:       true,
			DefaultClosed: []string{"ban", "rename"},
			MemoryLimit:   5,
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Load reads and parses the config file at path, layering it over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Message.MaxRounds <= 0 {
		cfg.Message.MaxRounds = 10
	}
	if cfg.LLM.MaxToolRounds <= 0 {
		cfg.LLM.MaxToolRounds = 5
	}
	if len(cfg.Trigger.AllowedSegments) == 0 {
		cfg.Trigger.AllowedSegments = []string{"mention", "image", "quote", "expression"}
	}

	return cfg, nil
}

// Persona returns the system-prompt persona text. A missing persona file is
// not an error; a small built-in default keeps the plugin usable.
func (c *Config) Persona() string {
	if c.PersonaFile != "" {
		if data, err := os.ReadFile(c.PersonaFile); err == nil {
			return string(data)
		}
	}
	return "You are an AI companion in a tabletop-RPG chat. Keep replies short and natural."
}
