// Package config loads and validates kokoro configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kokoro configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory (database, logs, diary files, plugin state)
	DataDir string `yaml:"data_dir"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Chat orchestration
	Chat ChatConfig `yaml:"chat"`

	// Character templates
	Characters CharactersConfig `yaml:"characters"`

	// Plugin loading
	Plugins PluginsConfig `yaml:"plugins"`

	// Embedding engine
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Diary service
	Diary DiaryConfig `yaml:"diary"`

	// Speech sidecars
	Speech SpeechConfig `yaml:"speech"`

	// Logging
	DebugMode     bool            `yaml:"debug_mode"`
	LogLevel      string          `yaml:"log_level"`
	LogCategories map[string]bool `yaml:"log_categories"`
}

// ServerConfig configures the HTTP layer.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LLMConfig configures the model client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // qwen, deepseek, openai, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// ChatConfig configures the orchestration loop.
type ChatConfig struct {
	// MaxIterations bounds tool-call rounds per conversation turn.
	MaxIterations int `yaml:"max_iterations"`

	// HistoryWindow is how many past turns are sent to the model.
	HistoryWindow int `yaml:"history_window"`
}

// CharactersConfig configures character template loading.
type CharactersConfig struct {
	Dir       string `yaml:"dir"`
	Default   string `yaml:"default"`
	HotReload bool   `yaml:"hot_reload"`
}

// PluginsConfig configures external tool plugins.
type PluginsConfig struct {
	Dir            string `yaml:"dir"`
	DefaultTimeout string `yaml:"default_timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // gemini, ollama
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	OllamaURL  string `yaml:"ollama_url"`
}

// DiaryConfig configures the diary service.
type DiaryConfig struct {
	Dir string `yaml:"dir"`

	// ConsolidateCron is a cron expression for the nightly consolidation job.
	ConsolidateCron string `yaml:"consolidate_cron"`
}

// SpeechConfig configures the ASR/TTS sidecar services.
type SpeechConfig struct {
	ASRBaseURL string `yaml:"asr_base_url"`
	TTSBaseURL string `yaml:"tts_base_url"`
	TTSVoice   string `yaml:"tts_voice"`
	Timeout    string `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "kokoro",
		Version: "1.0.0",
		DataDir: "data",

		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: "10s",
		},

		LLM: LLMConfig{
			Provider: "qwen",
			Model:    "qwen-plus",
			Timeout:  "120s",
		},

		Chat: ChatConfig{
			MaxIterations: 5,
			HistoryWindow: 20,
		},

		Characters: CharactersConfig{
			Dir:       "characters",
			Default:   "sister_001",
			HotReload: true,
		},

		Plugins: PluginsConfig{
			Dir:            "plugins",
			DefaultTimeout: "60s",
		},

		Embedding: EmbeddingConfig{
			Provider:   "gemini",
			Model:      "gemini-embedding-001",
			Dimensions: 768,
			OllamaURL:  "http://localhost:11434",
		},

		Diary: DiaryConfig{
			Dir:             "diary",
			ConsolidateCron: "0 3 * * *",
		},

		Speech: SpeechConfig{
			ASRBaseURL: "http://localhost:5020",
			TTSBaseURL: "http://localhost:5030",
			TTSVoice:   "feibi",
			Timeout:    "30s",
		},

		LogLevel: "info",
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// LLM API key from environment (check in priority order)
	if key := os.Getenv("DASHSCOPE_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "qwen"
		}
	}
	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.setProvider("deepseek")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.setProvider("openai")
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.setProvider("gemini")
	}

	if url := os.Getenv("KOKORO_ASR_URL"); url != "" {
		c.Speech.ASRBaseURL = url
	}
	if url := os.Getenv("KOKORO_TTS_URL"); url != "" {
		c.Speech.TTSBaseURL = url
	}

	if dir := os.Getenv("KOKORO_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// setProvider switches the LLM provider, dropping model and base-URL values
// that belonged to the previous provider so the client presets apply.
func (c *Config) setProvider(provider string) {
	if c.LLM.Provider == provider {
		return
	}
	c.LLM.Provider = provider
	c.LLM.Model = ""
	c.LLM.BaseURL = ""
}

// DatabasePath returns the SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "kokoro.db")
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetPluginTimeout returns the default plugin timeout as a duration.
func (c *Config) GetPluginTimeout() time.Duration {
	d, err := time.ParseDuration(c.Plugins.DefaultTimeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetSpeechTimeout returns the speech sidecar timeout as a duration.
func (c *Config) GetSpeechTimeout() time.Duration {
	d, err := time.ParseDuration(c.Speech.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the HTTP shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"qwen", "deepseek", "openai", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set DASHSCOPE_API_KEY, DEEPSEEK_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if c.Chat.MaxIterations <= 0 {
		return fmt.Errorf("chat.max_iterations must be positive, got %d", c.Chat.MaxIterations)
	}

	return nil
}
