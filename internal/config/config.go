// Package config loads taskpilot configuration from a YAML file with
// environment overrides, and hot-reloads the stage prompt templates.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"taskpilot/internal/llm"
	"taskpilot/internal/planner"
	"taskpilot/internal/voice"
)

// Config holds all taskpilot configuration.
type Config struct {
	Name string `yaml:"name"`

	LLM     LLMConfig       `yaml:"llm"`
	Agent   AgentConfig     `yaml:"agent"`
	Voice   VoiceConfig     `yaml:"voice"`
	Server  ServerConfig    `yaml:"server"`
	Storage StorageConfig   `yaml:"storage"`
	Prompts planner.Prompts `yaml:"prompts"`
	Logging LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the model channel.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // openai, gemini
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// ClientConfig converts to the model channel's connection settings.
func (c LLMConfig) ClientConfig() (llm.Config, error) {
	timeout, err := parseDuration(c.Timeout, 120*time.Second)
	if err != nil {
		return llm.Config{}, fmt.Errorf("llm.timeout: %w", err)
	}
	return llm.Config{
		Provider:   llm.Provider(c.Provider),
		APIKey:     c.APIKey,
		BaseURL:    c.BaseURL,
		Model:      c.Model,
		Timeout:    timeout,
		MaxRetries: c.MaxRetries,
	}, nil
}

// AgentConfig tunes the stage pipeline.
type AgentConfig struct {
	MaxGatherRounds int    `yaml:"max_gather_rounds"`
	TurnTimeout     string `yaml:"turn_timeout"`
}

// PipelineOptions converts to planner options, leaving zero values for the
// planner's own defaults.
func (c AgentConfig) PipelineOptions(prompts planner.Prompts) (planner.Options, error) {
	timeout, err := parseDuration(c.TurnTimeout, 0)
	if err != nil {
		return planner.Options{}, fmt.Errorf("agent.turn_timeout: %w", err)
	}
	return planner.Options{
		MaxGatherRounds: c.MaxGatherRounds,
		TurnTimeout:     timeout,
		Prompts:         prompts,
	}, nil
}

// VoiceConfig configures the realtime voice channel.
type VoiceConfig struct {
	URL                string              `yaml:"url"`
	Voice              string              `yaml:"voice"`
	Instructions       string              `yaml:"instructions"`
	ImmediateExecution bool                `yaml:"immediate_execution"`
	ApprovalTimeout    string              `yaml:"approval_timeout"`
	TurnDetection      voice.TurnDetection `yaml:"turn_detection"`
}

// SessionOptions converts to voice session options.
func (c VoiceConfig) SessionOptions() (voice.Options, error) {
	timeout, err := parseDuration(c.ApprovalTimeout, 0)
	if err != nil {
		return voice.Options{}, fmt.Errorf("voice.approval_timeout: %w", err)
	}
	return voice.Options{
		Instructions:       c.Instructions,
		Voice:              c.Voice,
		TurnDetection:      c.TurnDetection,
		ImmediateExecution: c.ImmediateExecution,
		ApprovalTimeout:    timeout,
	}, nil
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	// PromptsPath is the YAML file holding stage prompt overrides,
	// watched for hot reload.
	PromptsPath string `yaml:"prompts_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Debug reports whether debug logging is requested.
func (c LoggingConfig) Debug() bool { return c.Level == "debug" }

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "taskpilot",
		LLM: LLMConfig{
			Provider:   "openai",
			Model:      "gpt-4o",
			Timeout:    "120s",
			MaxRetries: 3,
		},
		Agent: AgentConfig{
			MaxGatherRounds: 1,
			TurnTimeout:     "60s",
		},
		Voice: VoiceConfig{
			Voice:           "verse",
			ApprovalTimeout: "30s",
			TurnDetection: voice.TurnDetection{
				Threshold:         0.5,
				SilenceDurationMs: 500,
				PrefixPaddingMs:   300,
			},
		},
		Server: ServerConfig{
			Addr:            ":8484",
			ShutdownTimeout: "10s",
		},
		Storage: StorageConfig{
			DatabasePath: "data/taskpilot.db",
			PromptsPath:  "data/prompts.yaml",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes configuration to a YAML file.
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
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "openai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("TASKPILOT_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("TASKPILOT_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if url := os.Getenv("TASKPILOT_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if addr := os.Getenv("TASKPILOT_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("TASKPILOT_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if level := os.Getenv("TASKPILOT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}
