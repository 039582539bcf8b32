// Package config provides Viper-based configuration loading for the story engine.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Text-generation providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// StorageConfig selects where save records are kept.
type StorageConfig struct {
	// Backend is "file" or "postgres".
	Backend string `mapstructure:"backend"`
	// Dir is the save directory for the file backend.
	Dir string `mapstructure:"dir"`
	// AutosaveSlot is the slot name autosaves are written to.
	AutosaveSlot string `mapstructure:"autosave_slot"`
}

// LLMConfig holds text-generation service settings.
type LLMConfig struct {
	// Provider is "anthropic", "openai", or "none".
	Provider string `mapstructure:"provider"`
	// Model is the provider-specific model name.
	Model string `mapstructure:"model"`
	// APIKey authenticates with the provider. Usually supplied via environment.
	APIKey string `mapstructure:"api_key"`
	// MaxTokens caps each response.
	MaxTokens int `mapstructure:"max_tokens"`
	// Timeout bounds each generation call. Zero disables the bound.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ContentConfig locates story content.
type ContentConfig struct {
	// Dir holds exactly one story YAML file.
	Dir string `mapstructure:"dir"`
	// ScriptInstructionLimit caps Lua opcodes per hook call; 0 uses the default.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
}

// ConsoleConfig holds terminal presentation settings.
type ConsoleConfig struct {
	// TypingDelay is the pause between printed characters of scripted lines.
	TypingDelay time.Duration `mapstructure:"typing_delay"`
	// Color enables ANSI colour output.
	Color bool `mapstructure:"color"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File redirects log output away from stderr. Empty keeps stderr.
	File string `mapstructure:"file"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Content  ContentConfig  `mapstructure:"content"`
	Console  ConsoleConfig  `mapstructure:"console"`
}

// Validate checks all configuration invariants. Database settings are only
// checked when the postgres backend is selected.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStorage(c.Storage); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Storage.Backend == BackendPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLLM(c.LLM); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateContent(c.Content); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Console.TypingDelay < 0 {
		errs = append(errs, "console.typing_delay must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	var errs []string
	switch s.Backend {
	case BackendFile:
		if s.Dir == "" {
			errs = append(errs, "storage.dir must not be empty for the file backend")
		}
	case BackendPostgres:
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be one of [file, postgres], got %q", s.Backend))
	}
	if s.AutosaveSlot == "" {
		errs = append(errs, "storage.autosave_slot must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLLM(l LLMConfig) error {
	var errs []string
	switch l.Provider {
	case ProviderAnthropic, ProviderOpenAI:
		if l.Model == "" {
			errs = append(errs, "llm.model must not be empty")
		}
		if l.MaxTokens < 1 {
			errs = append(errs, fmt.Sprintf("llm.max_tokens must be >= 1, got %d", l.MaxTokens))
		}
	case ProviderNone:
	default:
		errs = append(errs, fmt.Sprintf("llm.provider must be one of [anthropic, openai, none], got %q", l.Provider))
	}
	if l.Timeout < 0 {
		errs = append(errs, "llm.timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateContent(c ContentConfig) error {
	var errs []string
	if c.Dir == "" {
		errs = append(errs, "content.dir must not be empty")
	}
	if c.ScriptInstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("content.script_instruction_limit must be >= 0, got %d", c.ScriptInstructionLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with STORY_ prefix
	v.SetEnvPrefix("STORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadDefaults builds a Config from defaults and STORY_ environment variables
// alone, for running without a config file.
//
// Postcondition: Returns a valid Config or a non-nil error.
func LoadDefaults() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "story")
	v.SetDefault("database.password", "story")
	v.SetDefault("database.name", "story")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.dir", "saves")
	v.SetDefault("storage.autosave_slot", "autosave")

	v.SetDefault("llm.provider", ProviderNone)
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.timeout", "30s")

	v.SetDefault("content.dir", "content/story")
	v.SetDefault("content.script_instruction_limit", 0)

	v.SetDefault("console.typing_delay", "15ms")
	v.SetDefault("console.color", true)
}
