package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known completion-provider names. Used by
// [Validate] to warn about unrecognised names without rejecting them, since
// OpenAI-compatible endpoints often register under custom names.
var ValidProviderNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral",
	"groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required; the pipeline cannot run without a completion provider"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name; continuing anyway",
			"provider", cfg.Provider.Name)
	}
	if cfg.Provider.Model == "" {
		slog.Warn("provider.model is empty; the provider's default model will be used")
	}

	// Database
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	// Pipeline timings
	if cfg.Pipeline.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("pipeline.settle_delay %v must not be negative", cfg.Pipeline.SettleDelay))
	}
	if cfg.Pipeline.RevealDelay < 0 {
		errs = append(errs, fmt.Errorf("pipeline.reveal_delay %v must not be negative", cfg.Pipeline.RevealDelay))
	}
	if cfg.Pipeline.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.request_timeout %v must not be negative", cfg.Pipeline.RequestTimeout))
	}

	return errors.Join(errs...)
}
