package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validLogLevels are accepted server.log_level values.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// validExecutors are accepted sandbox.executor values.
var validExecutors = []string{"", "auto", "goja", "docker", "docker-socket", "docker-cli", "deno"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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
		if errors.Is(err, io.EOF) {
			// An empty file is a valid all-defaults config.
			return cfg, nil
		}
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

	if cfg.Server.LogLevel != "" && !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	switch cfg.Server.Transport {
	case "", "stdio", "http":
	default:
		errs = append(errs, fmt.Errorf("server.transport %q is invalid; valid values: stdio, http", cfg.Server.Transport))
	}
	if cfg.Server.Transport == "http" && cfg.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required for the http transport"))
	}

	if !slices.Contains(validExecutors, cfg.Sandbox.Executor) {
		errs = append(errs, fmt.Errorf("sandbox.executor %q is invalid; valid values: auto, goja, docker, docker-socket, docker-cli, deno", cfg.Sandbox.Executor))
	}
	if cfg.Sandbox.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("sandbox.timeout_ms must not be negative"))
	}

	for name, server := range cfg.Servers {
		if name == "" {
			errs = append(errs, fmt.Errorf("servers must not contain an empty name"))
			continue
		}
		if err := server.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers.%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
