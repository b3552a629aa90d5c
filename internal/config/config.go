// Package config provides the configuration schema, loader, differ, and file
// watcher for the codemode bridge.
package config

import (
	"time"

	"github.com/codemode/bridge/internal/upstream"
)

// Config is the root configuration structure for the bridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig                     `yaml:"server"`
	Sandbox SandboxConfig                    `yaml:"sandbox"`
	Servers map[string]upstream.ServerConfig `yaml:"servers"`
}

// ServerConfig holds transport and logging settings for the bridge itself.
type ServerConfig struct {
	// Transport selects how downstream clients connect.
	// Valid values: "stdio" (single client) or "http" (multi-client).
	Transport string `yaml:"transport"`

	// ListenAddr is the TCP address for the http transport (e.g. ":8137").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// Metrics enables the Prometheus /metrics endpoint on the http transport.
	Metrics bool `yaml:"metrics"`
}

// SandboxConfig tunes the sandbox executors created per session.
type SandboxConfig struct {
	// Executor pins a backend kind ("goja", "docker-socket", "docker-cli",
	// "docker", "deno"). Empty or "auto" selects the strongest available.
	Executor string `yaml:"executor"`

	// TimeoutMs is the per-execution deadline in milliseconds. Default: 30000.
	TimeoutMs int64 `yaml:"timeout_ms"`

	// AlwaysAsync wraps synchronous callables in an async IIFE.
	AlwaysAsync bool `yaml:"always_async"`

	// IdleTimeoutMinutes evicts sessions idle this long. Default: 30.
	IdleTimeoutMinutes int `yaml:"idle_timeout_minutes"`

	// Image overrides the container backends' runner image.
	Image string `yaml:"image"`

	// MemoryMB caps sandbox memory for container and subprocess backends.
	MemoryMB int64 `yaml:"memory_mb"`

	// CPUs is the container CPU quota in cores.
	CPUs float64 `yaml:"cpus"`

	// PidsLimit caps the container process count.
	PidsLimit int64 `yaml:"pids_limit"`
}

// Timeout returns the execution deadline as a duration, applying the default.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// IdleTimeout returns the session idle eviction window, applying the default.
func (s SandboxConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// SingleClient reports whether the configured transport serves exactly one
// downstream client, which protects the singleton session from idle eviction.
func (s ServerConfig) SingleClient() bool {
	return s.Transport == "" || s.Transport == "stdio"
}
