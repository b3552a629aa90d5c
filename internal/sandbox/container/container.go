// Package container implements the two container-based sandbox backends: one
// attached through the container engine's daemon socket, one spawned through
// the engine CLI. Both launch the same hardened container — no network,
// read-only rootfs, dropped capabilities, non-root user, memory/CPU/pid caps
// — running the embedded runner script, and both plug into the shared
// [remote.Executor] protocol scaffolding.
package container

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codemode/bridge/internal/sandbox/runnerjs"
)

// Backend kind identifiers.
const (
	KindSocket = "docker-socket"
	KindCLI    = "docker-cli"
)

// Labels attached to every sandbox container so stray instances can be traced
// back to their host process and creation time.
const (
	LabelHostPID   = "codemode.host-pid"
	LabelCreatedAt = "codemode.created-at"
)

// Resource defaults applied when LaunchConfig leaves a cap unset.
const (
	defaultImage      = "denoland/deno:alpine"
	defaultMemoryMB   = 256
	defaultCPUs       = 0.5
	defaultPidsLimit  = 64
	defaultTmpfsSpec  = "rw,noexec,nosuid,size=64m"
	stopGraceSeconds  = 2
	defaultStopWindow = 10 * time.Second
)

// LaunchConfig describes the hardened container both backends create.
type LaunchConfig struct {
	// Image is the runner image. Defaults to denoland/deno:alpine.
	Image string

	// MemoryMB caps container memory in mebibytes.
	MemoryMB int64

	// CPUs is the CPU quota in whole-or-fractional cores.
	CPUs float64

	// PidsLimit caps the container process count.
	PidsLimit int64
}

func (c LaunchConfig) withDefaults() LaunchConfig {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.CPUs <= 0 {
		c.CPUs = defaultCPUs
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = defaultPidsLimit
	}
	return c
}

// labels returns the tracing labels for a new container.
func labels() map[string]string {
	return map[string]string{
		LabelHostPID:   fmt.Sprintf("%d", os.Getpid()),
		LabelCreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// materializeRunner writes the embedded runner script into a private temp
// directory so it can be bind-mounted read-only into the container. The
// caller owns the returned directory.
func materializeRunner() (dir, runnerPath string, err error) {
	dir, err = os.MkdirTemp("", "codemode-runner-")
	if err != nil {
		return "", "", fmt.Errorf("container: create runner dir: %w", err)
	}
	runnerPath = filepath.Join(dir, "runner.js")
	if err := os.WriteFile(runnerPath, runnerjs.Runner, 0o444); err != nil {
		os.RemoveAll(dir)
		return "", "", fmt.Errorf("container: write runner script: %w", err)
	}
	return dir, runnerPath, nil
}

// runnerCmd is the argument vector handed to the Deno entrypoint: every
// permission stays denied, the runner only touches stdio.
func runnerCmd() []string {
	return []string{"run", "--quiet", "--no-prompt", runnerjs.ContainerRunnerPath}
}
