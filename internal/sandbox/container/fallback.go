package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codemode/bridge/internal/resilience"
	"github.com/codemode/bridge/internal/sandbox"
	"github.com/codemode/bridge/internal/sandbox/remote"
)

// Mode pins or automates the choice between the two container transports.
type Mode string

const (
	// ModeAuto tries the daemon socket first and falls back to the CLI.
	ModeAuto Mode = "auto"

	// ModeSocket uses only the daemon socket.
	ModeSocket Mode = "socket"

	// ModeCLI uses only the engine CLI.
	ModeCLI Mode = "cli"
)

// initRetryPolicy bounds each transport's warm-up attempts: up to three
// tries with 500 ms doubling backoff inside a 10 s window.
var initRetryPolicy = resilience.RetryPolicy{
	Attempts: 3,
	Backoff:  resilience.Backoff{Initial: 500 * time.Millisecond},
	Window:   10 * time.Second,
}

// Options configures [New].
type Options struct {
	// Mode selects the transport. Empty means [ModeAuto].
	Mode Mode

	// Launch configures the hardened container.
	Launch LaunchConfig

	// CLIBinary overrides the engine CLI binary name for the CLI transport.
	CLIBinary string

	// Executor configures the protocol scaffolding (timeout etc.).
	Executor remote.Config
}

// New creates a container sandbox backend, warming it up before returning.
// In auto mode the socket transport is tried first (each failed instance is
// disposed before the next attempt) and the CLI transport second; the
// returned error aggregates every attempt's elapsed time and message when
// both transports are exhausted.
func New(ctx context.Context, opts Options) (sandbox.Backend, string, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeAuto
	}

	warm := func(kind string) (sandbox.Backend, error) {
		var backend *remote.Executor
		err := resilience.Retry(ctx, kind+" init", initRetryPolicy, func(ctx context.Context) error {
			var proc remote.Process
			switch kind {
			case KindSocket:
				proc = NewSocketProcess(opts.Launch)
			default:
				proc = NewCLIProcess(opts.Launch, opts.CLIBinary)
			}
			candidate := remote.NewExecutor(proc, opts.Executor)
			if err := candidate.Warm(ctx); err != nil {
				_ = candidate.Dispose(context.Background())
				return err
			}
			backend = candidate
			return nil
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	}

	switch mode {
	case ModeSocket:
		backend, err := warm(KindSocket)
		return backend, KindSocket, err
	case ModeCLI:
		backend, err := warm(KindCLI)
		return backend, KindCLI, err
	case ModeAuto:
		backend, socketErr := warm(KindSocket)
		if socketErr == nil {
			return backend, KindSocket, nil
		}
		slog.Warn("socket container backend unavailable, trying CLI", "err", socketErr)
		backend, cliErr := warm(KindCLI)
		if cliErr == nil {
			return backend, KindCLI, nil
		}
		return nil, "", fmt.Errorf("container: all transports failed: %w", errors.Join(socketErr, cliErr))
	default:
		return nil, "", fmt.Errorf("container: unknown mode %q (valid: socket, cli, auto)", mode)
	}
}
