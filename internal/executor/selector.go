// Package executor picks the sandbox backend for a new session: an explicit
// kind when configured, otherwise the strongest available isolation in
// preference order, probing availability and skipping kinds whose recent
// initialisations keep failing (per-kind circuit breakers).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codemode/bridge/internal/resilience"
	"github.com/codemode/bridge/internal/sandbox"
	"github.com/codemode/bridge/internal/sandbox/container"
	"github.com/codemode/bridge/internal/sandbox/denoproc"
	"github.com/codemode/bridge/internal/sandbox/gojavm"
	"github.com/codemode/bridge/internal/sandbox/remote"
)

// Selection reasons reported in [sandbox.Info].
const (
	ReasonExplicit     = "explicit"
	ReasonAutoDetected = "auto-detected"
)

// autoOrder is the auto-detection preference: container isolation first, the
// restricted subprocess next, the in-process engine as the always-available
// last resort.
var autoOrder = []string{container.KindSocket, container.KindCLI, denoproc.Kind, gojavm.Kind}

// Config tunes the selector and the backends it creates.
type Config struct {
	// Kind pins a backend ("goja", "docker-socket", "docker-cli", "docker",
	// "deno"). Empty or "auto" enables detection.
	Kind string

	// Timeout is the per-execution deadline applied to every backend.
	Timeout time.Duration

	// AlwaysAsync forces sync callables into an async IIFE.
	AlwaysAsync bool

	// Launch configures container resource caps.
	Launch container.LaunchConfig

	// CLIBinary overrides the container engine CLI binary.
	CLIBinary string

	// DenoBinary overrides the deno binary.
	DenoBinary string
}

// Selector creates backends on demand. Safe for concurrent use.
type Selector struct {
	cfg      Config
	logger   *slog.Logger
	breakers map[string]*resilience.Breaker
}

// NewSelector creates a selector with one circuit breaker per backend kind.
func NewSelector(cfg Config) *Selector {
	breakers := make(map[string]*resilience.Breaker, len(autoOrder))
	for _, kind := range autoOrder {
		breakers[kind] = &resilience.Breaker{}
	}
	return &Selector{
		cfg:      cfg,
		logger:   slog.Default().With("component", "executor-selector"),
		breakers: breakers,
	}
}

// Create builds a ready backend and reports which kind was chosen and why.
func (s *Selector) Create(ctx context.Context) (sandbox.Backend, sandbox.Info, error) {
	kind := s.cfg.Kind
	if kind != "" && kind != "auto" {
		backend, resolved, err := s.create(ctx, kind)
		if err != nil {
			return nil, sandbox.Info{}, err
		}
		return backend, s.info(resolved, ReasonExplicit), nil
	}

	var errs []error
	for _, candidate := range autoOrder {
		if !s.available(ctx, candidate) {
			continue
		}
		breaker := s.breakers[candidate]
		if err := breaker.Allow(); err != nil {
			s.logger.Debug("skipping backend (breaker open)", "kind", candidate)
			continue
		}
		backend, resolved, err := s.create(ctx, candidate)
		breaker.Record(err)
		if err != nil {
			s.logger.Warn("backend init failed, trying next", "kind", candidate, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", candidate, err))
			continue
		}
		return backend, s.info(resolved, ReasonAutoDetected), nil
	}
	if len(errs) == 0 {
		return nil, sandbox.Info{}, errors.New("executor: no sandbox backend available")
	}
	return nil, sandbox.Info{}, fmt.Errorf("executor: every sandbox backend failed: %w", errors.Join(errs...))
}

// create instantiates one kind. The returned kind may differ from the request
// for the aggregate "docker" kind, which resolves to socket or CLI.
func (s *Selector) create(ctx context.Context, kind string) (sandbox.Backend, string, error) {
	execCfg := remote.Config{Timeout: s.cfg.Timeout, AlwaysAsync: s.cfg.AlwaysAsync}

	switch kind {
	case gojavm.Kind:
		return gojavm.New(gojavm.Config{Timeout: s.cfg.Timeout, AlwaysAsync: s.cfg.AlwaysAsync}), gojavm.Kind, nil

	case denoproc.Kind:
		backend := denoproc.New(denoproc.Config{Binary: s.cfg.DenoBinary, HeapMB: int(s.cfg.Launch.MemoryMB), Executor: execCfg})
		return backend, denoproc.Kind, nil

	case container.KindSocket:
		backend, resolved, err := container.New(ctx, container.Options{
			Mode: container.ModeSocket, Launch: s.cfg.Launch, Executor: execCfg,
		})
		return backend, resolved, err

	case container.KindCLI:
		backend, resolved, err := container.New(ctx, container.Options{
			Mode: container.ModeCLI, Launch: s.cfg.Launch, CLIBinary: s.cfg.CLIBinary, Executor: execCfg,
		})
		return backend, resolved, err

	case "docker":
		backend, resolved, err := container.New(ctx, container.Options{
			Mode: container.ModeAuto, Launch: s.cfg.Launch, CLIBinary: s.cfg.CLIBinary, Executor: execCfg,
		})
		return backend, resolved, err

	default:
		return nil, "", fmt.Errorf("executor: unknown backend kind %q", kind)
	}
}

// available probes whether a kind can plausibly start on this host.
func (s *Selector) available(ctx context.Context, kind string) bool {
	switch kind {
	case container.KindSocket:
		return container.SocketAvailable(ctx)
	case container.KindCLI:
		return container.CLIAvailable(s.cfg.CLIBinary)
	case denoproc.Kind:
		return denoproc.Available(s.cfg.DenoBinary)
	case gojavm.Kind:
		return true
	default:
		return false
	}
}

func (s *Selector) info(kind, reason string) sandbox.Info {
	return sandbox.Info{Kind: kind, Reason: reason, Timeout: s.cfg.Timeout.Milliseconds()}
}
