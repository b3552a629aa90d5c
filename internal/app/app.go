// Package app wires all bridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the configured downstream transport until the
// context is cancelled, and Shutdown tears everything down in order.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codemode/bridge/internal/bridge"
	"github.com/codemode/bridge/internal/config"
	"github.com/codemode/bridge/internal/executor"
	"github.com/codemode/bridge/internal/health"
	"github.com/codemode/bridge/internal/observe"
	"github.com/codemode/bridge/internal/sandbox"
	"github.com/codemode/bridge/internal/sandbox/container"
	"github.com/codemode/bridge/internal/search"
	"github.com/codemode/bridge/internal/session"
	"github.com/codemode/bridge/internal/tool"
	"github.com/codemode/bridge/internal/upstream"
)

// serverVersion is reported in the MCP implementation info.
const serverVersion = "1.0.0"

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	upstreams *upstream.Manager
	sandboxes *sandbox.Manager
	index     *search.BM25Index
	selector  *executor.Selector
	resolver  *session.Resolver
	facade    *bridge.Server
	server    *mcpsdk.Server

	stopOnce sync.Once
}

// New creates an App by wiring all subsystems together. Upstream servers are
// connected in the background; New returns as soon as the downstream surface
// is ready to serve.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		cfg:       cfg,
		sandboxes: sandbox.NewManager(),
		index:     search.NewBM25Index(),
	}

	// Registry changes flow one way: the upstream manager pushes tool sets
	// into the sandbox registry, and the search index is rebuilt from the
	// registry snapshot afterwards.
	a.upstreams = upstream.NewManager(upstream.WithObserver(func(namespace string, tools map[string]*tool.Descriptor) {
		a.sandboxes.RegisterToolDescriptors(namespace, tools)
		a.index.Rebuild(a.sandboxes.SearchEntries())
	}))
	upstream.RegisterUtils(a.upstreams)

	for name, serverCfg := range cfg.Servers {
		a.upstreams.ConnectServerInBackground(ctx, name, serverCfg, nil)
	}

	a.selector = executor.NewSelector(executor.Config{
		Kind:        cfg.Sandbox.Executor,
		Timeout:     cfg.Sandbox.Timeout(),
		AlwaysAsync: cfg.Sandbox.AlwaysAsync,
		Launch: container.LaunchConfig{
			Image:     cfg.Sandbox.Image,
			MemoryMB:  cfg.Sandbox.MemoryMB,
			CPUs:      cfg.Sandbox.CPUs,
			PidsLimit: cfg.Sandbox.PidsLimit,
		},
	})

	a.resolver = session.NewResolver(session.Config{
		Factory:          a.selector.Create,
		IdleTimeout:      cfg.Sandbox.IdleTimeout(),
		ProtectSingleton: cfg.Server.SingleClient(),
	})

	// main() installs the global meter provider before New runs, so the
	// default instruments bind to the Prometheus exporter.
	var metrics *observe.Metrics
	if cfg.Server.Metrics {
		metrics = observe.DefaultMetrics()
	}

	a.facade = bridge.New(bridge.Config{
		Resolver:  a.resolver,
		Sandboxes: a.sandboxes,
		Upstreams: a.upstreams,
		Index:     a.index,
		Metrics:   metrics,
	})

	a.server = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "codemode-bridge",
		Version: serverVersion,
	}, nil)
	a.facade.Register(a.server)

	return a, nil
}

// Run serves the downstream transport until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.Shutdown()

	if a.cfg.Server.SingleClient() {
		slog.Info("serving on stdio")
		return a.server.Run(ctx, &mcpsdk.StdioTransport{})
	}
	return a.runHTTP(ctx)
}

// runHTTP serves the streamable HTTP transport plus the health and metrics
// endpoints.
func (a *App) runHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpsdk.NewStreamableHTTPHandler(
		func(*http.Request) *mcpsdk.Server { return a.server },
		&mcpsdk.StreamableHTTPOptions{},
	))

	health.New(
		health.Checker{Name: "executor", Check: a.checkExecutor},
		health.Checker{Name: "upstreams", Check: a.checkUpstreams},
	).Register(mux)

	if a.cfg.Server.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serving on http", "addr", a.cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ApplyConfigChange reacts to a config file reload: removed upstreams are
// disconnected, added and modified ones are (re)connected in the background.
// The search index follows through the registry observer.
func (a *App) ApplyConfigChange(ctx context.Context, old, new *config.Config) {
	diff := config.DiffServers(old, new)
	if diff.Empty() {
		return
	}
	slog.Info("applying upstream config changes",
		"added", len(diff.Added), "modified", len(diff.Modified), "removed", len(diff.Removed))

	for _, name := range diff.Removed {
		a.upstreams.DisconnectServer(name)
	}
	for name, serverCfg := range diff.Added {
		a.upstreams.ConnectServerInBackground(ctx, name, serverCfg, nil)
	}
	for name, serverCfg := range diff.Modified {
		a.upstreams.ConnectServerInBackground(ctx, name, serverCfg, nil)
	}
}

// Shutdown disposes every session and disconnects every upstream. Safe to
// call more than once.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		a.resolver.DisposeAll()
		a.upstreams.DisconnectAll()
	})
}

// checkExecutor verifies a sandbox executor exists or can be created.
func (a *App) checkExecutor(ctx context.Context) error {
	_, err := a.resolver.Resolve(ctx, "")
	return err
}

// checkUpstreams verifies at least one non-virtual upstream is connected,
// passing trivially when none are configured.
func (a *App) checkUpstreams(context.Context) error {
	if len(a.cfg.Servers) == 0 {
		return nil
	}
	for name, info := range a.upstreams.GetConnectionStates() {
		if name == upstream.UtilsNamespace {
			continue
		}
		if info.State == upstream.StateConnected {
			return nil
		}
	}
	return errors.New("no upstream server connected")
}
