// Package session maps downstream client sessions to sandbox executors.
// Each identified client gets an exclusively-owned executor with idle-timeout
// eviction; unidentified callers share a protected singleton. Creation is
// single-flight so a burst of concurrent calls for a new session id invokes
// the executor factory exactly once.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/codemode/bridge/internal/sandbox"
)

// SingletonID is the reserved session id of the shared fallback executor.
const SingletonID = "__singleton__"

// DefaultIdleTimeout evicts sessions that stay unused this long.
const DefaultIdleTimeout = 30 * time.Minute

// Factory creates a fresh executor for a new session.
type Factory func(ctx context.Context) (sandbox.Backend, sandbox.Info, error)

type entry struct {
	executor  sandbox.Backend
	info      sandbox.Info
	protected bool
	idleTimer *time.Timer
}

// Resolver owns the session registry. All methods are safe for concurrent
// use.
type Resolver struct {
	factory     Factory
	idleTimeout time.Duration
	// protectSingleton marks the singleton as never-expiring. True under a
	// single-connection transport (stdio); false under HTTP, where the
	// singleton participates in idle eviction like any other session.
	protectSingleton bool
	logger           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	creating singleflight.Group
}

// Config configures a [Resolver].
type Config struct {
	// Factory creates executors. Required.
	Factory Factory

	// IdleTimeout overrides [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// ProtectSingleton disables idle eviction for the singleton session.
	ProtectSingleton bool
}

// NewResolver creates a resolver with an empty registry. The singleton is
// created lazily on first resolve.
func NewResolver(cfg Config) *Resolver {
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Resolver{
		factory:          cfg.Factory,
		idleTimeout:      idle,
		protectSingleton: cfg.ProtectSingleton,
		logger:           slog.Default().With("component", "session-resolver"),
		sessions:         make(map[string]*entry),
	}
}

// Resolve returns the executor owned by sessionID, creating it on first use.
// An empty id addresses the singleton. When creation fails for a regular
// session the resolver logs the failure and falls back to the singleton,
// re-creating it lazily if it was idle-evicted.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) (sandbox.Backend, error) {
	if sessionID == "" {
		sessionID = SingletonID
	}

	if executor := r.touch(sessionID); executor != nil {
		return executor, nil
	}

	executor, err := r.create(ctx, sessionID)
	if err == nil {
		return executor, nil
	}
	if sessionID == SingletonID {
		return nil, fmt.Errorf("session: create singleton executor: %w", err)
	}

	r.logger.Warn("executor creation failed, falling back to singleton", "session", sessionID, "err", err)
	if executor := r.touch(SingletonID); executor != nil {
		return executor, nil
	}
	executor, err = r.create(ctx, SingletonID)
	if err != nil {
		return nil, fmt.Errorf("session: fallback to singleton failed: %w", err)
	}
	return executor, nil
}

// touch returns the live executor for id and resets its idle timer, or nil
// when no session exists.
func (r *Resolver) touch(id string) sandbox.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if e.idleTimer != nil {
		e.idleTimer.Reset(r.idleTimeout)
	}
	return e.executor
}

// create runs the factory behind a single-flight group keyed by session id,
// so concurrent resolves for the same new id share one creation.
func (r *Resolver) create(ctx context.Context, id string) (sandbox.Backend, error) {
	v, err, _ := r.creating.Do(id, func() (any, error) {
		// A session may have appeared between the registry miss and this
		// call; the single-flight group serialises the check-and-create.
		if executor := r.touch(id); executor != nil {
			return executor, nil
		}

		executor, info, err := r.factory(ctx)
		if err != nil {
			return nil, err
		}

		protected := id == SingletonID && r.protectSingleton
		e := &entry{executor: executor, info: info, protected: protected}
		if !protected {
			e.idleTimer = time.AfterFunc(r.idleTimeout, func() { r.DisposeSession(id) })
		}

		r.mu.Lock()
		r.sessions[id] = e
		r.mu.Unlock()

		r.logger.Info("session created", "session", id, "executor", info.Kind, "protected", protected)
		return executor, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(sandbox.Backend), nil
}

// DisposeSession cancels the idle timer, removes the session, and disposes
// its executor, absorbing dispose errors.
func (r *Resolver) DisposeSession(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.executor.Dispose(ctx); err != nil {
		r.logger.Warn("executor dispose failed", "session", id, "err", err)
	}
	r.logger.Info("session disposed", "session", id)
}

// DisposeAll disposes every session concurrently.
func (r *Resolver) DisposeAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			r.DisposeSession(id)
			return nil
		})
	}
	_ = g.Wait()
}

// SessionCount returns the number of live sessions.
func (r *Resolver) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// HasSession reports whether id currently owns an executor.
func (r *Resolver) HasSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// SessionIDs returns a snapshot of the live session ids.
func (r *Resolver) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SingletonInfo returns the singleton session's executor info, if it exists.
func (r *Resolver) SingletonInfo() (sandbox.Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[SingletonID]
	if !ok {
		return sandbox.Info{}, false
	}
	return e.info, true
}
