package executor

import (
	"context"
	"testing"
	"time"

	"github.com/codemode/bridge/internal/sandbox/gojavm"
)

func TestExplicitGojaBackend(t *testing.T) {
	s := NewSelector(Config{Kind: gojavm.Kind, Timeout: 2 * time.Second})

	backend, info, err := s.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Dispose(context.Background())

	if info.Kind != gojavm.Kind {
		t.Errorf("Kind = %q", info.Kind)
	}
	if info.Reason != ReasonExplicit {
		t.Errorf("Reason = %q", info.Reason)
	}
	if info.Timeout != 2000 {
		t.Errorf("Timeout = %d", info.Timeout)
	}

	res := backend.Execute(context.Background(), "async () => 7", nil)
	if res.Error != "" {
		t.Fatalf("execute: %s", res.Error)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	s := NewSelector(Config{Kind: "v8-isolate", Timeout: time.Second})
	if _, _, err := s.Create(context.Background()); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestGojaAlwaysAvailable(t *testing.T) {
	s := NewSelector(Config{Timeout: time.Second})
	if !s.available(context.Background(), gojavm.Kind) {
		t.Error("the in-process backend must always probe available")
	}
	if s.available(context.Background(), "nonexistent") {
		t.Error("unknown kinds must probe unavailable")
	}
}
