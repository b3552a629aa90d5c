package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/codemode/bridge/internal/tool"
)

// UtilsNamespace is the synthetic server carrying the built-in utility tools.
// It guarantees the sandbox always has at least one namespace, even with zero
// upstream servers configured.
const UtilsNamespace = "utils"

// maxSleepMs bounds utils__sleep so a script cannot park the sandbox past its
// own execution timeout for free.
const maxSleepMs = 30_000

// RegisterUtils installs the virtual utils server on m.
func RegisterUtils(m *Manager) {
	m.RegisterServer(UtilsNamespace, UtilsDescriptors())
}

// UtilsDescriptors builds the built-in tool set. The descriptors run
// in-process; no MCP round-trip is involved.
func UtilsDescriptors() map[string]*tool.Descriptor {
	return map[string]*tool.Descriptor{
		"sleep": {
			Name:        "sleep",
			Description: "Pause for the given number of milliseconds (capped at 30000).",
			RawSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"ms": map[string]any{"type": "number"}},
				"required":   []any{"ms"},
			},
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"ms": map[string]any{"type": "number"}},
				"required":   []any{"ms"},
			},
			Execute: execSleep,
		},
		"base64_encode": {
			Name:        "base64_encode",
			Description: "Encode a UTF-8 string as base64.",
			RawSchema:   stringArgSchema("text"),
			InputSchema: stringArgSchema("text"),
			Execute: func(_ context.Context, args any) (any, error) {
				s, err := stringArg(args, "text")
				if err != nil {
					return nil, err
				}
				return base64.StdEncoding.EncodeToString([]byte(s)), nil
			},
		},
		"base64_decode": {
			Name:        "base64_decode",
			Description: "Decode a base64 string to UTF-8 text.",
			RawSchema:   stringArgSchema("data"),
			InputSchema: stringArgSchema("data"),
			Execute: func(_ context.Context, args any) (any, error) {
				s, err := stringArg(args, "data")
				if err != nil {
					return nil, err
				}
				decoded, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("invalid base64 input: %w", err)
				}
				return string(decoded), nil
			},
		},
		"timestamp": {
			Name:        "timestamp",
			Description: "Current UTC time as an RFC 3339 string and Unix milliseconds.",
			RawSchema:   map[string]any{"type": "object", "properties": map[string]any{}},
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
			Execute: func(context.Context, any) (any, error) {
				now := time.Now().UTC()
				return map[string]any{
					"rfc3339": now.Format(time.RFC3339),
					"unixMs":  now.UnixMilli(),
				}, nil
			},
		},
	}
}

func execSleep(ctx context.Context, args any) (any, error) {
	m, ok := args.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("sleep expects an object argument with an ms field")
	}
	ms, ok := m["ms"].(float64)
	if !ok || ms < 0 {
		return nil, fmt.Errorf("sleep requires a non-negative ms number")
	}
	if ms > maxSleepMs {
		ms = maxSleepMs
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return map[string]any{"sleptMs": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func stringArgSchema(field string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{field: map[string]any{"type": "string"}},
		"required":   []any{field},
	}
}

func stringArg(args any, field string) (string, error) {
	// Accept both {field: "..."} and a bare string for convenience from
	// sandbox code.
	switch v := args.(type) {
	case string:
		return v, nil
	case map[string]any:
		if s, ok := v[field].(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("expected a string %q argument", field)
}
