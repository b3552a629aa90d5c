// Package bridge exposes the downstream MCP surface: the fixed tool set a
// client uses to evaluate scripts against every upstream tool at once.
//
// The five tools are a thin façade: sandbox_eval_js resolves the caller's
// session to an executor and runs the script through the sandbox registry;
// the discovery tools read the registry and the search index; bridge_status
// reports executor and upstream connection state.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/codemode/bridge/internal/observe"
	"github.com/codemode/bridge/internal/sandbox"
	"github.com/codemode/bridge/internal/schema"
	"github.com/codemode/bridge/internal/search"
	"github.com/codemode/bridge/internal/session"
	"github.com/codemode/bridge/internal/tool"
	"github.com/codemode/bridge/internal/upstream"
)

// defaultSearchLimit caps sandbox_search_functions results when the caller
// does not pass a limit.
const defaultSearchLimit = 10

// maxSuggestions bounds the "did you mean" list on unknown tool names.
const maxSuggestions = 3

// Server wires the five downstream tools onto an MCP server.
type Server struct {
	resolver  *session.Resolver
	sandboxes *sandbox.Manager
	upstreams *upstream.Manager
	index     search.Index
	metrics   *observe.Metrics
	logger    *slog.Logger
}

// Config holds the collaborators of a [Server].
type Config struct {
	Resolver  *session.Resolver
	Sandboxes *sandbox.Manager
	Upstreams *upstream.Manager
	Index     search.Index

	// Metrics is optional; nil disables instrumentation.
	Metrics *observe.Metrics
}

// New creates the downstream façade.
func New(cfg Config) *Server {
	return &Server{
		resolver:  cfg.Resolver,
		sandboxes: cfg.Sandboxes,
		upstreams: cfg.Upstreams,
		index:     cfg.Index,
		metrics:   cfg.Metrics,
		logger:    slog.Default().With("component", "bridge"),
	}
}

type evalArgs struct {
	Code string `json:"code" jsonschema:"JavaScript to evaluate in the sandbox. May be an async callable expression or raw statements. Call upstream tools through the host namespace, e.g. await host.github__create_issue({...}). Return {type:'text'|'image'|'audio'|'json', ...} or an array of such blocks."`
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"Free-text query over tool names and descriptions."`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of results (default 10)."`
}

type functionsArgs struct {
	Namespace string `json:"namespace,omitempty" jsonschema:"Restrict the listing to one upstream namespace."`
}

type schemaArgs struct {
	Name string `json:"name" jsonschema:"Qualified tool name, e.g. github__create_issue."`
}

type statusArgs struct{}

// Register adds the five bridge tools to srv.
func (s *Server) Register(srv *mcpsdk.Server) {
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "sandbox_eval_js",
		Description: "Evaluate JavaScript in an isolated sandbox where every upstream tool is callable through the host namespace. Composes many tool calls into one round-trip.",
	}, s.handleEval)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "sandbox_search_functions",
		Description: "Search the available sandbox functions by name and description (BM25-ranked).",
	}, s.handleSearch)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "sandbox_get_functions",
		Description: "List the available sandbox functions with their descriptions.",
	}, s.handleGetFunctions)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "sandbox_get_function_schema",
		Description: "Get the call-signature declaration for a single sandbox function.",
	}, s.handleGetSchema)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "bridge_status",
		Description: "Report the executor configuration, per-namespace tool counts, and upstream connection states.",
	}, s.handleStatus)
}

func (s *Server) handleEval(ctx context.Context, req *mcpsdk.CallToolRequest, args evalArgs) (*mcpsdk.CallToolResult, any, error) {
	sessionID := ""
	if req != nil && req.Session != nil {
		sessionID = req.Session.ID()
	}
	start := time.Now()

	executor, err := s.resolver.Resolve(ctx, sessionID)
	if err != nil {
		s.recordEval("resolver-error", start)
		return errorResult(fmt.Sprintf("No sandbox executor available: %v", err)), nil, nil
	}

	result := s.sandboxes.RunCodeWithExecutor(ctx, executor, args.Code)

	if result.Failed() {
		s.recordEval("error", start)
		content := []mcpsdk.Content{&mcpsdk.TextContent{Text: result.Error}}
		content = appendLogs(content, result.Logs)
		return &mcpsdk.CallToolResult{IsError: true, Content: content}, nil, nil
	}

	blocks, err := ParseEvalReturn(result.Value)
	if err != nil {
		s.recordEval("invalid-return", start)
		content := []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}}
		content = appendLogs(content, result.Logs)
		return &mcpsdk.CallToolResult{IsError: true, Content: content}, nil, nil
	}
	content, err := ToContent(blocks)
	if err != nil {
		s.recordEval("encode-error", start)
		return errorResult(err.Error()), nil, nil
	}
	content = appendLogs(content, result.Logs)

	s.recordEval("ok", start)
	return &mcpsdk.CallToolResult{Content: content}, nil, nil
}

func (s *Server) handleSearch(ctx context.Context, _ *mcpsdk.CallToolRequest, args searchArgs) (*mcpsdk.CallToolResult, any, error) {
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	results := s.index.Search(args.Query, limit)
	if s.metrics != nil {
		s.metrics.SearchQueries.Add(ctx, 1)
	}
	return jsonResult(map[string]any{"results": results})
}

func (s *Server) handleGetFunctions(_ context.Context, _ *mcpsdk.CallToolRequest, args functionsArgs) (*mcpsdk.CallToolResult, any, error) {
	listing := s.sandboxes.GetToolList(args.Namespace)
	return jsonResult(map[string]any{"functions": listing})
}

func (s *Server) handleGetSchema(_ context.Context, _ *mcpsdk.CallToolRequest, args schemaArgs) (*mcpsdk.CallToolResult, any, error) {
	namespace, name, ok := tool.SplitQualified(args.Name)
	if ok {
		if d, found := s.sandboxes.GetRegisteredTool(namespace, name); found {
			snippet := schema.TypeDeclaration(args.Name, d.Description, d.RawSchema)
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: snippet}}}, nil, nil
		}
	}
	msg := fmt.Sprintf("Function %q not found.", args.Name)
	if suggestions := s.suggest(args.Name); len(suggestions) > 0 {
		msg += " Did you mean: " + strings.Join(suggestions, ", ") + "?"
	}
	return errorResult(msg), nil, nil
}

func (s *Server) handleStatus(_ context.Context, _ *mcpsdk.CallToolRequest, _ statusArgs) (*mcpsdk.CallToolResult, any, error) {
	status := map[string]any{
		"sessions":   s.resolver.SessionCount(),
		"namespaces": s.sandboxes.GetNamespaceInfo(),
		"upstreams":  s.upstreams.GetConnectionStates(),
	}
	if info, ok := s.resolver.SingletonInfo(); ok {
		status["executor"] = info
	}
	return jsonResult(status)
}

// suggest returns up to maxSuggestions registered names closest to the
// requested one by edit distance.
func (s *Server) suggest(name string) []string {
	type candidate struct {
		name string
		dist int
	}
	var candidates []candidate
	for _, row := range s.sandboxes.GetToolList("") {
		dist := matchr.Levenshtein(name, row.QualifiedName)
		if dist <= len(name)/2+1 {
			candidates = append(candidates, candidate{name: row.QualifiedName, dist: dist})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > maxSuggestions {
		candidates = candidates[:maxSuggestions]
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names
}

func (s *Server) recordEval(status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", status))
	s.metrics.Evals.Add(ctx, 1, attrs)
	s.metrics.EvalDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// appendLogs attaches captured console output as a trailing text block.
func appendLogs(content []mcpsdk.Content, logs []string) []mcpsdk.Content {
	if len(logs) == 0 {
		return content
	}
	return append(content, &mcpsdk.TextContent{Text: "Logs:\n" + strings.Join(logs, "\n")})
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}

func jsonResult(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode response: %v", err)), nil, nil
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}}}, nil, nil
}
