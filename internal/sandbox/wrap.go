package sandbox

import (
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// ScriptKind classifies the shape of a submitted script.
type ScriptKind int

const (
	// KindAsyncFunction is an async function or async arrow expression.
	KindAsyncFunction ScriptKind = iota

	// KindSyncArrow is a non-async arrow function expression.
	KindSyncArrow

	// KindSyncFunction is a non-async function expression.
	KindSyncFunction

	// KindRawStatements is anything else, including unparseable input.
	KindRawStatements
)

// String returns the kind's name.
func (k ScriptKind) String() string {
	switch k {
	case KindAsyncFunction:
		return "async-function"
	case KindSyncArrow:
		return "sync-arrow"
	case KindSyncFunction:
		return "sync-function"
	default:
		return "raw-statements"
	}
}

// ClassifyScript parses src and reports its shape. A script is a callable
// expression when, wrapped in parentheses, it parses to a single function or
// arrow literal; everything else (including syntax errors, which the sandbox
// will surface on evaluation) is raw statements.
func ClassifyScript(src string) ScriptKind {
	prog, err := parser.ParseFile(nil, "", "(\n"+src+"\n)", 0)
	if err == nil && len(prog.Body) == 1 {
		if stmt, ok := prog.Body[0].(*ast.ExpressionStatement); ok {
			switch fn := stmt.Expression.(type) {
			case *ast.ArrowFunctionLiteral:
				if fn.Async {
					return KindAsyncFunction
				}
				return KindSyncArrow
			case *ast.FunctionLiteral:
				if fn.Async {
					return KindAsyncFunction
				}
				return KindSyncFunction
			}
		}
	}
	return KindRawStatements
}

// WrapScript turns a submitted script into a single expression whose value
// (possibly a promise) is awaited by the runtime:
//
//   - async callables are invoked;
//   - sync callables are invoked directly, or inside an async IIFE when
//     alwaysAsync is set;
//   - raw statements are wrapped in an async IIFE so `return` and `await`
//     work at the top level.
func WrapScript(src string, alwaysAsync bool) string {
	switch ClassifyScript(src) {
	case KindAsyncFunction:
		return "(" + src + ")()"
	case KindSyncArrow, KindSyncFunction:
		if alwaysAsync {
			return "(async () => (" + src + ")())()"
		}
		return "(" + src + ")()"
	default:
		return "(async () => {\n" + src + "\n})()"
	}
}

// Normalize strips leading whitespace from code before it is handed to a
// backend. Everything else is left to the backend's WrapScript.
func Normalize(code string) string {
	return strings.TrimLeft(code, " \t\r\n")
}
