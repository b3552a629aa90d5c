package sandbox

import (
	"encoding/json"
	"fmt"
)

// Host→runner and runner→host messages travel as line-delimited JSON over
// stdin/stdout: exactly one UTF-8 encoded JSON object per line. A runner that
// emits a non-JSON line on stdout is treated as crashed.

// Host message types.
const (
	MsgExecute    = "execute"
	MsgToolResult = "tool-result"
	MsgToolError  = "tool-error"
	MsgHeartbeat  = "heartbeat"
	MsgShutdown   = "shutdown"
)

// Runner message types.
const (
	MsgReady    = "ready"
	MsgToolCall = "tool-call"
	MsgResult   = "result"
	MsgError    = "error"
)

// HostMessage is a message sent from the host to the runner.
type HostMessage struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Code   string `json:"code,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RuntimeMessage is a message received from the runner.
//
// The error field is polymorphic: execution-scoped errors (with an id) carry
// a plain string, fatal errors (no id) carry a structured object. Use
// [RuntimeMessage.ErrorText] to read either form.
type RuntimeMessage struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result any             `json:"result,omitempty"`
	Logs   []string        `json:"logs,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// RuntimeError is the structured form of a fatal runner error.
type RuntimeError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ErrorText decodes the polymorphic error field. It accepts both the plain
// string form and the structured {message, stack?, name?} form.
func (m *RuntimeMessage) ErrorText() string {
	if len(m.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Error, &s); err == nil {
		return s
	}
	var re RuntimeError
	if err := json.Unmarshal(m.Error, &re); err == nil && re.Message != "" {
		return re.Message
	}
	return string(m.Error)
}

// EncodeLine marshals msg followed by a newline, ready to be written to the
// runner's stdin.
func EncodeLine(msg HostMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encode %s message: %w", msg.Type, err)
	}
	return append(data, '\n'), nil
}
