package sandbox

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestErrorTextStringForm(t *testing.T) {
	var msg RuntimeMessage
	if err := json.Unmarshal([]byte(`{"type":"error","id":"x","error":"boom"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if got := msg.ErrorText(); got != "boom" {
		t.Errorf("ErrorText = %q, want boom", got)
	}
}

func TestErrorTextStructuredForm(t *testing.T) {
	var msg RuntimeMessage
	line := `{"type":"error","error":{"message":"heap limit","stack":"at foo","name":"RangeError"}}`
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatal(err)
	}
	if got := msg.ErrorText(); got != "heap limit" {
		t.Errorf("ErrorText = %q, want heap limit", got)
	}
	if msg.ID != "" {
		t.Error("fatal error must not carry an id")
	}
}

func TestErrorTextEmpty(t *testing.T) {
	var msg RuntimeMessage
	if got := msg.ErrorText(); got != "" {
		t.Errorf("ErrorText on empty = %q", got)
	}
}

func TestEncodeLine(t *testing.T) {
	line, err := EncodeLine(HostMessage{Type: MsgExecute, ID: "exec-1", Code: "1+1"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(line)
	if !strings.HasSuffix(s, "\n") {
		t.Error("encoded message must end with a newline")
	}
	if strings.Count(s, "\n") != 1 {
		t.Error("encoded message must be a single line")
	}
	var decoded HostMessage
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("round-trip: %v", err)
	}
	if decoded.Type != MsgExecute || decoded.ID != "exec-1" || decoded.Code != "1+1" {
		t.Errorf("round-trip mismatch: %+v", decoded)
	}
}
