package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// returnTemplate is echoed to the agent whenever a script returns something
// that is not a valid EvalReturn value.
const returnTemplate = `Return one of:
  {type: "text", text: string}
  {type: "image", data: <base64 string>, mimeType: string}
  {type: "audio", data: <base64 string>, mimeType: string}
  {type: "json", value: <any JSON value>}
or an array of such blocks.`

// Block is one validated EvalReturn content block.
type Block struct {
	Type     string
	Text     string
	Data     []byte
	MimeType string
	Value    any
}

// ParseEvalReturn validates a script's return value against the EvalReturn
// contract and normalises it to a list of blocks. The error message includes
// the received shape and the required template so the agent can self-correct.
func ParseEvalReturn(v any) ([]Block, error) {
	if list, ok := v.([]any); ok {
		blocks := make([]Block, 0, len(list))
		for i, item := range list {
			block, err := parseBlock(item)
			if err != nil {
				return nil, fmt.Errorf("invalid value at array index %d: %w", i, err)
			}
			blocks = append(blocks, block)
		}
		return blocks, nil
	}
	block, err := parseBlock(v)
	if err != nil {
		return nil, err
	}
	return []Block{block}, nil
}

func parseBlock(v any) (Block, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Block{}, fmt.Errorf("script returned an invalid value: %s. %s", describeShape(v), returnTemplate)
	}
	typ, _ := obj["type"].(string)
	switch typ {
	case "text":
		text, ok := obj["text"].(string)
		if !ok {
			return Block{}, fmt.Errorf("invalid value: text block requires a string text field. %s", returnTemplate)
		}
		return Block{Type: "text", Text: text}, nil

	case "image", "audio":
		data, ok := obj["data"].(string)
		if !ok {
			return Block{}, fmt.Errorf("invalid value: %s block requires a base64 data field. %s", typ, returnTemplate)
		}
		mime, ok := obj["mimeType"].(string)
		if !ok || mime == "" {
			return Block{}, fmt.Errorf("invalid value: %s block requires a mimeType field. %s", typ, returnTemplate)
		}
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return Block{}, fmt.Errorf("invalid value: %s block data is not valid base64: %v. %s", typ, err, returnTemplate)
		}
		return Block{Type: typ, Data: decoded, MimeType: mime}, nil

	case "json":
		value, ok := obj["value"]
		if !ok {
			return Block{}, fmt.Errorf("invalid value: json block requires a value field. %s", returnTemplate)
		}
		return Block{Type: "json", Value: value}, nil

	default:
		return Block{}, fmt.Errorf("script returned an invalid value: %s. %s", describeShape(v), returnTemplate)
	}
}

// ToContent maps validated blocks to MCP content blocks: text stays text,
// image/audio become base64 blocks with their MIME type, json becomes a text
// block holding pretty-printed JSON.
func ToContent(blocks []Block) ([]mcpsdk.Content, error) {
	content := make([]mcpsdk.Content, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			content = append(content, &mcpsdk.TextContent{Text: b.Text})
		case "image":
			content = append(content, &mcpsdk.ImageContent{Data: b.Data, MIMEType: b.MimeType})
		case "audio":
			content = append(content, &mcpsdk.AudioContent{Data: b.Data, MIMEType: b.MimeType})
		case "json":
			pretty, err := json.MarshalIndent(b.Value, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("bridge: encode json block: %w", err)
			}
			content = append(content, &mcpsdk.TextContent{Text: string(pretty)})
		}
	}
	return content, nil
}

// describeShape renders a compact description of an arbitrary value for error
// messages, e.g. `number (42)` or `object with keys [foo bar]`.
func describeShape(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return fmt.Sprintf("boolean (%v)", t)
	case float64:
		return fmt.Sprintf("number (%v)", t)
	case string:
		if len(t) > 40 {
			t = t[:40] + "…"
		}
		return fmt.Sprintf("string (%q)", t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		return fmt.Sprintf("object with keys [%s]", strings.Join(keys, " "))
	default:
		return fmt.Sprintf("%T", v)
	}
}
