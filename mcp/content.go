package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const defaultImageMimeType = "image/png"

// imageContent is the structured form an image block is re-encoded into so
// that consumers can detect image payloads without guessing.
type imageContent struct {
	Type     string `json:"type"`
	Data     any    `json:"data"`
	MimeType string `json:"mime_type"`
}

// NormalizeContent converts the content field of a tools/call result into a
// single string. Both clients route every tool result through it.
//
// Only the first block is considered. A text block yields its text verbatim,
// an image block yields a JSON object with type, data and mime_type, any other
// object is JSON-encoded as received, and a scalar yields its string form.
// Empty or absent content yields "".
func NormalizeContent(content json.RawMessage) string {
	first, ok := firstBlock(content)
	if !ok {
		return ""
	}

	block, isMap := first.(map[string]any)
	if !isMap {
		return scalarString(first)
	}

	switch block["type"] {
	case "text":
		if text, ok := block["text"].(string); ok {
			return text
		}
		return scalarString(block["text"])
	case "image":
		mimeType, _ := block["mimeType"].(string)
		if mimeType == "" {
			mimeType = defaultImageMimeType
		}
		return encodeJSON(imageContent{
			Type:     "image",
			Data:     block["data"],
			MimeType: mimeType,
		})
	default:
		return encodeJSON(block)
	}
}

// firstBlock decodes content and returns its first block. A single block that
// is not wrapped in an array is treated as a one-element list.
func firstBlock(content json.RawMessage) (any, bool) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return string(content), true
	}

	switch v := decoded.(type) {
	case []any:
		if len(v) == 0 {
			return nil, false
		}
		return v[0], v[0] != nil
	case string:
		return v, v != ""
	default:
		return v, true
	}
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case []any:
		return encodeJSON(s)
	default:
		return fmt.Sprint(s)
	}
}

// encodeJSON marshals v without HTML escaping so text survives unchanged.
func encodeJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
