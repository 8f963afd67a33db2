package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool describes one remote capability as returned by tools/list.
//
// A Tool is a value: it is decoded once per tools/list entry and never
// modified afterwards. The accessors return the stored schema data directly,
// so callers must not mutate what they get back.
type Tool struct {
	// Name is unique within one server's tool list.
	Name string `json:"name"`

	// Description is human-readable and may be empty.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON-Schema object describing the arguments.
	// It defaults to an empty object schema when the server omits it.
	InputSchema map[string]any `json:"inputSchema"`
}

// UnmarshalJSON decodes a tools/list entry, defaulting the input schema.
func (t *Tool) UnmarshalJSON(data []byte) error {
	type rawTool Tool
	var raw rawTool
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.InputSchema == nil {
		raw.InputSchema = emptyObjectSchema()
	}
	*t = Tool(raw)
	return nil
}

func emptyObjectSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// InputType returns the schema's "type" field, or "" when absent.
func (t Tool) InputType() string {
	s, _ := t.InputSchema["type"].(string)
	return s
}

// Properties returns the schema's "properties" map. It is never nil.
func (t Tool) Properties() map[string]any {
	if props, ok := t.InputSchema["properties"].(map[string]any); ok {
		return props
	}
	return map[string]any{}
}

// RequiredProperties returns the schema's "required" list. It is never nil.
func (t Tool) RequiredProperties() []string {
	var required []string
	switch v := t.InputSchema["required"].(type) {
	case []string:
		required = append(required, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				required = append(required, s)
			}
		}
	}
	if required == nil {
		return []string{}
	}
	return required
}

// IsRequired reports whether name appears in the required list.
func (t Tool) IsRequired(name string) bool {
	for _, r := range t.RequiredProperties() {
		if r == name {
			return true
		}
	}
	return false
}

// Schema converts the input schema into a jsonschema.Schema.
func (t Tool) Schema() (*jsonschema.Schema, error) {
	src := t.InputSchema
	if src == nil {
		src = emptyObjectSchema()
	}
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema of tool %s: %w", t.Name, err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse input schema of tool %s: %w", t.Name, err)
	}
	return &schema, nil
}
