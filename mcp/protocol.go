package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the version of the MCP protocol advertised during initialize
// and on the SSE stream request.
const ProtocolVersion = "2024-11-05"

// ProtocolVersionHeader carries ProtocolVersion on the SSE GET request.
const ProtocolVersionHeader = "MCP-Version"

// JSONRPCVersion is the JSON-RPC version used
const JSONRPCVersion = "2.0"

// Method names used by the clients.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodToolsListChanged = "notifications/tools/list_changed"
	MethodPing             = "ping"
)

// RequestID is an opaque JSON-RPC request identifier. Requests sent by this
// package always use UUID strings, but servers that echo numeric ids are
// accepted when decoding.
type RequestID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RequestID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid request id %s: %w", data, err)
	}
	*id = RequestID(n.String())
	return nil
}

// RpcMessage represents a JSON-RPC message, which can be a request, response or a notification
type RpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message carries a result or an error.
func (m RpcMessage) IsResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

// IsNotification reports whether the message is a notification (method, no id).
func (m RpcMessage) IsNotification() bool {
	return m.Method != "" && m.ID == ""
}

// IsRequest reports whether the message is a server-initiated request.
func (m RpcMessage) IsRequest() bool {
	return m.Method != "" && m.ID != ""
}

// newRequest builds a request envelope. Nil params are sent as an empty object.
func newRequest(id RequestID, method string, params any) RpcMessage {
	if params == nil {
		params = map[string]any{}
	}
	return RpcMessage{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

func newNotification(method string, params any) RpcMessage {
	if params == nil {
		params = map[string]any{}
	}
	return RpcMessage{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// RootsCapability advertises support for roots/list_changed notifications.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ClientCapabilities represents the capabilities of a client
type ClientCapabilities struct {
	Roots    *RootsCapability `json:"roots,omitempty"`
	Sampling *struct{}        `json:"sampling,omitempty"`
}

// defaultCapabilities are sent with every initialize request.
func defaultCapabilities() ClientCapabilities {
	return ClientCapabilities{
		Roots:    &RootsCapability{ListChanged: true},
		Sampling: &struct{}{},
	}
}

// Capability represents a capability with optional sub-capabilities
type Capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities represents the capabilities of a server
type ServerCapabilities struct {
	Prompts   *Capability `json:"prompts,omitempty"`
	Resources *Capability `json:"resources,omitempty"`
	Tools     *Capability `json:"tools,omitempty"`
	Logging   *Capability `json:"logging,omitempty"`
}

// ToolsListChanged reports whether the server announced tools.listChanged.
func (c ServerCapabilities) ToolsListChanged() bool {
	return c.Tools != nil && c.Tools.ListChanged
}

// ClientInfo represents client implementation information
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo represents server implementation information
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams represents parameters for the initialize request
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
}

// InitializeResult represents the result of an initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// callToolParams are the params of a tools/call request.
type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolsListResult represents the result of a tools/list request
type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

// callToolResult keeps content raw; its shape varies between servers.
type callToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

// resultShape reports which well-known keys a result object carries.
type resultShape struct {
	tools   bool
	content bool
}

func shapeOf(result json.RawMessage) resultShape {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(result, &keys); err != nil {
		return resultShape{}
	}
	_, tools := keys["tools"]
	_, content := keys["content"]
	return resultShape{tools: tools, content: content}
}
