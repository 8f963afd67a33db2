// Package mcp implements the client side of the Model Context Protocol for
// tool discovery and invocation.
//
// Three transports are provided. StdioClient drives a child process over its
// standard input and output with one JSON-RPC object per line and one request
// in flight at a time. SSEClient follows the 2024-11-05 HTTP+SSE transport: it
// holds a Server-Sent-Events stream open, discovers the POST endpoint from it,
// and correlates responses arriving on the stream with outstanding requests.
// HTTPClient is the plain alternative for servers that answer each POST in
// its response body.
//
// All of them implement Client, so callers can list and call tools without knowing
// which transport is in use. Tool results are reduced to a single string by
// NormalizeContent.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client is the transport-independent view of a connected MCP server.
//
// Thread Safety: implementations are safe for concurrent use. The stdio client
// serializes requests internally.
type Client interface {
	// Tools lists the tools exposed by the server.
	Tools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a tool and returns its normalized content.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)

	// Close releases the connection. It is idempotent and always returns nil.
	Close() error

	// UniqueKey returns a short fingerprint of the connection parameters.
	UniqueKey() string
}

var (
	_ Client = (*StdioClient)(nil)
	_ Client = (*SSEClient)(nil)
	_ Client = (*HTTPClient)(nil)
)

// DefaultClientInfo identifies this client during initialize.
var DefaultClientInfo = ClientInfo{Name: "mcptools", Version: "0.1.0"}

// Transport names accepted by ServerConfig.Protocol.
const (
	ProtocolSSE  = "sse"
	ProtocolHTTP = "http"
)

// ServerConfig describes how to reach one server. Exactly one of URL and
// Command must be set: URL selects an HTTP transport, Command the stdio one.
type ServerConfig struct {
	// URL of the SSE stream, or the endpoint of a plain HTTP server.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Protocol picks the transport for URL: ProtocolSSE (the default) or
	// ProtocolHTTP.
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`

	// Headers are added to every HTTP request.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Timeout bounds each HTTP request. Zero means DefaultRequestTimeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ConnectTimeout bounds opening the SSE stream and discovering the
	// endpoint. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`

	// Command to execute
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Arguments for the command
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Environment variables to set
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Handshake makes the stdio client perform initialize before use.
	Handshake bool `json:"handshake,omitempty" yaml:"handshake,omitempty"`
}

// Transport names the transport a configuration selects, or "" if the
// configuration is invalid. Check explains why.
func (c ServerConfig) Transport() string {
	if c.Check() != nil {
		return ""
	}
	if c.Command != "" {
		return "stdio"
	}
	if c.Protocol == "" {
		return ProtocolSSE
	}
	return c.Protocol
}

// Check reports why the configuration selects no transport.
func (c ServerConfig) Check() error {
	switch {
	case c.URL != "" && c.Command != "":
		return errors.New("url and command are mutually exclusive")
	case c.URL == "" && c.Command == "":
		return errors.New("one of url or command is required")
	case c.Command != "" && c.Protocol != "":
		return fmt.Errorf("protocol %q applies to url servers only", c.Protocol)
	case c.Protocol != "" && c.Protocol != ProtocolSSE && c.Protocol != ProtocolHTTP:
		return fmt.Errorf("unknown protocol %q (want %s or %s)", c.Protocol, ProtocolSSE, ProtocolHTTP)
	}
	return nil
}

// SSE returns the SSE part of the configuration.
func (c ServerConfig) SSE() SSEConfig {
	return SSEConfig{
		URL:            c.URL,
		Headers:        c.Headers,
		Timeout:        c.Timeout,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// HTTP returns the plain HTTP part of the configuration.
func (c ServerConfig) HTTP() HTTPConfig {
	return HTTPConfig{
		URL:     c.URL,
		Headers: c.Headers,
		Timeout: c.Timeout,
	}
}

// Stdio returns the stdio part of the configuration.
func (c ServerConfig) Stdio() StdioConfig {
	return StdioConfig{
		Command:   c.Command,
		Args:      c.Args,
		Env:       c.Env,
		Handshake: c.Handshake,
	}
}

// KeyFor computes the identity key a client built from cfg would report,
// without connecting. It returns "" when cfg selects no transport.
func KeyFor(cfg ServerConfig) string {
	switch cfg.Transport() {
	case ProtocolSSE, ProtocolHTTP:
		return URLKey(cfg.URL)
	case "stdio":
		return CommandKey(append([]string{cfg.Command}, cfg.Args...)...)
	default:
		return ""
	}
}

// Dial connects to the server described by cfg using the transport it selects.
func Dial(ctx context.Context, cfg ServerConfig, opts ...Option) (Client, error) {
	if err := cfg.Check(); err != nil {
		return nil, NewTransportError("config", "select transport", err)
	}
	switch cfg.Transport() {
	case ProtocolHTTP:
		return NewHTTPClient(ctx, cfg.HTTP(), opts...)
	case "stdio":
		return NewStdioClient(ctx, cfg.Stdio(), opts...)
	default:
		return NewSSEClient(ctx, cfg.SSE(), opts...)
	}
}

// Option configures a client.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	clientInfo ClientInfo
	httpClient *http.Client
}

func buildOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		clientInfo: DefaultClientInfo,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClientInfo sets the client identity sent during initialize.
func WithClientInfo(info ClientInfo) Option {
	return func(o *options) {
		o.clientInfo = info
	}
}

// WithHTTPClient sets the HTTP client used by the SSE and HTTP transports. The client
// must not set a Timeout, since that would cut the long-lived stream.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// decodeTools maps a tools/list result onto Tool values.
func decodeTools(result json.RawMessage) ([]Tool, error) {
	tools := []Tool{}
	if len(result) == 0 {
		return tools, nil
	}
	var list toolsListResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, wrapProtocol("invalid tools/list result", err)
	}
	for _, t := range list.Tools {
		if t.Name == "" {
			continue
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// decodeCallResult normalizes a tools/call result. The isError flag is
// returned so the caller can log it; the content is still the result.
func decodeCallResult(result json.RawMessage) (string, bool, error) {
	if len(result) == 0 {
		return "", false, nil
	}
	var res callToolResult
	if err := json.Unmarshal(result, &res); err != nil {
		return "", false, wrapProtocol("invalid tools/call result", err)
	}
	return NormalizeContent(res.Content), res.IsError, nil
}

// serverRequestReply builds the answer to a server-initiated request. Only
// ping is supported.
func serverRequestReply(req RpcMessage) RpcMessage {
	reply := RpcMessage{JSONRPC: JSONRPCVersion, ID: req.ID}
	if req.Method == MethodPing {
		reply.Result = json.RawMessage(`{}`)
		return reply
	}
	reply.Error = &Error{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("method not supported: %s", req.Method),
	}
	return reply
}
