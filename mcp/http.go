package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SessionHeader carries the session id a server may assign in its initialize
// response. It is echoed on every later request.
const SessionHeader = "Mcp-Session-Id"

// HTTPConfig contains configuration for the plain HTTP transport
type HTTPConfig struct {
	// URL every request is POSTed to
	URL string `json:"url"`

	// Headers are added to every request
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout bounds each request, from POST until its response body has
	// been read. Zero means DefaultRequestTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// HTTPClient implements Client with one POST per JSON-RPC request and the
// response read from the POST body. The body may be a JSON object, a batch
// holding the response, or an event stream that carries it. No connection is
// held between requests, so calls run concurrently without correlation state.
type HTTPClient struct {
	config     HTTPConfig
	httpClient *http.Client
	logger     *slog.Logger
	info       ClientInfo
	key        string

	mu         sync.Mutex
	sessionID  string
	serverInfo ServerInfo
	closed     bool
}

// NewHTTPClient performs the initialize handshake against config.URL. An
// unreachable server or an HTTP failure status is reported as a
// *TransportError; a JSON-RPC error answer as a *ProtocolError.
func NewHTTPClient(ctx context.Context, config HTTPConfig, opts ...Option) (*HTTPClient, error) {
	o := buildOptions(opts)
	if config.URL == "" {
		return nil, NewTransportError("http", "initialize", errors.New("url is required"))
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}

	c := &HTTPClient{
		config:     config,
		httpClient: o.httpClient,
		info:       o.clientInfo,
		key:        URLKey(config.URL),
	}
	c.logger = o.logger.With("transport", "http", "url", config.URL, "mcp_server", c.key)

	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *HTTPClient) initialize(ctx context.Context) error {
	result, err := c.request(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    defaultCapabilities(),
		ClientInfo:      c.info,
	}, true)
	if err != nil {
		return err
	}

	var initRes InitializeResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &initRes); err != nil {
			c.logger.Warn("ignoring malformed initialize result", "error", err)
		}
	}
	c.mu.Lock()
	c.serverInfo = initRes.ServerInfo
	c.mu.Unlock()

	// Servers that keep no session state accept requests without this
	// notification, so a failure to deliver it is not fatal.
	if err := c.notify(ctx, MethodInitialized); err != nil {
		c.logger.Debug("initialized notification not delivered", "error", err)
	}
	c.logger.Debug("mcp handshake complete",
		"server", initRes.ServerInfo.Name, "protocol_version", initRes.ProtocolVersion, "session", c.session())
	return nil
}

// ServerInfo returns the server identity reported by initialize.
func (c *HTTPClient) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Tools sends tools/list and returns one Tool per entry of the result.
func (c *HTTPClient) Tools(ctx context.Context) ([]Tool, error) {
	result, err := c.request(ctx, MethodToolsList, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeTools(result)
}

// CallTool sends tools/call and returns the normalized content.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := c.request(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: args}, false)
	if err != nil {
		return "", err
	}
	content, isError, err := decodeCallResult(result)
	if err != nil {
		return "", err
	}
	if isError {
		c.logger.Debug("tool reported an error", "tool", name)
	}
	return content, nil
}

// UniqueKey returns the identity key of the URL.
func (c *HTTPClient) UniqueKey() string {
	return c.key
}

// request POSTs one request and reads its response from the body. While
// connecting, failures to reach the server are transport errors.
func (c *HTTPClient) request(ctx context.Context, method string, params any, connecting bool) (json.RawMessage, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, closedError()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	id := newRequestID()
	msg, err := c.roundTrip(reqCtx, newRequest(id, method, params), connecting)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, wrapProtocol("request canceled", ctx.Err())
		case reqCtx.Err() != nil && connecting:
			return nil, NewTransportError("http", "initialize", fmt.Errorf("%w: %w", ErrTimeout, err))
		case reqCtx.Err() != nil:
			c.logger.Debug("request timed out", "method", method, "id", id)
			return nil, timeoutError()
		}
		return nil, err
	}

	if msg.ID != "" && msg.ID != id {
		return nil, &ProtocolError{
			Message: ErrIDMismatch.Error(),
			Data:    map[string]any{"expected": string(id), "got": string(msg.ID)},
			Err:     ErrIDMismatch,
		}
	}
	if msg.Error != nil {
		return nil, rpcError(msg.Error)
	}
	return msg.Result, nil
}

// roundTrip POSTs msg and returns the response found in the body.
func (c *HTTPClient) roundTrip(ctx context.Context, msg RpcMessage, connecting bool) (RpcMessage, error) {
	fail := func(op string, err error) (RpcMessage, error) {
		if connecting {
			return RpcMessage{}, NewTransportError("http", op, err)
		}
		return RpcMessage{}, wrapProtocol("failed to "+op, err)
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return fail("send request", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var errResp RpcMessage
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != nil {
			return errResp, nil
		}
		status := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		if connecting {
			return fail("initialize", errors.New(status))
		}
		return RpcMessage{}, &ProtocolError{Message: status, Data: strings.TrimSpace(string(b))}
	}

	if msg.Method == MethodInitialize {
		if sessionID := resp.Header.Get(SessionHeader); sessionID != "" {
			c.mu.Lock()
			c.sessionID = sessionID
			c.mu.Unlock()
		}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return c.readStream(resp.Body)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
	if err != nil {
		return fail("read response", err)
	}
	return c.pickResponse(bytes.TrimSpace(b), msg.ID)
}

// pickResponse decodes a JSON body holding either a single response or a
// batch, and returns the response to id.
func (c *HTTPClient) pickResponse(body []byte, id RequestID) (RpcMessage, error) {
	if len(body) == 0 {
		return RpcMessage{}, wrapProtocol("empty response body", io.ErrUnexpectedEOF)
	}

	if body[0] != '[' {
		msg, err := decodeMessage(body)
		if err != nil {
			return RpcMessage{}, wrapProtocol("invalid response", err)
		}
		return msg, nil
	}

	var batch []RpcMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		return RpcMessage{}, wrapProtocol("invalid response", err)
	}
	for _, msg := range batch {
		if msg.IsResponse() && (msg.ID == id || msg.ID == "") {
			return msg, nil
		}
	}
	return RpcMessage{}, wrapProtocol("invalid response", fmt.Errorf("batch has no response to %s", id))
}

// readStream reads an event-stream body until its first response. Server
// requests that precede it are answered; notifications are skipped.
func (c *HTTPClient) readStream(body io.Reader) (RpcMessage, error) {
	var parser sseParser
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		for _, ev := range parser.Feed(buf[:n]) {
			if ev.Type != defaultEventType || ev.Data == "" {
				continue
			}
			msg, derr := decodeMessage([]byte(ev.Data))
			if derr != nil {
				c.logger.Warn("dropping malformed SSE frame", "error", derr, "data", ev.Data)
				continue
			}
			switch {
			case msg.IsResponse():
				return msg, nil
			case msg.IsRequest():
				go c.answer(msg)
			default:
				c.logger.Debug("ignoring message", "method", msg.Method)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			return RpcMessage{}, wrapProtocol("response stream ended", err)
		}
	}
}

// answer replies to a server request received in a response stream.
func (c *HTTPClient) answer(req RpcMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	if err := c.send(ctx, serverRequestReply(req)); err != nil {
		c.logger.Debug("failed to answer server request", "method", req.Method, "error", err)
	}
}

func (c *HTTPClient) notify(ctx context.Context, method string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	return c.send(ctx, newNotification(method, nil))
}

// send POSTs a message that expects no response body.
func (c *HTTPClient) send(ctx context.Context, msg RpcMessage) error {
	resp, err := c.post(ctx, msg)
	if err != nil {
		return wrapProtocol("failed to send request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &ProtocolError{Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, msg RpcMessage) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	c.logger.Debug("sending request", "method", msg.Method, "id", msg.ID)
	return c.httpClient.Do(req)
}

// addHeaders adds common headers to a request
func (c *HTTPClient) addHeaders(req *http.Request) {
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(ProtocolVersionHeader, ProtocolVersion)
	if sessionID := c.session(); sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
}

func (c *HTTPClient) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close ends the server session, if one was assigned, with a DELETE. It is
// idempotent and never fails.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.config.URL, nil)
	if err != nil {
		return nil
	}
	c.addHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("failed to end session", "error", err)
		return nil
	}
	resp.Body.Close()
	return nil
}
