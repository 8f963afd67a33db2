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
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// Default SSE timeouts.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// maxErrorBody bounds how much of a failed POST response is read.
const maxErrorBody = 64 * 1024

// SSEConfig contains configuration for the HTTP+SSE transport
type SSEConfig struct {
	// URL of the SSE stream
	URL string `json:"url"`

	// Headers are added to the stream request and every POST
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout bounds each request, from POST until its response arrives on
	// the stream. Zero means DefaultRequestTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// ConnectTimeout bounds opening the stream and discovering the endpoint.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
}

// SSEClient implements Client over HTTP with Server-Sent Events (protocol
// version 2024-11-05).
//
// A single reader goroutine owns the stream body and its parse buffer. Each
// request registers a pending call keyed by its id before it is POSTed; the
// reader hands each response to the call with the matching id. Results that
// arrive without an id go to the oldest pending call whose method fits the
// payload. Calls may be issued concurrently and complete independently.
type SSEClient struct {
	config     SSEConfig
	httpClient *http.Client
	logger     *slog.Logger
	info       ClientInfo
	key        string

	mu       sync.Mutex
	endpoint string // set by the reader before it dispatches any later event
	pending  map[RequestID]*pendingCall
	seq      uint64
	readErr  error
	closed   bool
	tools    []Tool
	cached   bool

	serverInfo   ServerInfo
	capabilities ServerCapabilities

	cancelStream context.CancelFunc
	readerDone   chan struct{}
	closeOnce    sync.Once
}

type pendingCall struct {
	id     RequestID
	method string
	seq    uint64
	result chan callResult // buffered; receives exactly one value
}

type callResult struct {
	msg RpcMessage
	err error
}

// accepts reports whether an id-less result of the given shape can answer
// this call.
func (p *pendingCall) accepts(shape resultShape) bool {
	switch p.method {
	case MethodToolsList:
		return shape.tools
	case MethodToolsCall:
		return shape.content
	default:
		return true
	}
}

// NewSSEClient opens the event stream, waits for the POST endpoint and
// performs the initialize handshake. Failing to open the stream or to
// discover the endpoint is reported as a *TransportError.
func NewSSEClient(ctx context.Context, config SSEConfig, opts ...Option) (*SSEClient, error) {
	o := buildOptions(opts)
	if config.URL == "" {
		return nil, NewTransportError("sse", "open stream", errors.New("url is required"))
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	c := &SSEClient{
		config:     config,
		httpClient: o.httpClient,
		info:       o.clientInfo,
		key:        URLKey(config.URL),
		pending:    make(map[RequestID]*pendingCall),
		readerDone: make(chan struct{}),
	}
	c.logger = o.logger.With("transport", "sse", "url", config.URL, "mcp_server", c.key)

	endpoint, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("discovered endpoint", "endpoint", endpoint)

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// connect opens the stream, starts the reader and waits for the endpoint.
func (c *SSEClient) connect(ctx context.Context) (string, error) {
	// The stream outlives ctx; only the connect phase is bound to it.
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancelStream = cancel

	connectCtx, stopConnect := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer stopConnect()
	stop := context.AfterFunc(connectCtx, cancel)

	fail := func(op string, err error) (string, error) {
		stop()
		cancel()
		if connectCtx.Err() != nil {
			err = fmt.Errorf("%w: %w", connectCtx.Err(), err)
		}
		return "", NewTransportError("sse", op, err)
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return fail("create GET request", err)
	}
	c.addHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail("open stream", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return fail("open stream", fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return fail("open stream", fmt.Errorf("expected text/event-stream, got %s", ct))
	}

	endpointCh := make(chan string, 1)
	go c.readLoop(resp.Body, endpointCh)

	select {
	case endpoint := <-endpointCh:
		if !stop() {
			// The connect deadline fired as the endpoint arrived and the
			// stream is already being torn down.
			<-c.readerDone
			return fail("discover endpoint", connectCtx.Err())
		}
		return endpoint, nil
	case <-c.readerDone:
		// The stream may have ended right after announcing the endpoint. The
		// handshake then reports the lost connection.
		select {
		case endpoint := <-endpointCh:
			stop()
			return endpoint, nil
		default:
		}
		return fail("discover endpoint", c.streamErr())
	case <-connectCtx.Done():
		<-c.readerDone
		return fail("discover endpoint", errors.New("timeout waiting for endpoint event"))
	}
}

func (c *SSEClient) initialize(ctx context.Context) error {
	result, err := c.request(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    defaultCapabilities(),
		ClientInfo:      c.info,
	})
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
	c.capabilities = initRes.Capabilities
	c.mu.Unlock()

	if initRes.Capabilities.ToolsListChanged() {
		if err := c.post(ctx, newNotification(MethodInitialized, nil)); err != nil {
			return err
		}
	}
	c.logger.Debug("mcp handshake complete",
		"server", initRes.ServerInfo.Name, "protocol_version", initRes.ProtocolVersion)
	return nil
}

// Endpoint returns the discovered POST endpoint.
func (c *SSEClient) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// ServerInfo returns the server identity reported by initialize.
func (c *SSEClient) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities reported by initialize.
func (c *SSEClient) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Tools returns the server's tools. The list is fetched once and cached until
// the server announces a change.
func (c *SSEClient) Tools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	if c.cached {
		tools := slices.Clone(c.tools)
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	result, err := c.request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	tools, err := decodeTools(result)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = tools
	c.cached = true
	c.mu.Unlock()
	return slices.Clone(tools), nil
}

// CallTool sends tools/call and returns the normalized content.
func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := c.request(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: args})
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

// UniqueKey returns the identity key of the stream URL.
func (c *SSEClient) UniqueKey() string {
	return c.key
}

// request registers a pending call, POSTs the request and waits for the
// response to arrive on the stream.
func (c *SSEClient) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	call, err := c.register(method)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := c.post(reqCtx, newRequest(call.id, method, params)); err != nil {
		c.forget(call.id)
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, timeoutError()
		}
		return nil, err
	}
	c.logger.Debug("sent request", "method", method, "id", call.id)

	select {
	case res := <-call.result:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, rpcError(res.msg.Error)
		}
		return res.msg.Result, nil
	case <-reqCtx.Done():
		c.forget(call.id)
		if ctx.Err() != nil {
			return nil, wrapProtocol("request canceled", ctx.Err())
		}
		c.logger.Debug("request timed out", "method", method, "id", call.id)
		return nil, timeoutError()
	}
}

func (c *SSEClient) register(method string) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, closedError()
	}
	if c.readErr != nil {
		return nil, wrapProtocol("connection lost", c.readErr)
	}

	c.seq++
	call := &pendingCall{
		id:     newRequestID(),
		method: method,
		seq:    c.seq,
		result: make(chan callResult, 1),
	}
	c.pending[call.id] = call
	return call, nil
}

func (c *SSEClient) forget(id RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// post sends msg to the endpoint. A JSON-RPC response returned inline in the
// POST body is dispatched as if it had arrived on the stream.
func (c *SSEClient) post(ctx context.Context, msg RpcMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return wrapProtocol("failed to create request", err)
	}
	c.addHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapProtocol("failed to send request", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var errResp RpcMessage
		if json.Unmarshal(b, &errResp) == nil && errResp.Error != nil {
			return rpcError(errResp.Error)
		}
		return &ProtocolError{
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
			Data:    strings.TrimSpace(string(b)),
		}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
		var inline RpcMessage
		if json.Unmarshal(b, &inline) == nil && inline.IsResponse() {
			c.resolve(inline)
		}
	}
	return nil
}

// addHeaders adds common headers to a request
func (c *SSEClient) addHeaders(req *http.Request) {
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(ProtocolVersionHeader, ProtocolVersion)
}

// readLoop owns the stream body and parse buffer. Until the endpoint is
// known it also watches for the endpoint event; the first one found is
// recorded and then sent on endpointCh. Recording it here, before any later
// event is handled, lets server requests that follow the announcement be
// answered.
func (c *SSEClient) readLoop(body io.ReadCloser, endpointCh chan<- string) {
	defer close(c.readerDone)
	defer body.Close()

	var parser sseParser
	discovered := false
	buf := make([]byte, 32*1024)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Feed(buf[:n]) {
				if !discovered {
					if endpoint, ok := c.endpointFrom(ev); ok {
						discovered = true
						c.mu.Lock()
						c.endpoint = endpoint
						c.mu.Unlock()
						endpointCh <- endpoint
						continue
					}
				}
				c.handleEvent(ev)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			c.fail(err)
			return
		}
	}
}

// endpointFrom recognizes both endpoint announcements: a dedicated endpoint
// event, and a message event carrying an initialize notification with
// params.endpoint_url.
func (c *SSEClient) endpointFrom(ev sseEvent) (string, bool) {
	switch ev.Type {
	case "endpoint":
		if ev.Data == "" {
			return "", false
		}
		return resolveEndpoint(c.config.URL, ev.Data), true
	case defaultEventType:
		var msg RpcMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil || msg.Method != MethodInitialize {
			return "", false
		}
		params, _ := msg.Params.(map[string]any)
		raw, _ := params["endpoint_url"].(string)
		if raw == "" {
			return "", false
		}
		return resolveEndpoint(c.config.URL, raw), true
	}
	return "", false
}

// resolveEndpoint resolves a possibly relative endpoint against the stream
// URL. Unparseable input is returned unchanged.
func resolveEndpoint(base, endpoint string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return endpoint
	}
	resolved, err := baseURL.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return resolved.String()
}

func (c *SSEClient) handleEvent(ev sseEvent) {
	if ev.Type != defaultEventType {
		c.logger.Debug("ignoring SSE event", "event", ev.Type)
		return
	}
	if ev.Data == "" {
		return
	}

	var msg RpcMessage
	if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
		c.logger.Warn("dropping malformed SSE frame", "error", err, "data", ev.Data)
		return
	}

	switch {
	case msg.IsRequest():
		go c.answer(msg)
	case msg.IsNotification():
		c.handleNotification(msg)
	case msg.IsResponse():
		c.resolve(msg)
	default:
		c.logger.Debug("ignoring message", "id", msg.ID)
	}
}

func (c *SSEClient) handleNotification(msg RpcMessage) {
	switch msg.Method {
	case MethodToolsListChanged:
		c.mu.Lock()
		c.cached = false
		c.tools = nil
		c.mu.Unlock()
		c.logger.Debug("tool list changed")
	default:
		c.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

// answer replies to a server-initiated request.
func (c *SSEClient) answer(req RpcMessage) {
	if c.Endpoint() == "" {
		c.logger.Debug("dropping server request received before the endpoint", "method", req.Method)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()
	if err := c.post(ctx, serverRequestReply(req)); err != nil {
		c.logger.Debug("failed to answer server request", "method", req.Method, "error", err)
	}
}

// resolve delivers a response to its pending call. An id-less result that no
// call accepts is merged into the tool cache when it lists tools.
func (c *SSEClient) resolve(msg RpcMessage) {
	shape := shapeOf(msg.Result)

	c.mu.Lock()
	var call *pendingCall
	if msg.ID != "" {
		call = c.pending[msg.ID]
	} else {
		call = c.oldestAccepting(shape, msg.Error != nil)
	}
	if call != nil {
		delete(c.pending, call.id)
	} else if msg.ID == "" && shape.tools {
		c.mergeToolsLocked(msg.Result)
	}
	c.mu.Unlock()

	if call == nil {
		c.logger.Debug("dropping response with no pending request", "id", msg.ID)
		return
	}
	call.result <- callResult{msg: msg}
}

// oldestAccepting must be called with mu held.
func (c *SSEClient) oldestAccepting(shape resultShape, isError bool) *pendingCall {
	var oldest *pendingCall
	for _, call := range c.pending {
		if !isError && !call.accepts(shape) {
			continue
		}
		if oldest == nil || call.seq < oldest.seq {
			oldest = call
		}
	}
	return oldest
}

// mergeToolsLocked must be called with mu held.
func (c *SSEClient) mergeToolsLocked(result json.RawMessage) {
	tools, err := decodeTools(result)
	if err != nil {
		c.logger.Warn("dropping unsolicited tool list", "error", err)
		return
	}
	for _, t := range tools {
		i := slices.IndexFunc(c.tools, func(known Tool) bool { return known.Name == t.Name })
		if i >= 0 {
			c.tools[i] = t
		} else {
			c.tools = append(c.tools, t)
		}
	}
	c.cached = true
	c.logger.Debug("merged unsolicited tool list", "count", len(tools))
}

// fail records the reader's terminal error and fails every pending call.
func (c *SSEClient) fail(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	closed := c.closed
	pending := c.takePendingLocked()
	c.mu.Unlock()

	if !closed {
		c.logger.Warn("SSE stream ended", "error", err)
	}
	for _, call := range pending {
		call.result <- callResult{err: wrapProtocol("connection lost", err)}
	}
}

func (c *SSEClient) streamErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr == nil {
		return ErrStreamClosed
	}
	return c.readErr
}

// takePendingLocked must be called with mu held.
func (c *SSEClient) takePendingLocked() []*pendingCall {
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	return calls
}

// Close fails any pending calls and stops the reader. It is idempotent and
// never fails.
func (c *SSEClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.takePendingLocked()
		c.mu.Unlock()

		for _, call := range pending {
			call.result <- callResult{err: closedError()}
		}

		if c.cancelStream != nil {
			c.cancelStream()
		}
		select {
		case <-c.readerDone:
		case <-time.After(2 * time.Second):
			c.logger.Debug("SSE reader did not stop in time")
		}
	})
	return nil
}
