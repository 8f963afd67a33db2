package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// StdioConfig contains configuration for stdio transport
type StdioConfig struct {
	// Command to execute
	Command string `json:"command"`

	// Arguments for the command
	Args []string `json:"args"`

	// Environment variables to set, on top of the parent environment
	Env map[string]string `json:"env,omitempty"`

	// Handshake performs initialize and notifications/initialized before the
	// client is returned. Most servers accept tools/list without it.
	Handshake bool `json:"handshake,omitempty"`
}

// StdioClient speaks JSON-RPC to a child process over its stdin and stdout.
//
// Exactly one request is in flight at a time: a request line is written and
// flushed, then the client blocks until the matching response line arrives.
// There is no timeout of its own; pass a context with a deadline to bound a
// call. A call abandoned through its context leaves the pipe out of step with
// the server, so the client closes itself.
//
// Thread Safety: safe for concurrent use; concurrent calls are serialized.
type StdioClient struct {
	config StdioConfig
	logger *slog.Logger
	info   ClientInfo
	key    string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	codec  *lineCodec

	mu sync.Mutex // one request in flight

	// lines carries stdout lines from the single reader goroutine.
	lines chan lineResult

	done          chan struct{}
	closeOnce     sync.Once
	terminateOnce sync.Once

	serverInfo   ServerInfo
	capabilities ServerCapabilities
}

// NewStdioClient spawns the configured command and returns a ready client.
// A spawn failure is reported as a *TransportError.
func NewStdioClient(ctx context.Context, config StdioConfig, opts ...Option) (*StdioClient, error) {
	o := buildOptions(opts)
	if config.Command == "" {
		return nil, NewTransportError("stdio", "start process", errors.New("command is required"))
	}

	c := &StdioClient{
		config: config,
		info:   o.clientInfo,
		key:    CommandKey(append([]string{config.Command}, config.Args...)...),
		lines:  make(chan lineResult),
		done:   make(chan struct{}),
	}
	c.logger = o.logger.With("transport", "stdio", "command", config.Command, "mcp_server", c.key)

	// The process must outlive ctx, so it is not bound to it.
	c.cmd = exec.Command(config.Command, config.Args...)
	if len(config.Env) > 0 {
		env := os.Environ()
		for k, v := range config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		c.cmd.Env = env
	}

	var err error
	c.stdin, err = c.cmd.StdinPipe()
	if err != nil {
		return nil, NewTransportError("stdio", "create stdin pipe", err)
	}
	c.stdout, err = c.cmd.StdoutPipe()
	if err != nil {
		return nil, NewTransportError("stdio", "create stdout pipe", err)
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return nil, NewTransportError("stdio", "create stderr pipe", err)
	}

	if err := c.cmd.Start(); err != nil {
		return nil, NewTransportError("stdio", "start process", err)
	}
	c.codec = newLineCodec(c.stdout, c.stdin)
	go c.readLoop()
	go c.drainStderr(stderr)

	c.logger.Debug("mcp process started", "pid", c.cmd.Process.Pid, "args", config.Args)

	if config.Handshake {
		if err := c.handshake(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// readLoop is the only reader of stdout. After the first read error it keeps
// handing out that error until the client is closed.
func (c *StdioClient) readLoop() {
	for {
		line, err := c.codec.ReadLine()
		res := lineResult{line: line, err: err}
		for {
			select {
			case c.lines <- res:
			case <-c.done:
				return
			}
			if err == nil {
				break
			}
		}
	}
}

// drainStderr logs the server's stderr at debug level until the pipe closes.
func (c *StdioClient) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			c.logger.Debug("mcp server stderr", "line", line)
		}
	}
}

func (c *StdioClient) handshake(ctx context.Context) error {
	result, err := c.request(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    defaultCapabilities(),
		ClientInfo:      c.info,
	})
	if err != nil {
		return err
	}

	var initRes InitializeResult
	if err := json.Unmarshal(result, &initRes); err != nil {
		return wrapProtocol("invalid initialize result", err)
	}
	c.serverInfo = initRes.ServerInfo
	c.capabilities = initRes.Capabilities

	if err := c.notify(MethodInitialized); err != nil {
		return err
	}
	c.logger.Debug("mcp handshake complete",
		"server", initRes.ServerInfo.Name, "protocol_version", initRes.ProtocolVersion)
	return nil
}

// ServerInfo returns the server identity reported during the handshake. It
// is empty unless StdioConfig.Handshake is set.
func (c *StdioClient) ServerInfo() ServerInfo {
	return c.serverInfo
}

// Tools sends tools/list and returns one Tool per entry of the result.
func (c *StdioClient) Tools(ctx context.Context) ([]Tool, error) {
	result, err := c.request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	return decodeTools(result)
}

// CallTool sends tools/call and returns the normalized content.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
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

// UniqueKey returns the identity key of the command line.
func (c *StdioClient) UniqueKey() string {
	return c.key
}

type lineResult struct {
	line []byte
	err  error
}

// request writes one request line and reads lines until its response. Server
// notifications are skipped and server requests answered in between; every
// other line is treated as the response.
func (c *StdioClient) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, closedError()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return nil, closedError()
	}

	id := newRequestID()
	if err := c.codec.WriteMessage(newRequest(id, method, params)); err != nil {
		if c.isClosed() {
			return nil, closedError()
		}
		return nil, wrapProtocol("failed to send request", err)
	}
	c.logger.Debug("sent request", "method", method, "id", id)

	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return nil, err
		}

		msg, err := decodeMessage(line)
		if err != nil {
			return nil, wrapProtocol("invalid response", err)
		}

		switch {
		case msg.IsNotification():
			c.logger.Debug("skipping server notification", "method", msg.Method)
			continue
		case msg.IsRequest():
			if err := c.codec.WriteMessage(serverRequestReply(msg)); err != nil {
				return nil, wrapProtocol("failed to answer server request", err)
			}
			continue
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
}

// readLine blocks for the next line from the process, giving up when ctx is
// done or the client is closed.
func (c *StdioClient) readLine(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.lines:
		if r.err != nil {
			if c.isClosed() {
				return nil, closedError()
			}
			if errors.Is(r.err, io.EOF) {
				return nil, wrapProtocol("server closed stdout", r.err)
			}
			return nil, wrapProtocol("failed to read response", r.err)
		}
		return r.line, nil
	case <-c.done:
		return nil, closedError()
	case <-ctx.Done():
		// The response may still arrive, so the client is unusable from here
		// on. Later calls fail at once; the process is stopped in the
		// background.
		c.logger.Warn("request abandoned, closing client", "error", ctx.Err())
		c.markClosed()
		go c.stopProcess()
		return nil, wrapProtocol("request canceled", ctx.Err())
	}
}

// notify writes a notification line.
func (c *StdioClient) notify(method string) error {
	if err := c.codec.WriteMessage(newNotification(method, nil)); err != nil {
		return wrapProtocol("failed to send notification", err)
	}
	return nil
}

func (c *StdioClient) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops the process: stdin is closed first, then SIGTERM after five
// seconds and a kill two seconds later. It is idempotent and never fails.
func (c *StdioClient) Close() error {
	c.markClosed()
	c.stopProcess()
	return nil
}

func (c *StdioClient) markClosed() {
	c.closeOnce.Do(func() { close(c.done) })
}

// stopProcess runs terminate once. A second caller blocks until it is done.
func (c *StdioClient) stopProcess() {
	c.terminateOnce.Do(c.terminate)
}

func (c *StdioClient) terminate() {
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			c.logger.Debug("close stdin", "error", err)
		}
	}

	if c.cmd == nil || c.cmd.Process == nil {
		return
	}

	exited := make(chan error, 1)
	go func() {
		exited <- c.cmd.Wait()
	}()

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if err != nil && errors.As(err, &exitErr) {
			c.logger.Debug("mcp process exited", "error", exitErr)
		}
		return
	case <-time.After(5 * time.Second):
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c.logger.Debug("send SIGTERM", "error", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		if err := c.cmd.Process.Kill(); err != nil {
			c.logger.Debug("kill process", "error", err)
		}
		<-exited
	}
}
