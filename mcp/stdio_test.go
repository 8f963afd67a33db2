package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/mcptools/mcp"
)

// TestHelperProcess is not a real test. It is re-executed by the stdio tests
// as a fake MCP server speaking line-delimited JSON-RPC.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	runFakeStdioServer(os.Getenv("FAKE_MODE"))
	os.Exit(0)
}

func runFakeStdioServer(mode string) {
	fmt.Fprintln(os.Stderr, "fake server starting")

	in := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	reply := func(id mcp.RequestID, result any) {
		if mode == "mismatch" {
			id = "not-" + id
		}
		out.Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}

	for in.Scan() {
		var req mcp.RpcMessage
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			continue
		}
		if req.ID == "" {
			continue
		}

		if mode == "chatty" {
			out.Encode(map[string]any{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]any{"level": "info"}})
		}

		switch req.Method {
		case mcp.MethodInitialize:
			reply(req.ID, map[string]any{
				"protocolVersion": mcp.ProtocolVersion,
				"capabilities":    map[string]any{},
				"serverInfo":      map[string]any{"name": "fake-stdio", "version": "0.0.1"},
			})
		case mcp.MethodToolsList:
			reply(req.ID, map[string]any{"tools": []any{
				map[string]any{"name": "echo", "description": "Echo", "inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"text": map[string]any{"type": "string"}},
				}},
				map[string]any{"name": "env"},
			}})
		case mcp.MethodToolsCall:
			params := req.Params.(map[string]any)
			args, _ := params["arguments"].(map[string]any)
			switch params["name"] {
			case "echo":
				reply(req.ID, map[string]any{"content": []any{map[string]any{"type": "text", "text": args["text"]}}})
			case "env":
				reply(req.ID, map[string]any{"content": []any{map[string]any{"type": "text", "text": os.Getenv("FAKE_TOKEN")}}})
			case "hang":
				// never answered
			default:
				out.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32602, "message": "boom"}})
			}
		}
	}
}

func helperConfig(mode string, env map[string]string) mcp.StdioConfig {
	merged := map[string]string{"GO_WANT_HELPER_PROCESS": "1", "FAKE_MODE": mode}
	for k, v := range env {
		merged[k] = v
	}
	return mcp.StdioConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     merged,
	}
}

func startHelper(t *testing.T, cfg mcp.StdioConfig) *mcp.StdioClient {
	t.Helper()
	client, err := mcp.NewStdioClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStdioClient_ToolsAndCall(t *testing.T) {
	client := startHelper(t, helperConfig("normal", map[string]string{"FAKE_TOKEN": "s3cret"}))
	ctx := context.Background()

	tools, err := client.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "Echo", tools[0].Description)
	assert.Contains(t, tools[0].Properties(), "text")
	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, tools[1].InputSchema)

	got, err := client.CallTool(ctx, "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	got, err = client.CallTool(ctx, "env", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)
}

func TestStdioClient_ProtocolError(t *testing.T) {
	client := startHelper(t, helperConfig("normal", nil))

	_, err := client.CallTool(context.Background(), "missing", nil)
	require.Error(t, err)

	var pe *mcp.ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, -32602, pe.Code)
	assert.Equal(t, "boom", pe.Message)

	// The pipe stays in step after an error response.
	got, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "after"})
	require.NoError(t, err)
	assert.Equal(t, "after", got)
}

func TestStdioClient_SkipsNotifications(t *testing.T) {
	client := startHelper(t, helperConfig("chatty", nil))

	got, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "through"})
	require.NoError(t, err)
	assert.Equal(t, "through", got)
}

func TestStdioClient_IDMismatch(t *testing.T) {
	client := startHelper(t, helperConfig("mismatch", nil))

	_, err := client.Tools(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mcp.ErrIDMismatch)
	assert.True(t, mcp.IsProtocolError(err))
}

func TestStdioClient_Handshake(t *testing.T) {
	cfg := helperConfig("normal", nil)
	cfg.Handshake = true
	client := startHelper(t, cfg)

	assert.Equal(t, "fake-stdio", client.ServerInfo().Name)

	tools, err := client.Tools(context.Background())
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestStdioClient_ContextCancel(t *testing.T) {
	client := startHelper(t, helperConfig("normal", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.CallTool(ctx, "hang", nil)
	require.Error(t, err)
	assert.True(t, mcp.IsProtocolError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned response would desynchronise the pipe, so the client is
	// closed before CallTool returns and no later call reaches the pipe.
	for range 3 {
		_, err = client.Tools(context.Background())
		assert.ErrorIs(t, err, mcp.ErrClientClosed)
	}
	_, err = client.CallTool(context.Background(), "echo", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, mcp.ErrClientClosed)
	assert.NoError(t, client.Close())
}

func TestStdioClient_Close(t *testing.T) {
	client := startHelper(t, helperConfig("normal", nil))

	errCh := make(chan error, 1)
	go func() {
		_, err := client.CallTool(context.Background(), "hang", nil)
		errCh <- err
	}()

	// Give the call time to be written.
	time.Sleep(100 * time.Millisecond)

	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, mcp.ErrClientClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail after Close")
	}

	_, err := client.Tools(context.Background())
	assert.ErrorIs(t, err, mcp.ErrClientClosed)
}

func TestStdioClient_SpawnFailure(t *testing.T) {
	_, err := mcp.NewStdioClient(context.Background(), mcp.StdioConfig{Command: "/nonexistent/mcp-server"})
	require.Error(t, err)

	var te *mcp.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "stdio", te.Transport)

	_, err = mcp.NewStdioClient(context.Background(), mcp.StdioConfig{})
	assert.True(t, mcp.IsTransportError(err))
}

func TestStdioClient_UniqueKey(t *testing.T) {
	cfg := helperConfig("normal", nil)
	client := startHelper(t, cfg)

	assert.Equal(t, mcp.KeyFor(mcp.ServerConfig{Command: cfg.Command, Args: cfg.Args}), client.UniqueKey())
}
