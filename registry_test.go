package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/mcptools/mcp"
)

// fakeClient is an in-memory mcp.Client.
type fakeClient struct {
	key   string
	tools []mcp.Tool

	mu     sync.Mutex
	calls  []fakeCall
	closed bool
	result func(name string, args map[string]any) (string, error)
}

type fakeCall struct {
	Name string
	Args map[string]any
}

func (f *fakeClient) Tools(context.Context) ([]mcp.Tool, error) {
	return f.tools, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Name: name, Args: args})
	f.mu.Unlock()
	if f.result != nil {
		return f.result(name, args)
	}
	return "ok:" + name, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) UniqueKey() string { return f.key }

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func searchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search",
		Description: "Search documents",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "default": 5},
			},
			"required": []any{"query"},
		},
	}
}

func plainTool(name string) mcp.Tool {
	return mcp.Tool{Name: name, InputSchema: map[string]any{"type": "object", "properties": map[string]any{}}}
}

// dialerFor serves fake clients keyed by the configuration's identity key.
func dialerFor(clients map[string]*fakeClient) DialFunc {
	return func(_ context.Context, cfg mcp.ServerConfig, _ ...mcp.Option) (mcp.Client, error) {
		key := mcp.KeyFor(cfg)
		c, ok := clients[key]
		if !ok {
			return nil, mcp.NewTransportError("fake", "dial", fmt.Errorf("no server for %q", key))
		}
		return c, nil
	}
}

func TestRegistry_RegisterNamespacesTools(t *testing.T) {
	docs := mcp.ServerConfig{URL: "https://gitmcp.io/OlympiaAI/raix/docs"}
	files := mcp.ServerConfig{Command: "mcp-files", Args: []string{"/tmp"}}
	docsKey, filesKey := mcp.KeyFor(docs), mcp.KeyFor(files)

	reg := NewRegistry(WithDialer(dialerFor(map[string]*fakeClient{
		docsKey:  {key: docsKey, tools: []mcp.Tool{searchTool(), plainTool("fetch.page")}},
		filesKey: {key: filesKey, tools: []mcp.Tool{searchTool()}},
	})))
	defer reg.Close()

	ctx := context.Background()
	n, err := reg.Register(ctx, Server{Name: "docs", Config: docs})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = reg.Register(ctx, Server{Name: "files", Config: files})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var names []string
	for _, spec := range reg.Tools() {
		names = append(names, spec.Name)
	}
	want := []string{
		docsKey + "_fetch_page",
		docsKey + "_search",
		filesKey + "_search",
	}
	if diff := cmp.Diff(slices.Sorted(slices.Values(want)), names); diff != "" {
		t.Errorf("tool names mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "7159ed50_search", LocalName(docsKey, "search"))

	specs := reg.Tools()
	for _, spec := range specs {
		if spec.Name == docsKey+"_fetch_page" {
			assert.Equal(t, "fetch.page", spec.RemoteName)
			assert.Equal(t, "docs", spec.Server)
			require.NotNil(t, spec.Parameters)
			assert.Equal(t, "object", spec.Parameters.Type)
		}
	}
}

func TestRegistry_Filter(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "none", want: []string{"a", "b", "c"}},
		{name: "only", filter: Filter{Only: []string{"a", "c"}}, want: []string{"a", "c"}},
		{name: "except", filter: Filter{Except: []string{"b"}}, want: []string{"a", "c"}},
		{name: "both", filter: Filter{Only: []string{"a", "b"}, Except: []string{"b"}}, want: []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{key: "k", tools: []mcp.Tool{plainTool("a"), plainTool("b"), plainTool("c")}}
			reg := NewRegistry()
			defer reg.Close()

			_, err := reg.Add(context.Background(), "srv", client, tt.filter)
			require.NoError(t, err)

			var got []string
			for _, spec := range reg.Tools() {
				got = append(got, spec.RemoteName)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_DuplicateServers(t *testing.T) {
	cfg := mcp.ServerConfig{URL: "http://localhost:9000/sse"}
	key := mcp.KeyFor(cfg)
	var dials atomic.Int32
	dial := func(ctx context.Context, c mcp.ServerConfig, opts ...mcp.Option) (mcp.Client, error) {
		dials.Add(1)
		return &fakeClient{key: key, tools: []mcp.Tool{plainTool("x")}}, nil
	}
	reg := NewRegistry(WithDialer(dial))
	defer reg.Close()
	ctx := context.Background()

	n, err := reg.Register(ctx, Server{Name: "first", Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same configuration: ignored without dialing.
	n, err = reg.Register(ctx, Server{Name: "again", Config: cfg})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, dials.Load())

	// Different configuration that claims the same key.
	collider := &fakeClient{key: key, tools: []mcp.Tool{plainTool("y")}}
	_, err = reg.Add(ctx, "collider", collider, Filter{})
	var dup DuplicateServerErr
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, key, dup.Key)
	assert.Equal(t, "first", dup.Existing)
	assert.Equal(t, "collider", dup.Name)
	assert.True(t, collider.isClosed())

	assert.Len(t, reg.Tools(), 1)
}

func TestRegistry_Call(t *testing.T) {
	client := &fakeClient{key: "abcd1234", tools: []mcp.Tool{searchTool(), plainTool("noop")}}
	reg := NewRegistry()
	defer reg.Close()
	ctx := context.Background()

	_, err := reg.Add(ctx, "docs", client, Filter{})
	require.NoError(t, err)

	t.Run("applies defaults", func(t *testing.T) {
		out, err := reg.Call(ctx, "abcd1234_search", json.RawMessage(`{"query":"mcp"}`))
		require.NoError(t, err)
		assert.Equal(t, "ok:search", out)

		client.mu.Lock()
		last := client.calls[len(client.calls)-1]
		client.mu.Unlock()
		assert.Equal(t, "search", last.Name)
		assert.Equal(t, "mcp", last.Args["query"])
		assert.EqualValues(t, 5, last.Args["limit"])
	})

	t.Run("empty arguments", func(t *testing.T) {
		out, err := reg.Call(ctx, "abcd1234_noop", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok:noop", out)
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := reg.Call(ctx, "abcd1234_search", json.RawMessage(`{}`))
		var invalid InvalidArgumentsErr
		require.True(t, errors.As(err, &invalid))
		assert.Equal(t, "abcd1234_search", invalid.Tool)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := reg.Call(ctx, "abcd1234_search", json.RawMessage(`{"query": 3}`))
		var invalid InvalidArgumentsErr
		assert.True(t, errors.As(err, &invalid))
	})

	t.Run("not an object", func(t *testing.T) {
		_, err := reg.Call(ctx, "abcd1234_search", json.RawMessage(`["query"]`))
		var invalid InvalidArgumentsErr
		assert.True(t, errors.As(err, &invalid))
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := reg.Call(ctx, "abcd1234_missing", nil)
		var notFound ToolNotFoundErr
		require.True(t, errors.As(err, &notFound))
		assert.Equal(t, ToolNotFoundErr("abcd1234_missing"), notFound)
	})
}

func TestRegistry_CallPropagatesClientErrors(t *testing.T) {
	boom := mcp.NewProtocolError(-32000, "boom", nil)
	client := &fakeClient{
		key:   "k",
		tools: []mcp.Tool{plainTool("fail")},
		result: func(string, map[string]any) (string, error) {
			return "", boom
		},
	}
	var logs bytes.Buffer
	reg := NewRegistry(WithLogger(slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	defer reg.Close()

	_, err := reg.Add(context.Background(), "srv", client, Filter{})
	require.NoError(t, err)

	_, err = reg.Call(context.Background(), "k_fail", nil)
	assert.ErrorIs(t, err, boom)
	assert.True(t, mcp.IsProtocolError(err))

	var callErr ToolCallErr
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, "k_fail", callErr.Tool)
	assert.Len(t, callErr.CallID, 21)
	assert.Contains(t, err.Error(), callErr.CallID)
	assert.Contains(t, logs.String(), `"call_id":"`+callErr.CallID+`"`)

	// Each call gets its own id.
	_, err = reg.Call(context.Background(), "k_fail", nil)
	var second ToolCallErr
	require.True(t, errors.As(err, &second))
	assert.NotEqual(t, callErr.CallID, second.CallID)
}

func TestRegistry_ConnectRetry(t *testing.T) {
	cfg := mcp.ServerConfig{Command: "flaky"}
	key := mcp.KeyFor(cfg)

	t.Run("transport errors are retried", func(t *testing.T) {
		var attempts atomic.Int32
		dial := func(ctx context.Context, c mcp.ServerConfig, opts ...mcp.Option) (mcp.Client, error) {
			if attempts.Add(1) < 3 {
				return nil, mcp.NewTransportError("fake", "dial", errors.New("refused"))
			}
			return &fakeClient{key: key, tools: []mcp.Tool{plainTool("t")}}, nil
		}
		reg := NewRegistry(
			WithDialer(dial),
			WithConnectRetry(backoff.NewConstantBackOff(time.Millisecond), backoff.WithMaxTries(5)),
		)
		defer reg.Close()

		n, err := reg.Register(context.Background(), Server{Name: "flaky", Config: cfg})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.EqualValues(t, 3, attempts.Load())
	})

	t.Run("protocol errors are not retried", func(t *testing.T) {
		var attempts atomic.Int32
		dial := func(ctx context.Context, c mcp.ServerConfig, opts ...mcp.Option) (mcp.Client, error) {
			attempts.Add(1)
			return nil, mcp.NewProtocolError(-32600, "unsupported client", nil)
		}
		reg := NewRegistry(
			WithDialer(dial),
			WithConnectRetry(backoff.NewConstantBackOff(time.Millisecond), backoff.WithMaxTries(5)),
		)
		defer reg.Close()

		_, err := reg.Register(context.Background(), Server{Name: "flaky", Config: cfg})
		require.Error(t, err)
		assert.True(t, mcp.IsProtocolError(err))
		assert.EqualValues(t, 1, attempts.Load())
	})

	t.Run("without retry", func(t *testing.T) {
		var attempts atomic.Int32
		dial := func(ctx context.Context, c mcp.ServerConfig, opts ...mcp.Option) (mcp.Client, error) {
			attempts.Add(1)
			return nil, mcp.NewTransportError("fake", "dial", errors.New("refused"))
		}
		reg := NewRegistry(WithDialer(dial))
		defer reg.Close()

		_, err := reg.Register(context.Background(), Server{Name: "flaky", Config: cfg})
		assert.True(t, mcp.IsTransportError(err))
		assert.EqualValues(t, 1, attempts.Load())
	})
}

func TestRegistry_RegisterAll(t *testing.T) {
	good1 := mcp.ServerConfig{URL: "http://one/sse"}
	good2 := mcp.ServerConfig{URL: "http://two/sse"}
	missing := mcp.ServerConfig{URL: "http://three/sse"}

	clients := map[string]*fakeClient{
		mcp.KeyFor(good1): {key: mcp.KeyFor(good1), tools: []mcp.Tool{plainTool("a"), plainTool("b")}},
		mcp.KeyFor(good2): {key: mcp.KeyFor(good2), tools: []mcp.Tool{plainTool("a")}},
	}
	reg := NewRegistry(WithDialer(dialerFor(clients)))

	total, err := reg.RegisterAll(context.Background(), []Server{
		{Name: "one", Config: good1},
		{Name: "two", Config: good2},
		{Name: "three", Config: missing},
	})
	assert.Equal(t, 3, total)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "three")
	assert.True(t, mcp.IsTransportError(err))

	servers := reg.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, "one", servers[0].Name)
	assert.Len(t, servers[0].Tools, 2)

	require.NoError(t, reg.Close())
	for _, c := range clients {
		assert.True(t, c.isClosed())
	}
	assert.Empty(t, reg.Tools())
}
