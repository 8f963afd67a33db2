package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/jsonschema-go/jsonschema"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/spachava753/mcptools/mcp"
)

// Filter narrows the tools taken from a server. When Only is non-empty just
// those remote names are kept; names in Except are always dropped.
type Filter struct {
	Only   []string `json:"only,omitempty" yaml:"only,omitempty"`
	Except []string `json:"except,omitempty" yaml:"except,omitempty"`
}

// Allows reports whether the remote tool name passes the filter.
func (f Filter) Allows(name string) bool {
	if len(f.Only) > 0 && !slices.Contains(f.Only, name) {
		return false
	}
	return !slices.Contains(f.Except, name)
}

// Server names an MCP server and says how to reach it.
type Server struct {
	Name   string           `json:"name" yaml:"name"`
	Config mcp.ServerConfig `json:"config" yaml:",inline"`
	Filter `yaml:",inline"`
}

// ToolSpec describes one registered tool as the orchestration layer sees it.
type ToolSpec struct {
	// Name is the local name, unique across all servers in the registry
	Name string
	// Description is copied from the server
	Description string
	// Server is the name the server was registered under
	Server string
	// RemoteName is the tool's name on its server
	RemoteName string
	// Parameters is the tool's input schema
	Parameters *jsonschema.Schema
}

// DialFunc connects to a server. mcp.Dial is the default.
type DialFunc func(ctx context.Context, cfg mcp.ServerConfig, opts ...mcp.Option) (mcp.Client, error)

type serverEntry struct {
	name   string
	key    string
	config mcp.ServerConfig
	client mcp.Client
	tools  []string
}

type toolEntry struct {
	spec     ToolSpec
	server   *serverEntry
	resolved *jsonschema.Resolved // nil when the schema could not be resolved
}

// Registry owns a set of MCP clients and dispatches calls to their tools by
// local name. Each server is registered at most once per identity key, and
// each tool is exposed as "<key>_<remote name>" so identically named tools on
// different servers do not collide.
//
// A Registry is safe for concurrent use.
type Registry struct {
	logger     *slog.Logger
	dial       DialFunc
	clientOpts []mcp.Option

	retryBackOff backoff.BackOff
	retryOptions []backoff.RetryOption
	retry        bool
	backOffMu    sync.Mutex

	mu      sync.RWMutex
	servers map[string]*serverEntry // by identity key
	tools   map[string]*toolEntry   // by local name
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used by the registry and passed to the clients it
// dials.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDialer replaces mcp.Dial.
func WithDialer(dial DialFunc) RegistryOption {
	return func(r *Registry) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// WithClientOptions adds options passed to every dialed client.
func WithClientOptions(opts ...mcp.Option) RegistryOption {
	return func(r *Registry) {
		r.clientOpts = append(r.clientOpts, opts...)
	}
}

// WithConnectRetry retries dialing a server while it fails with a
// *mcp.TransportError. Protocol errors are never retried. A nil b uses an
// exponential backoff; with no opts, retrying stops after one minute.
func WithConnectRetry(b backoff.BackOff, opts ...backoff.RetryOption) RegistryOption {
	return func(r *Registry) {
		if b == nil {
			b = backoff.NewExponentialBackOff()
		}
		if len(opts) == 0 {
			opts = []backoff.RetryOption{backoff.WithMaxElapsedTime(time.Minute)}
		}
		r.retry = true
		r.retryBackOff = b
		r.retryOptions = opts
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:  slog.Default(),
		dial:    mcp.Dial,
		servers: make(map[string]*serverEntry),
		tools:   make(map[string]*toolEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// LocalName returns the name a remote tool is exposed under.
func LocalName(key, remote string) string {
	return key + "_" + unsafeNameChars.ReplaceAllString(remote, "_")
}

// Register dials srv, lists its tools and adds those passing its filter. It
// returns the number of tools added. Registering a server whose
// configuration is already registered is a no-op.
func (r *Registry) Register(ctx context.Context, srv Server) (int, error) {
	key := mcp.KeyFor(srv.Config)
	if key != "" {
		r.mu.RLock()
		existing, ok := r.servers[key]
		r.mu.RUnlock()
		if ok {
			return 0, r.duplicate(existing, srv.Name, srv.Config)
		}
	}

	client, err := r.connect(ctx, srv.Config)
	if err != nil {
		return 0, fmt.Errorf("connect to server %s: %w", srv.Name, err)
	}
	return r.add(ctx, srv.Name, srv.Config, client, srv.Filter)
}

// RegisterAll registers servers concurrently and returns the total number of
// tools added. Servers that fail do not prevent the others from registering;
// the returned error joins every failure.
func (r *Registry) RegisterAll(ctx context.Context, servers []Server) (int, error) {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		total int
		errs  []error
	)
	for _, srv := range servers {
		g.Go(func() error {
			n, err := r.Register(ctx, srv)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	g.Wait()
	return total, errors.Join(errs...)
}

// Add registers an already connected client. The registry takes ownership of
// the client and closes it on Close, or immediately if it is a duplicate.
func (r *Registry) Add(ctx context.Context, name string, client mcp.Client, filter Filter) (int, error) {
	return r.add(ctx, name, mcp.ServerConfig{}, client, filter)
}

func (r *Registry) connect(ctx context.Context, cfg mcp.ServerConfig) (mcp.Client, error) {
	opts := append([]mcp.Option{mcp.WithLogger(r.logger)}, r.clientOpts...)
	if !r.retry {
		return r.dial(ctx, cfg, opts...)
	}

	operation := func() (mcp.Client, error) {
		client, err := r.dial(ctx, cfg, opts...)
		if err != nil {
			if mcp.IsTransportError(err) && ctx.Err() == nil {
				r.logger.Debug("connect failed, retrying", "error", err)
				return nil, err // Retriable
			}
			return nil, backoff.Permanent(err)
		}
		return client, nil
	}

	callOpts := make([]backoff.RetryOption, 0, 1+len(r.retryOptions))
	callOpts = append(callOpts, backoff.WithBackOff(r.backOff()))
	callOpts = append(callOpts, r.retryOptions...)

	client, err := backoff.Retry(ctx, operation, callOpts...)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}
	return client, nil
}

// backOff returns the policy for one connect sequence. Exponential policies
// are copied so concurrent registrations keep separate state; any other
// policy is shared behind a lock.
func (r *Registry) backOff() backoff.BackOff {
	if exp, ok := r.retryBackOff.(*backoff.ExponentialBackOff); ok {
		cp := *exp
		return &cp
	}
	return &lockedBackOff{mu: &r.backOffMu, b: r.retryBackOff}
}

type lockedBackOff struct {
	mu *sync.Mutex
	b  backoff.BackOff
}

func (l *lockedBackOff) NextBackOff() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.NextBackOff()
}

func (l *lockedBackOff) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.Reset()
}

func (r *Registry) add(ctx context.Context, name string, cfg mcp.ServerConfig, client mcp.Client, filter Filter) (int, error) {
	key := client.UniqueKey()
	logger := r.logger.With("mcp_server", name, "key", key)

	tools, err := client.Tools(ctx)
	if err != nil {
		client.Close()
		return 0, fmt.Errorf("list tools of server %s: %w", name, err)
	}

	entry := &serverEntry{name: name, key: key, config: cfg, client: client}
	var added []*toolEntry
	for _, t := range tools {
		if !filter.Allows(t.Name) {
			continue
		}
		te, err := newToolEntry(key, t, entry)
		if err != nil {
			logger.Warn("skipping tool with unusable schema", "tool", t.Name, "error", err)
			continue
		}
		if te.resolved == nil {
			logger.Debug("tool schema cannot be resolved, arguments will not be validated", "tool", t.Name)
		}
		added = append(added, te)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.servers[key]; ok {
		client.Close()
		return 0, r.duplicate(existing, name, cfg)
	}

	count := 0
	for _, te := range added {
		if _, taken := r.tools[te.spec.Name]; taken {
			logger.Warn("skipping tool whose local name is taken", "tool", te.spec.RemoteName, "local_name", te.spec.Name)
			continue
		}
		r.tools[te.spec.Name] = te
		entry.tools = append(entry.tools, te.spec.Name)
		count++
	}
	r.servers[key] = entry

	logger.Info("registered mcp server", "tools", count)
	return count, nil
}

// duplicate decides what registering an already known key means: nothing, if
// the configuration is the same, or a DuplicateServerErr otherwise.
func (r *Registry) duplicate(existing *serverEntry, name string, cfg mcp.ServerConfig) error {
	if reflect.DeepEqual(existing.config, cfg) {
		r.logger.Debug("server already registered", "mcp_server", name, "key", existing.key)
		return nil
	}
	return DuplicateServerErr{Key: existing.key, Existing: existing.name, Name: name}
}

func newToolEntry(key string, t mcp.Tool, server *serverEntry) (*toolEntry, error) {
	params, err := t.Schema()
	if err != nil {
		return nil, err
	}

	te := &toolEntry{
		spec: ToolSpec{
			Name:        LocalName(key, t.Name),
			Description: t.Description,
			Server:      server.name,
			RemoteName:  t.Name,
			Parameters:  params,
		},
		server: server,
	}

	// Resolve a separate copy: Resolve forbids later changes, and the dialect
	// declaration is dropped so any draft validates with the supported rules.
	validation, err := t.Schema()
	if err != nil {
		return nil, err
	}
	validation.Schema = ""
	if resolved, err := validation.Resolve(nil); err == nil {
		te.resolved = resolved
	}
	return te, nil
}

// Tools returns every registered tool, sorted by local name.
func (r *Registry) Tools() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.tools))
	for _, te := range r.tools {
		specs = append(specs, te.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ServerInfo summarizes one registered server.
type ServerInfo struct {
	Name  string
	Key   string
	Tools []string
}

// Servers returns the registered servers, sorted by name.
func (r *Registry) Servers() []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ServerInfo, 0, len(r.servers))
	for _, s := range r.servers {
		infos = append(infos, ServerInfo{Name: s.name, Key: s.key, Tools: slices.Clone(s.tools)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Call invokes the tool registered under localName. The arguments are a JSON
// object; schema defaults are filled in and the result is validated against
// the tool's input schema before the server is contacted.
func (r *Registry) Call(ctx context.Context, localName string, arguments json.RawMessage) (string, error) {
	r.mu.RLock()
	te, ok := r.tools[localName]
	r.mu.RUnlock()
	if !ok {
		return "", ToolNotFoundErr(localName)
	}

	args, err := decodeArguments(arguments)
	if err != nil {
		return "", InvalidArgumentsErr{Tool: localName, Err: err}
	}
	if te.resolved != nil {
		if err := te.resolved.ApplyDefaults(&args); err != nil {
			return "", InvalidArgumentsErr{Tool: localName, Err: err}
		}
		if err := te.resolved.Validate(args); err != nil {
			return "", InvalidArgumentsErr{Tool: localName, Err: err}
		}
	}

	callID, err := gonanoid.New()
	if err != nil {
		callID = fmt.Sprintf("call-%d", time.Now().UnixNano())
	}
	logger := r.logger.With("call_id", callID, "tool", te.spec.RemoteName, "mcp_server", te.spec.Server)
	logger.Debug("calling tool")

	start := time.Now()
	result, err := te.server.client.CallTool(ctx, te.spec.RemoteName, args)
	if err != nil {
		logger.Warn("tool call failed", "error", err, "duration", time.Since(start))
		return "", ToolCallErr{Tool: localName, CallID: callID, Err: err}
	}
	logger.Debug("tool call finished", "duration", time.Since(start), "result_bytes", len(result))
	return result, nil
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Close closes every client and empties the registry. It never fails.
func (r *Registry) Close() error {
	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]*serverEntry)
	r.tools = make(map[string]*toolEntry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *serverEntry) {
			defer wg.Done()
			s.client.Close()
		}(s)
	}
	wg.Wait()
	return nil
}
