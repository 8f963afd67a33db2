package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/spachava753/mcptools"
	"github.com/spachava753/mcptools/internal/config"
	"github.com/spachava753/mcptools/mcp"
)

// params holds the persistent flags shared by every command.
type params struct {
	configPath string
	logLevel   string
	servers    []string

	// ad-hoc server
	url      string
	protocol string
	headers  []string
	command  string
	args     []string
	env      []string
	timeout  time.Duration
}

// RootCmd is the root command called from main. Commands that talk to servers
// take them from the config file, or from the ad-hoc --url/--command flags.
func RootCmd() *cobra.Command {
	p := &params{}
	cmd := &cobra.Command{
		Use:           "mcptools",
		Short:         "mcptools lists and calls tools on MCP servers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&p.configPath, "config", "", "config file (default ./mcptools.yaml or ~/.config/mcptools/config.yaml)")
	flags.StringVar(&p.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.StringSliceVar(&p.servers, "server", nil, "only use the named servers from the config file")
	flags.StringVar(&p.url, "url", "", "ad-hoc server URL")
	flags.StringVar(&p.protocol, "protocol", "", "transport for --url: sse (default) or http")
	flags.StringArrayVar(&p.headers, "header", nil, "header for the ad-hoc URL server, as 'Name: value'")
	flags.StringVar(&p.command, "command", "", "ad-hoc stdio server command")
	flags.StringArrayVar(&p.args, "arg", nil, "argument for the ad-hoc stdio server command")
	flags.StringArrayVar(&p.env, "env", nil, "environment variable for the ad-hoc stdio server, as KEY=VALUE")
	flags.DurationVar(&p.timeout, "timeout", 0, "per-request timeout for the ad-hoc URL server")
	cmd.MarkFlagsMutuallyExclusive("url", "command")

	cmd.AddCommand(
		toolsCmd(p),
		callCmd(p),
		serversCmd(p),
		versionCmd(),
	)
	return cmd
}

// session is what a command needs to talk to servers.
type session struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *mcptools.Registry
	servers  []mcptools.Server
}

func (p *params) session(cmd *cobra.Command) (*session, error) {
	cfg, err := p.loadConfig()
	if err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cmd.ErrOrStderr(), level)

	servers, err := p.selectServers(cfg)
	if err != nil {
		return nil, err
	}

	opts := []mcptools.RegistryOption{
		mcptools.WithLogger(logger),
		mcptools.WithClientOptions(mcp.WithClientInfo(mcp.ClientInfo{Name: "mcptools", Version: Version})),
	}
	if cfg.Retry.Enabled {
		var retryOpts []backoff.RetryOption
		if cfg.Retry.MaxElapsed > 0 {
			retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(cfg.Retry.MaxElapsed))
		}
		if cfg.Retry.MaxTries > 0 {
			retryOpts = append(retryOpts, backoff.WithMaxTries(cfg.Retry.MaxTries))
		}
		opts = append(opts, mcptools.WithConnectRetry(nil, retryOpts...))
	}

	return &session{
		cfg:      cfg,
		logger:   logger,
		registry: mcptools.NewRegistry(opts...),
		servers:  servers,
	}, nil
}

func (p *params) loadConfig() (*config.Config, error) {
	path, err := config.FindConfig(p.configPath)
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if p.logLevel != "" {
		if _, err := config.ParseLogLevel(p.logLevel); err != nil {
			return nil, err
		}
		cfg.LogLevel = p.logLevel
	}
	return cfg, nil
}

func (p *params) selectServers(cfg *config.Config) ([]mcptools.Server, error) {
	if p.url != "" || p.command != "" {
		srv, err := p.adHocServer(cfg)
		if err != nil {
			return nil, err
		}
		return []mcptools.Server{srv}, nil
	}

	if len(p.servers) == 0 {
		return cfg.Servers, nil
	}
	selected := make([]mcptools.Server, 0, len(p.servers))
	for _, name := range p.servers {
		srv, ok := cfg.Server(name)
		if !ok {
			return nil, fmt.Errorf("no server named %q in config", name)
		}
		selected = append(selected, srv)
	}
	return selected, nil
}

func (p *params) adHocServer(cfg *config.Config) (mcptools.Server, error) {
	srv := mcptools.Server{
		Name: "adhoc",
		Config: mcp.ServerConfig{
			URL:            p.url,
			Protocol:       p.protocol,
			Command:        p.command,
			Args:           p.args,
			Timeout:        cfg.Timeout,
			ConnectTimeout: cfg.ConnectTimeout,
		},
	}

	if p.timeout > 0 {
		srv.Config.Timeout = p.timeout
	}

	headers, err := parsePairs(p.headers, ":")
	if err != nil {
		return srv, fmt.Errorf("--header: %w", err)
	}
	env, err := parsePairs(p.env, "=")
	if err != nil {
		return srv, fmt.Errorf("--env: %w", err)
	}
	srv.Config.Headers = headers
	srv.Config.Env = env
	if err := srv.Config.Check(); err != nil {
		return srv, fmt.Errorf("ad-hoc server: %w", err)
	}
	return srv, nil
}

// parsePairs splits each entry on the first sep. Keys and values are trimmed.
func parsePairs(entries []string, sep string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	pairs := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, sep)
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY%sVALUE, got %q", sep, e)
		}
		pairs[k] = strings.TrimSpace(v)
	}
	return pairs, nil
}

// register connects every selected server. Failures are logged; it is an
// error only when no server could be registered.
func (s *session) register(cmd *cobra.Command) error {
	if len(s.servers) == 0 {
		return fmt.Errorf("no servers configured: pass --url or --command, or add servers to the config file")
	}
	_, err := s.registry.RegisterAll(cmd.Context(), s.servers)
	if err != nil {
		if len(s.registry.Servers()) == 0 {
			return err
		}
		s.logger.Warn("some servers could not be registered", "error", err)
	}
	return nil
}
