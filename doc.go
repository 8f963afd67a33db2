// Package mcptools connects an application to the tools exposed by Model
// Context Protocol servers.
//
// The protocol clients live in the mcp subpackage. This package adds the
// layer an agent loop needs on top of them: a Registry that owns the clients,
// gives every remote tool a collision-free local name, and dispatches calls
// by that name after validating the arguments against the tool's schema.
//
// # Core Concepts
//
// Server: a name, a connection configuration and an optional tool filter.
//
//	type Server struct {
//		Name   string
//		Config mcp.ServerConfig
//		Filter
//	}
//
// A configuration with a URL connects over HTTP+SSE, or over plain HTTP
// POSTs when Protocol is "http"; one with a Command spawns a child process
// and talks over its standard streams.
//
// Local names: each server has a short identity key derived from its URL or
// command line (see mcp.KeyFor). A remote tool named "search" on a server
// with key "7159ed50" is exposed as "7159ed50_search".
//
// ToolSpec: what the orchestration layer sees of a tool. Parameters is the
// tool's input schema as a *jsonschema.Schema, ready to be handed to a model
// provider.
//
// # Usage
//
//	reg := mcptools.NewRegistry(
//		mcptools.WithLogger(logger),
//		mcptools.WithConnectRetry(nil),
//	)
//	defer reg.Close()
//
//	_, err := reg.Register(ctx, mcptools.Server{
//		Name:   "docs",
//		Config: mcp.ServerConfig{URL: "https://gitmcp.io/OlympiaAI/raix/docs"},
//	})
//	if err != nil {
//		return err
//	}
//
//	for _, spec := range reg.Tools() {
//		fmt.Println(spec.Name, spec.Description)
//	}
//
//	out, err := reg.Call(ctx, "7159ed50_search_docs", json.RawMessage(`{"query":"tools"}`))
//
// # Error Handling
//
// Errors from the protocol clients are *mcp.TransportError (the connection
// could not be established) or *mcp.ProtocolError (the server answered with
// an error, the request timed out, or the connection broke mid-session).
// Registry.Call adds ToolNotFoundErr and InvalidArgumentsErr, and wraps client
// failures in ToolCallErr, whose CallID matches the call's log records;
// registration
// can return DuplicateServerErr when two different servers hash to the same
// identity key.
//
// Nothing here retries a tool call. WithConnectRetry retries only the initial
// connection, and only for transport errors.
package mcptools
