package mcptools

import (
	"fmt"
)

// ToolNotFoundErr is returned by Registry.Call when no registered tool has the
// requested local name. The string value is the name that was requested.
type ToolNotFoundErr string

func (t ToolNotFoundErr) Error() string {
	return fmt.Sprintf("tool not found: %s", string(t))
}

// InvalidArgumentsErr is returned by Registry.Call when the arguments cannot be
// decoded or do not satisfy the tool's input schema. The tool is not called.
type InvalidArgumentsErr struct {
	// Tool is the local name of the tool
	Tool string
	// Err is the decoding or validation failure
	Err error
}

func (i InvalidArgumentsErr) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", i.Tool, i.Err)
}

func (i InvalidArgumentsErr) Unwrap() error {
	return i.Err
}

// DuplicateServerErr is returned when a server's identity key is already taken
// by a server with a different configuration. Identity keys are short hashes,
// so two distinct servers can collide.
type DuplicateServerErr struct {
	// Key is the shared identity key
	Key string
	// Existing is the name of the server already registered under Key
	Existing string
	// Name is the name of the server that was rejected
	Name string
}

func (d DuplicateServerErr) Error() string {
	return fmt.Sprintf("server %q has identity key %s, already used by server %q", d.Name, d.Key, d.Existing)
}

// ToolCallErr is returned by Registry.Call when the server or the connection
// fails the call. CallID matches the call_id attribute of the call's log
// records.
type ToolCallErr struct {
	// Tool is the local name of the tool
	Tool string
	// CallID identifies this call in the logs
	CallID string
	// Err is the *mcp.ProtocolError or *mcp.TransportError from the client
	Err error
}

func (t ToolCallErr) Error() string {
	return fmt.Sprintf("tool %s failed (call_id %s): %v", t.Tool, t.CallID, t.Err)
}

func (t ToolCallErr) Unwrap() error {
	return t.Err
}
