package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// maxLineSize bounds a single JSON-RPC line read from a child process.
const maxLineSize = 10 * 1024 * 1024 // 10MB

// lineCodec frames JSON-RPC messages as one JSON object per line.
type lineCodec struct {
	mu      sync.Mutex
	w       *bufio.Writer
	scanner *bufio.Scanner
}

func newLineCodec(r io.Reader, w io.Writer) *lineCodec {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &lineCodec{
		w:       bufio.NewWriter(w),
		scanner: scanner,
	}
}

// WriteMessage encodes msg, terminates it with a newline and flushes.
func (c *lineCodec) WriteMessage(msg RpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadLine returns the next non-empty line. It returns io.EOF when the stream
// ends cleanly.
func (c *lineCodec) ReadLine() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// decodeMessage parses a single JSON-RPC object.
func decodeMessage(data []byte) (RpcMessage, error) {
	var msg RpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RpcMessage{}, fmt.Errorf("failed to parse message: %w", err)
	}
	return msg, nil
}

// newRequestID returns a fresh UUID request id.
func newRequestID() RequestID {
	return RequestID(uuid.NewString())
}
