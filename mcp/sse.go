package mcp

import (
	"bytes"
	"strings"
)

const defaultEventType = "message"

// sseEvent is one complete Server-Sent-Events record.
type sseEvent struct {
	Type string
	Data string
}

// sseParser incrementally splits an SSE byte stream into records. It keeps
// whatever trails the last blank line until more bytes arrive, so the records
// it produces do not depend on how the stream was chunked.
//
// A parser is owned by a single goroutine.
type sseParser struct {
	buf    []byte
	skipLF bool // the previous byte was a CR
}

// Feed appends chunk to the buffer and returns every record it completes.
func (p *sseParser) Feed(chunk []byte) []sseEvent {
	p.appendNormalized(chunk)

	var events []sseEvent
	for {
		idx := bytes.Index(p.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		record := string(p.buf[:idx])
		p.buf = p.buf[idx+2:]
		if ev, ok := parseRecord(record); ok {
			events = append(events, ev)
		}
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
	return events
}

// appendNormalized appends chunk with CRLF and lone CR line endings turned
// into LF. A CR ends its line at once; an LF right after it, possibly in the
// next chunk, is dropped.
func (p *sseParser) appendNormalized(chunk []byte) {
	for _, b := range chunk {
		skip := p.skipLF && b == '\n'
		p.skipLF = b == '\r'
		switch {
		case skip:
		case b == '\r':
			p.buf = append(p.buf, '\n')
		default:
			p.buf = append(p.buf, b)
		}
	}
}

// parseRecord turns the lines of one record into an event. Records that carry
// neither an event type nor data, such as keep-alive comments, are skipped.
func parseRecord(record string) (sseEvent, bool) {
	var (
		eventType string
		data      []string
		hasData   bool
	)

	for _, line := range strings.Split(record, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		switch field {
		case "event":
			eventType = strings.TrimSpace(value)
		case "data":
			data = append(data, strings.TrimLeft(value, " \t"))
			hasData = true
		}
	}

	if eventType == "" && !hasData {
		return sseEvent{}, false
	}
	if eventType == "" {
		eventType = defaultEventType
	}
	return sseEvent{
		Type: eventType,
		Data: strings.TrimSpace(strings.Join(data, "\n")),
	}, true
}
