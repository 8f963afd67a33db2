package mcp

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleStream = ": keep-alive\n\n" +
	"event: endpoint\ndata: /messages?sessionId=abc\n\n" +
	"data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{}}\r\n\r\n" +
	"event: message\r\nid: 7\r\ndata:first line\r\ndata:  second line  \r\n\r\n" +
	"retry: 1000\n\n" +
	"event:   custom   \ndata: x\n\n" +
	"data: trailing"

func sampleEvents() []sseEvent {
	return []sseEvent{
		{Type: "endpoint", Data: "/messages?sessionId=abc"},
		{Type: "message", Data: `{"jsonrpc":"2.0","id":"1","result":{}}`},
		{Type: "message", Data: "first line\nsecond line"},
		{Type: "custom", Data: "x"},
	}
}

func feedChunks(chunks [][]byte) []sseEvent {
	var p sseParser
	var events []sseEvent
	for _, c := range chunks {
		events = append(events, p.Feed(c)...)
	}
	return events
}

func TestSSEParser_SingleChunk(t *testing.T) {
	got := feedChunks([][]byte{[]byte(sampleStream)})
	if diff := cmp.Diff(sampleEvents(), got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestSSEParser_Fragmentation(t *testing.T) {
	stream := []byte(sampleStream)
	want := feedChunks([][]byte{stream})

	t.Run("single bytes", func(t *testing.T) {
		chunks := make([][]byte, len(stream))
		for i := range stream {
			chunks[i] = stream[i : i+1]
		}
		if diff := cmp.Diff(want, feedChunks(chunks)); diff != "" {
			t.Errorf("events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("random splits", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		for round := 0; round < 200; round++ {
			var chunks [][]byte
			for rest := stream; len(rest) > 0; {
				n := 1 + rng.Intn(len(rest))
				chunks = append(chunks, rest[:n])
				rest = rest[n:]
			}
			if diff := cmp.Diff(want, feedChunks(chunks)); diff != "" {
				t.Fatalf("round %d: events mismatch (-want +got):\n%s", round, diff)
			}
		}
	})
}

func TestSSEParser_KeepsIncompleteRecord(t *testing.T) {
	var p sseParser
	if got := p.Feed([]byte("event: endpoint\ndata: /mess")); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
	got := p.Feed([]byte("ages\n\n"))
	want := []sseEvent{{Type: "endpoint", Data: "/messages"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestSSEParser_CROnlyLineEndings(t *testing.T) {
	var p sseParser
	got := p.Feed([]byte("event: endpoint\rdata: /messages\r\r"))
	want := []sseEvent{{Type: "endpoint", Data: "/messages"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record ending in a bare CR was held back (-want +got):\n%s", diff)
	}

	// The LF completing a CRLF split across chunks must not open a blank line.
	got = p.Feed([]byte("\ndata: next\r"))
	if len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
	got = p.Feed([]byte("\n\r\n"))
	want = []sseEvent{{Type: "message", Data: "next"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		endpoint string
		want     string
	}{
		{"absolute path", "http://localhost:8080/sse", "/messages?sessionId=1", "http://localhost:8080/messages?sessionId=1"},
		{"relative path", "http://localhost:8080/mcp/sse", "messages", "http://localhost:8080/mcp/messages"},
		{"absolute url", "http://localhost:8080/sse", "https://other.example.com/rpc?x=1", "https://other.example.com/rpc?x=1"},
		{"unparseable endpoint", "http://localhost:8080/sse", "http://[::1", "http://[::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveEndpoint(tt.base, tt.endpoint); got != tt.want {
				t.Errorf("resolveEndpoint(%q, %q) = %q, want %q", tt.base, tt.endpoint, got, tt.want)
			}
		})
	}
}
