package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// KeyLength is the number of hex characters kept from an identity hash.
//
// Eight characters give 32 bits. Collisions between distinct servers are
// unlikely for the handful a process connects to, but they are possible; the
// registry in the parent package reports them rather than overwriting.
const KeyLength = 8

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeKeyInput lower-cases s, collapses every run of non-alphanumerics to
// a single underscore and drops the residue of an http or https scheme.
func normalizeKeyInput(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToLower(s), "_")
	s = strings.Trim(s, "_")
	s = strings.ReplaceAll(s, "https_", "")
	s = strings.ReplaceAll(s, "http_", "")
	return s
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:KeyLength]
}

// URLKey returns the identity key of an SSE server URL.
func URLKey(rawURL string) string {
	return shortHash(normalizeKeyInput(rawURL))
}

// CommandKey returns the identity key of a stdio command line. The program is
// the first element of argv.
func CommandKey(argv ...string) string {
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		if n := normalizeKeyInput(arg); n != "" {
			parts = append(parts, n)
		}
	}
	return shortHash(strings.Join(parts, "_"))
}
