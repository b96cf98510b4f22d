package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPrefix starts every session name this server creates.
const DefaultPrefix = "tt"

// RandomSuffixLength is the number of hex characters after the abbreviation.
const RandomSuffixLength = 6

var abbreviations = map[string]string{
	"bash":        "bash",
	"zsh":         "zsh",
	"shell":       "sh",
	"claude-code": "cc",
	"codex":       "cx",
	"gemini":      "gem",
	"opencode":    "oc",
	"tui-tool":    "tui",
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Abbrev returns the short form of a terminal type used in session names.
// Unknown types use the first four alphanumerics of the lowercased type.
func Abbrev(terminalType string) string {
	t := strings.ToLower(strings.TrimSpace(terminalType))
	if a, ok := abbreviations[t]; ok {
		return a
	}
	t = nonAlnum.ReplaceAllString(t, "")
	if len(t) > 4 {
		t = t[:4]
	}
	if t == "" {
		return "term"
	}
	return t
}

// TypeFromSessionName maps a session name back to a terminal type when the
// abbreviation is one of the known ones. Used when adopting sessions the
// registry has no record of.
func TypeFromSessionName(prefix, name string) string {
	rest, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return ""
	}
	abbrev, _, ok := strings.Cut(rest, "-")
	if !ok {
		return ""
	}
	for typ, a := range abbreviations {
		if a == abbrev {
			return typ
		}
	}
	return abbrev
}

// NewSessionName returns {prefix}-{abbrev}-{6 random hex}.
func NewSessionName(prefix, terminalType string) (string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	buf := make([]byte, RandomSuffixLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session name entropy: %w", err)
	}
	return prefix + "-" + Abbrev(terminalType) + "-" + hex.EncodeToString(buf), nil
}

// Owned reports whether name carries this server's prefix.
func Owned(prefix, name string) bool {
	return strings.HasPrefix(name, prefix+"-")
}
