package vcp

import (
	"regexp"
	"strings"

	"kokoro/internal/logging"
)

// Wire-format delimiters. These must match the prompt text given to the
// model byte for byte; existing model prompting depends on them.
const (
	MarkerStart = "<<<[TOOL_REQUEST]>>>"
	MarkerEnd   = "<<<[END_TOOL_REQUEST]>>>"
)

// Reserved parameter keys.
const (
	keyToolName = "tool_name"
	keyArchery  = "archery"
)

// paramRe matches one key:「始」value「末」 tuple, optionally comma-terminated.
// Values may span lines; only the nearest following 「末」 ends a value.
var paramRe = regexp.MustCompile(`([\w_]+)\s*:\s*「始」([\s\S]*?)「末」\s*,?`)

// Scan finds every complete tool-request block in buffer and returns the
// parsed invocations in source order. Incomplete trailing blocks (start
// marker without a later end marker) yield nothing; callers that stream
// should keep buffering and retry.
func Scan(buffer string) []Invocation {
	if buffer == "" || !strings.Contains(buffer, MarkerStart) {
		return nil
	}

	var out []Invocation
	rest := buffer
	for {
		start := strings.Index(rest, MarkerStart)
		if start < 0 {
			break
		}
		bodyStart := start + len(MarkerStart)
		endRel := strings.Index(rest[bodyStart:], MarkerEnd)
		if endRel < 0 {
			// Unterminated block, not yet parseable.
			break
		}
		body := strings.TrimSpace(rest[bodyStart : bodyStart+endRel])
		if inv, ok := parseBlock(body); ok {
			out = append(out, inv)
		}
		rest = rest[bodyStart+endRel+len(MarkerEnd):]
	}
	return out
}

// ContainsBlock reports whether content carries a start marker.
func ContainsBlock(content string) bool {
	return strings.Contains(content, MarkerStart)
}

// parseBlock parses one block body. A block without tool_name is discarded:
// the returned bool is false and the drop is logged, never raised.
func parseBlock(body string) (Invocation, bool) {
	inv := Invocation{Args: make(map[string]string)}

	for _, m := range paramRe.FindAllStringSubmatch(body, -1) {
		key := m[1]
		value := strings.TrimSpace(m[2])

		switch key {
		case keyToolName:
			inv.Name = value
		case keyArchery:
			inv.FireAndForget = value == "true" || value == "no_reply"
		default:
			// Later duplicates overwrite earlier ones.
			inv.Args[key] = value
		}
	}

	if inv.Name == "" {
		logging.VCPWarn("discarding tool-request block without tool_name (len=%d)", len(body))
		return Invocation{}, false
	}
	return inv, true
}
