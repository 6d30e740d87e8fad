package vcp

import "strings"

// StreamScanner detects tool-request blocks incrementally across stream
// chunks. Delimiters may straddle chunk boundaries; an invocation is only
// yielded once both delimiters have been observed.
//
// Feeding chunks one at a time yields exactly the invocations a whole-buffer
// Scan of the concatenation would yield, in the same order.
type StreamScanner struct {
	// pending holds unconsumed text: either the tail that may contain a
	// partial start marker, or a full open block from its start marker on.
	pending string

	// full accumulates every chunk for the end-of-stream parse attempt.
	full strings.Builder

	// yielded counts invocations already returned by Feed.
	yielded int
}

// NewStreamScanner returns a scanner with empty state.
func NewStreamScanner() *StreamScanner {
	return &StreamScanner{}
}

// Feed consumes one chunk and returns any invocations whose blocks completed
// with this chunk.
func (s *StreamScanner) Feed(chunk string) []Invocation {
	if chunk == "" {
		return nil
	}
	s.full.WriteString(chunk)
	s.pending += chunk

	var out []Invocation
	for {
		start := strings.Index(s.pending, MarkerStart)
		if start < 0 {
			// No open block. Keep only a tail that could still be a
			// marker prefix split across chunks.
			if keep := len(MarkerStart) - 1; len(s.pending) > keep {
				s.pending = s.pending[len(s.pending)-keep:]
			}
			break
		}

		bodyStart := start + len(MarkerStart)
		endRel := strings.Index(s.pending[bodyStart:], MarkerEnd)
		if endRel < 0 {
			// Block open, end marker not seen yet. Drop the plain text
			// before the block and wait for more chunks.
			s.pending = s.pending[start:]
			break
		}

		body := strings.TrimSpace(s.pending[bodyStart : bodyStart+endRel])
		if inv, ok := parseBlock(body); ok {
			out = append(out, inv)
		}
		s.pending = s.pending[bodyStart+endRel+len(MarkerEnd):]
	}

	s.yielded += len(out)
	return out
}

// InBlock reports whether a start marker has been seen without its matching
// end marker.
func (s *StreamScanner) InBlock() bool {
	return strings.Contains(s.pending, MarkerStart)
}

// Accumulated returns the concatenation of every chunk fed so far.
func (s *StreamScanner) Accumulated() string {
	return s.full.String()
}

// Flush makes a final parse attempt against the full accumulated text and
// returns any invocations not already yielded by Feed. Call it once the
// stream has ended; it recovers blocks whose markers Feed could not match
// incrementally.
func (s *StreamScanner) Flush() []Invocation {
	all := Scan(s.full.String())
	if len(all) <= s.yielded {
		return nil
	}
	extra := all[s.yielded:]
	s.yielded = len(all)
	return extra
}

// Reset clears all state for reuse on a new round.
func (s *StreamScanner) Reset() {
	s.pending = ""
	s.full.Reset()
	s.yielded = 0
}
