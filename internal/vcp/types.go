// Package vcp implements the embedded tool-request protocol: parsing
// <<<[TOOL_REQUEST]>>> blocks out of model output (including across stream
// chunk boundaries), and dispatching parsed invocations to registered
// handlers running either in-process or as external processes.
package vcp

import (
	"context"
	"time"
)

// Protocol selects the execution backend for a registered tool.
type Protocol string

const (
	// ProtocolDirect runs the handler in-process.
	ProtocolDirect Protocol = "direct"

	// ProtocolStdio spawns an external process per call and exchanges one
	// JSON object over stdin/stdout.
	ProtocolStdio Protocol = "stdio"
)

// DefaultStdioTimeout bounds a stdio call when the descriptor does not set one.
const DefaultStdioTimeout = 60 * time.Second

// HandlerFunc is the signature for in-process tool handlers.
// The returned value becomes the outcome content; a string is used as-is,
// anything else is JSON-encoded.
type HandlerFunc func(ctx context.Context, args map[string]string) (any, error)

// HandlerDescriptor registers one tool name with its execution backend.
// Descriptors are loaded at startup and read-only afterwards.
type HandlerDescriptor struct {
	// Name is the tool name the model uses in tool_name.
	Name string

	// Description explains the tool for the system prompt.
	Description string

	// Protocol selects the execution backend.
	Protocol Protocol

	// Handler is the in-process entry point (direct protocol only).
	Handler HandlerFunc

	// Command is the executable and its arguments (stdio protocol only).
	Command []string

	// WorkDir is the working directory for the process (stdio protocol only).
	WorkDir string

	// Timeout bounds a stdio call. Zero means DefaultStdioTimeout.
	Timeout time.Duration
}

// Validate checks if the descriptor is usable.
func (d *HandlerDescriptor) Validate() error {
	if d.Name == "" {
		return ErrNameEmpty
	}
	switch d.Protocol {
	case ProtocolDirect:
		if d.Handler == nil {
			return ErrHandlerNil
		}
	case ProtocolStdio:
		if len(d.Command) == 0 {
			return ErrCommandEmpty
		}
	default:
		return ErrUnknownProtocol
	}
	return nil
}

// Invocation is a single parsed tool request extracted from model output.
// It is immutable once created and consumed exactly once by the dispatcher.
type Invocation struct {
	// Name is the declared tool_name. Blocks without one never become
	// Invocations.
	Name string

	// Args holds every non-reserved key/value pair from the block.
	// For a duplicate key the last value wins.
	Args map[string]string

	// FireAndForget is set when the block carries archery:true or
	// archery:no_reply. The call still runs in detection order; the flag
	// marks its outcome as best-effort in the result summary.
	FireAndForget bool
}

// Outcome is the normalized result of executing one Invocation.
// It is produced by an executor and consumed when building the follow-up
// message; executors never raise past this type.
type Outcome struct {
	// ToolName identifies which tool was executed.
	ToolName string

	// Success reports whether the call completed normally.
	Success bool

	// Content is the model-readable payload on success, or a formatted
	// error message on failure.
	Content string

	// Raw is the backend-specific payload, kept for diagnostics.
	Raw any

	// Err is set on failure.
	Err error

	// DurationMs is how long execution took.
	DurationMs int64
}
