package vcp

import "errors"

// Registry and executor errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrNameEmpty is returned when a descriptor has no name.
	ErrNameEmpty = errors.New("tool name cannot be empty")

	// ErrHandlerNil is returned when a direct descriptor has no handler.
	ErrHandlerNil = errors.New("direct handler cannot be nil")

	// ErrCommandEmpty is returned when a stdio descriptor has no command.
	ErrCommandEmpty = errors.New("stdio command cannot be empty")

	// ErrUnknownProtocol is returned for an unrecognized protocol value.
	ErrUnknownProtocol = errors.New("unknown handler protocol")

	// ErrAlreadyRegistered is returned when registering a duplicate name.
	ErrAlreadyRegistered = errors.New("tool already registered")

	// ErrExecTimeout is returned when a stdio process exceeds its timeout.
	ErrExecTimeout = errors.New("tool execution timed out")

	// ErrBadPluginOutput is returned when a stdio process writes output
	// that is not a single JSON object.
	ErrBadPluginOutput = errors.New("plugin output is not valid JSON")
)
