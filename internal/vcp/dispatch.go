package vcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kokoro/internal/logging"
)

// Dispatcher routes parsed invocations to the matching executor and
// normalizes every failure into an Outcome. Dispatch never returns an error
// and never panics: the orchestration loop must always be able to build a
// follow-up message, even when every call fails.
type Dispatcher struct {
	registry       *Registry
	defaultTimeout time.Duration
}

// NewDispatcher creates a dispatcher over a registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		defaultTimeout: DefaultStdioTimeout,
	}
}

// SetDefaultTimeout overrides the timeout applied to stdio descriptors
// that do not declare their own.
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.defaultTimeout = timeout
	}
}

// Dispatch executes one invocation and returns its normalized outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) Outcome {
	start := time.Now()

	desc := d.registry.Get(inv.Name)
	if desc == nil {
		// Named explicitly: this string flows back into the model's
		// context and helps it self-correct.
		logging.VCPError("tool not registered: %s (available: %v)", inv.Name, d.registry.Names())
		return errorOutcome(inv.Name, fmt.Sprintf("未找到名为 %q 的插件", inv.Name), ErrToolNotFound, start)
	}

	logging.VCP("executing tool: %s (protocol=%s, args=%d)", inv.Name, desc.Protocol, len(inv.Args))

	var out Outcome
	switch desc.Protocol {
	case ProtocolDirect:
		out = d.runDirect(ctx, desc, inv)
	case ProtocolStdio:
		out = d.runStdio(ctx, desc, inv)
	default:
		out = errorOutcome(inv.Name, fmt.Sprintf("执行错误: %v", ErrUnknownProtocol), ErrUnknownProtocol, start)
	}

	out.DurationMs = time.Since(start).Milliseconds()
	logging.VCPDebug("tool %s completed in %dms (success=%v)", inv.Name, out.DurationMs, out.Success)
	return out
}

// DispatchAll executes invocations sequentially in detection order.
// Calls are not assumed independent, so ordering is preserved rather than
// run in parallel.
func (d *Dispatcher) DispatchAll(ctx context.Context, invs []Invocation) []Outcome {
	outcomes := make([]Outcome, 0, len(invs))
	for _, inv := range invs {
		outcomes = append(outcomes, d.Dispatch(ctx, inv))
	}
	return outcomes
}

// runDirect invokes an in-process handler, folding a returned error or a
// panic into a failure outcome.
func (d *Dispatcher) runDirect(ctx context.Context, desc *HandlerDescriptor, inv Invocation) (out Outcome) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			logging.VCPError("tool %s panicked: %v", inv.Name, r)
			out = errorOutcome(inv.Name, fmt.Sprintf("执行错误: %v", r), err, start)
		}
	}()

	result, err := desc.Handler(ctx, inv.Args)
	if err != nil {
		return errorOutcome(inv.Name, fmt.Sprintf("执行错误: %s", err.Error()), err, start)
	}

	return Outcome{
		ToolName: inv.Name,
		Success:  true,
		Content:  stringifyResult(result),
		Raw:      result,
	}
}

// stringifyResult turns a handler result into model-readable content.
func stringifyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// errorOutcome builds the uniform failure outcome. Content carries the
// [错误] prefix the model prompting expects.
func errorOutcome(toolName, message string, err error, start time.Time) Outcome {
	return Outcome{
		ToolName:   toolName,
		Success:    false,
		Content:    "[错误] " + message,
		Err:        err,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
