package vcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"kokoro/internal/logging"
)

// Stdio plugin protocol: the process reads one JSON object from stdin,
// writes exactly one JSON object to stdout, and exits. Process exit signals
// "output complete"; there is no extra framing.
//
// Expected output shape:
//
//	{"status": "success", "result": <payload>}
//	{"status": "error", "error": "<message>"}
//
// A result payload that is an object with a "content" field contributes
// that field as the model-readable content; otherwise the whole payload is
// used.

// runStdio spawns a fresh process for one call. No process pooling: tool
// calls are infrequent relative to chat turns, so correctness wins over
// throughput.
func (d *Dispatcher) runStdio(ctx context.Context, desc *HandlerDescriptor, inv Invocation) Outcome {
	start := time.Now()

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The stdin envelope is the argument map alone; the process was
	// started for exactly one tool, so the name adds nothing.
	envelope := make(map[string]string, len(inv.Args))
	for k, v := range inv.Args {
		envelope[k] = v
	}

	input, err := json.Marshal(envelope)
	if err != nil {
		return errorOutcome(inv.Name, fmt.Sprintf("执行错误: %s", err.Error()), err, start)
	}

	cmd := exec.CommandContext(execCtx, desc.Command[0], desc.Command[1:]...)
	if desc.WorkDir != "" {
		cmd.Dir = desc.WorkDir
	}
	cmd.Stdin = bytes.NewReader(input)

	// Plugins routinely fork (shell wrappers, interpreters). Killing only
	// the direct child would leave grandchildren holding our stdout pipe,
	// so the timeout must take out the whole process group, and Wait must
	// not block on pipes a survivor inherited.
	configureProcAttrs(cmd)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.PluginDebug("spawning plugin %s: %v (timeout=%v)", inv.Name, desc.Command, timeout)
	runErr := cmd.Run()

	if execCtx.Err() == context.DeadlineExceeded {
		logging.PluginError("plugin %s timed out after %v, process killed", inv.Name, timeout)
		return errorOutcome(inv.Name,
			fmt.Sprintf("工具 %q 执行超时（%v）", inv.Name, timeout),
			fmt.Errorf("%w: %s after %v", ErrExecTimeout, inv.Name, timeout), start)
	}

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		logging.PluginError("plugin %s exited abnormally: %v", inv.Name, runErr)
		return errorOutcome(inv.Name, fmt.Sprintf("执行错误: %s", msg),
			fmt.Errorf("plugin process failed: %w", runErr), start)
	}

	return parseStdioOutput(inv.Name, stdout.Bytes(), start)
}

// parseStdioOutput decodes the single JSON object the plugin must emit and
// normalizes it into an Outcome.
func parseStdioOutput(toolName string, output []byte, start time.Time) Outcome {
	dec := json.NewDecoder(bytes.NewReader(output))

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		logging.PluginError("plugin %s wrote unparsable output: %v", toolName, err)
		return errorOutcome(toolName,
			fmt.Sprintf("插件输出解析失败: %s", err.Error()),
			fmt.Errorf("%w: %v", ErrBadPluginOutput, err), start)
	}

	// A second JSON value on stdout is a protocol violation.
	if dec.More() {
		logging.PluginError("plugin %s wrote multiple JSON values", toolName)
		return errorOutcome(toolName,
			"插件输出解析失败: 输出包含多个 JSON 对象",
			fmt.Errorf("%w: multiple JSON values", ErrBadPluginOutput), start)
	}

	status, _ := raw["status"].(string)
	if status != "success" {
		msg, _ := raw["error"].(string)
		if msg == "" {
			msg = "未知错误"
		}
		out := errorOutcome(toolName, msg, fmt.Errorf("plugin reported failure: %s", msg), start)
		out.Raw = raw
		return out
	}

	result := raw["result"]
	content := result
	if rich, ok := result.(map[string]any); ok {
		if c, ok := rich["content"]; ok {
			content = c
		}
	}

	return Outcome{
		ToolName: toolName,
		Success:  true,
		Content:  stringifyResult(content),
		Raw:      raw,
	}
}
