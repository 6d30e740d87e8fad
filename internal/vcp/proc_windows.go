//go:build windows

package vcp

import "os/exec"

// configureProcAttrs keeps CommandContext's default kill on Windows,
// where process groups work differently and the stdio tests are skipped.
func configureProcAttrs(cmd *exec.Cmd) {}
