//go:build unix

package vcp

import (
	"os/exec"
	"syscall"
)

// configureProcAttrs puts the plugin in its own process group and makes
// context cancellation kill the whole group, so forked children die with
// their parent on timeout.
func configureProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
