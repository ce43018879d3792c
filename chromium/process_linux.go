//go:build linux

package chromium

import (
	"os/exec"
	"syscall"
)

// killAfterParent makes the browser process die when the parent process
// dies, so no browser is left running if we crash without cleanup.
func killAfterParent(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}
