//go:build !linux

package chromium

import "os/exec"

// killAfterParent is a no-op on platforms without parent-death signals.
func killAfterParent(cmd *exec.Cmd) {}
