//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in a new process group so the whole
// tree can be signalled later.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
