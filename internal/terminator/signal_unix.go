//go:build !windows

package terminator

import "syscall"

// signalGroup signals the process group led by pid. Scripts are launched
// with Setpgid, so this also reaches children that re-parented.
func signalGroup(pid int, kill bool) {
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-pid, sig)
}
