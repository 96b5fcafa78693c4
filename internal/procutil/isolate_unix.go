//go:build unix

package procutil

import (
	"os/exec"
	"syscall"
)

// Isolate places cmd in its own process group. A Ctrl-C at the terminal then
// reaches only the dispatcher, which stops its workers in order.
// Preserves any SysProcAttr fields set before the call.
func Isolate(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
