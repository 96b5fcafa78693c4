//go:build !unix && !windows

package procutil

import "os/exec"

// Isolate is a no-op on platforms without process groups.
func Isolate(_ *exec.Cmd) {}
