package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// ExitStatus decodes the error returned by Wait into an exit code and, if
// the process was killed by a signal, the signal name.
func ExitStatus(waitErr error) (code int, signal string) {
	if waitErr == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return -1, ""
	}
	code = exitErr.ExitCode()
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		signal = ws.Signal().String()
	}
	return code, signal
}
