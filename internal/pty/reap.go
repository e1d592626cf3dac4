package pty

import (
	"os"
	"syscall"
	"time"
)

// Alive reports whether a process with the given pid exists. Signal 0
// checks existence without delivering a signal.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Terminate kills a process this server does not hold a handle for, such
// as a stale worker pid recorded by a dead server instance. SIGTERM first,
// escalating to SIGKILL if the process survives the grace period.
func Terminate(pid int, grace time.Duration) error {
	if !Alive(pid) {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Died between the liveness check and the signal
		return nil
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}

	return proc.Signal(syscall.SIGKILL)
}
