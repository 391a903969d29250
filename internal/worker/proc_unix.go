//go:build unix

package worker

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// interruptGroup runs cmd in its own process group and turns context
// cancellation into SIGINT for the whole group.
func interruptGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return errNoProcess
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGINT)
	}
	cmd.WaitDelay = grace
}
