//go:build !unix

package worker

import (
	"os"
	"os/exec"
	"time"
)

func interruptGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return errNoProcess
		}
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = grace
}
