//go:build unix

package script

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcess starts the script in its own process group and kills the
// whole group on cancellation so grandchildren do not outlive the timeout.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
}
