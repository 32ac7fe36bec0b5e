//go:build unix

package job

import (
	"os/exec"
	"syscall"
)

// startGroup puts the child into its own process group so that tools run
// under a shell or the time wrapper are killed with it.
func startGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(cmd *exec.Cmd) error {
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
