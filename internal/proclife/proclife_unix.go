//go:build !windows

package proclife

import (
	"os"
	"os/exec"
	"syscall"
)

// unixSupervisor places each worker in its own process group at spawn time.
// Killing the negative pgid then reaches every descendant, which matters
// because tool workers may spawn their own helpers.
type unixSupervisor struct{}

func newPlatformSupervisor() platformSupervisor {
	return &unixSupervisor{}
}

func (u *unixSupervisor) supported() bool { return true }

func (u *unixSupervisor) prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// assign is a no-op: group membership was established by prepare.
func (u *unixSupervisor) assign(p *os.Process) error { return nil }

func (u *unixSupervisor) killTree(p *os.Process) error {
	// Signal the whole group. Fall back to the immediate process when the
	// group is already gone (ESRCH) or the child never got its own group.
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return p.Kill()
	}
	return nil
}

func (u *unixSupervisor) close() error { return nil }
