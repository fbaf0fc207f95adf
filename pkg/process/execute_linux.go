//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes makes the kernel place the child in the cgroup at
// clone time (clone3 with CLONE_INTO_CGROUP), so it never runs unconfined.
// The child stays in rlm's process group so the terminal delivers job
// control signals to it directly.
func setupProcessAttributes(cmd *exec.Cmd, cgroupFD int) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    cgroupFD,
	}
}
