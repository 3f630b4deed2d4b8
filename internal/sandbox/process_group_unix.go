//go:build !windows

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the command in its own process group so a kill
// reaches the whole tree npm spawns.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil || pgid <= 0 {
		return cmd.Process.Kill()
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	return nil
}

// ExecConfined restricts the current process with p and replaces it with
// argv. It only returns on error.
func ExecConfined(p *Policy, argv []string) error {
	if len(argv) == 0 {
		return errors.New("no command given")
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	if err := p.Restrict(); err != nil {
		return err
	}
	if p.Root != "" {
		if err := os.Chdir(p.Root); err != nil {
			return err
		}
	}
	return syscall.Exec(bin, argv, os.Environ())
}
