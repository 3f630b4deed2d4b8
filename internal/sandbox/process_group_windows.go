//go:build windows

package sandbox

import (
	"errors"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// ExecConfined is not supported on Windows.
func ExecConfined(p *Policy, argv []string) error {
	return errors.New("confined exec is not supported on windows")
}
