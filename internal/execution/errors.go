package execution

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRunInProgress rejects a run while another one is being set up.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrSandboxUnavailable means the sandbox has not finished booting.
	ErrSandboxUnavailable = errors.New("sandbox is not initialized")
	// ErrEmptyProject means there is nothing to run.
	ErrEmptyProject = errors.New("no files to run, create some files first")
	// ErrManifestMissing means the install manifest is absent.
	ErrManifestMissing = errors.New("manifest file missing")
	// ErrTimeout means the install step exceeded its bound.
	ErrTimeout = errors.New("install timed out")
	// ErrStopped means the run was stopped before its start process was up.
	ErrStopped = errors.New("run stopped")
)

// TimeoutError is an install that exceeded its bound. It matches ErrTimeout.
type TimeoutError struct {
	After  time.Duration
	Output string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("install timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// InstallError is a failed dependency install.
type InstallError struct {
	Code   int
	Output string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install failed: %v", e.Err)
	}
	return fmt.Sprintf("install failed with code %d", e.Code)
}

func (e *InstallError) Unwrap() error { return e.Err }

// StartError is a start command that could not be spawned or exited with a
// non-zero code before its server became ready.
type StartError struct {
	Code   int
	Output string
	Err    error
}

func (e *StartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("start failed: %v", e.Err)
	}
	return fmt.Sprintf("application exited with code %d before it was ready", e.Code)
}

func (e *StartError) Unwrap() error { return e.Err }

// Describe renders err as the single message shown to the user, with the
// tail of any captured output.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	msg := "Error running application: " + err.Error()

	var output string
	var ie *InstallError
	var se *StartError
	var te *TimeoutError
	switch {
	case errors.As(err, &ie):
		output = ie.Output
	case errors.As(err, &se):
		output = se.Output
	case errors.As(err, &te):
		output = te.Output
	}
	if tail := lastLines(output, 20); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
