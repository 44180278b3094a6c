package proc

import (
	"errors"
	"fmt"
	"syscall"
)

// TraceSetupExitStatus is the exit status of a child that could not
// enable tracing before executing its first instruction. A target exiting
// with the same status on its own is indistinguishable from a setup
// failure.
const TraceSetupExitStatus = 125

// ErrAlreadyStarted is returned by Start when a process is already being
// traced.
var ErrAlreadyStarted = errors.New("a process is already being traced")

// LaunchError is returned when the target could not be spawned.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("could not launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TraceSetupError is reported when the child failed to enable tracing.
type TraceSetupError struct {
	Pid int
}

func (e *TraceSetupError) Error() string {
	return fmt.Sprintf("process %d could not enable tracing (exit status %d)", e.Pid, TraceSetupExitStatus)
}

// SyscallError is a failed tracing, signal or wait call.
type SyscallError struct {
	Op  string
	Err syscall.Errno
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *SyscallError) Unwrap() error { return e.Err }

// IsNoSuchProcess reports whether the call failed because the process no
// longer exists.
func (e *SyscallError) IsNoSuchProcess() bool {
	return e.Err == syscall.ESRCH || e.Err == syscall.ECHILD
}

// ErrProcessExited indicates that the process terminated abnormally and
// contains both process id and exit status. A negative status is the
// number of the signal that killed the process.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	if pe.Status < 0 {
		return fmt.Sprintf("Process %d was killed by signal %s", pe.Pid, syscall.Signal(-pe.Status))
	}
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrorCode maps err to the integer code handed to Helper.ReportError.
// System call failures map to the negated errno, everything else to 1.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int(errno)
	}
	var exited ErrProcessExited
	if errors.As(err, &exited) && exited.Status > 0 {
		return exited.Status
	}
	return 1
}
