package proc

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorCode(t *testing.T) {
	require.Equal(t, 0, ErrorCode(nil))
	require.Equal(t, -int(syscall.ESRCH), ErrorCode(&SyscallError{Op: "ptrace", Err: syscall.ESRCH}))
	require.Equal(t, -int(syscall.ENOENT), ErrorCode(&LaunchError{Path: "nope", Err: fmt.Errorf("exec: %w", syscall.ENOENT)}))
	require.Equal(t, 3, ErrorCode(ErrProcessExited{Pid: 1, Status: 3}))
	require.Equal(t, 1, ErrorCode(ErrProcessExited{Pid: 1, Status: -9}))
	require.Equal(t, 1, ErrorCode(ErrAlreadyStarted))
}

func TestSyscallErrorNoSuchProcess(t *testing.T) {
	require.True(t, (&SyscallError{Op: "kill", Err: syscall.ESRCH}).IsNoSuchProcess())
	require.True(t, (&SyscallError{Op: "wait4", Err: syscall.ECHILD}).IsNoSuchProcess())
	require.False(t, (&SyscallError{Op: "ptrace", Err: syscall.EPERM}).IsNoSuchProcess())
}

func TestOpResumes(t *testing.T) {
	for _, op := range []Op{Continue, SingleStep, StepOverCall, Kill} {
		require.True(t, op.Resumes(), op.String())
	}
	require.False(t, SetEventMask.Resumes())
	require.False(t, PauseOnly.Resumes())
}

func TestFormatValue(t *testing.T) {
	require.Equal(t, "0x0000002a", FormatValue(42, 32))
	require.Equal(t, "0x000000000000002a", FormatValue(42, 0))
}
