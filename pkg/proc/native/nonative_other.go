//go:build !linux
// +build !linux

package native

import (
	"errors"

	"github.com/defora/debugger/pkg/proc"
)

// ErrNativeBackendDisabled is returned by New on systems without ptrace
// support.
var ErrNativeBackendDisabled = errors.New("ptrace backend not available on this system")

// New returns ErrNativeBackendDisabled.
func New(proc.Config) (proc.Debugger, error) {
	return nil, ErrNativeBackendDisabled
}

// Definition returns the descriptor of the ptrace control plugin.
func Definition() proc.Definition {
	return proc.Definition{
		Name:        "ptrace",
		Description: "process control through ptrace(2)",
		License:     "LGPL-3.0",
		New:         New,
	}
}
