// Package decode defines the contract of the decode plugins, which parse
// a program file and describe its architecture to the front end.
package decode

import (
	"github.com/defora/debugger/pkg/eventloop"
	"github.com/defora/debugger/pkg/proc"
)

// Helper is the capability the owner of a Backend hands to it.
type Helper interface {
	// ReportError surfaces a failure to the user and returns code.
	ReportError(code int, message string) int
	// SetRegisters replaces the register table of the front end.
	SetRegisters(regs []proc.Register)
	// Idle schedules fn to run once on the event loop when it has nothing
	// else to do.
	Idle(fn func()) eventloop.IdleHandle
	// CancelIdle cancels a callback scheduled with Idle that has not run.
	CancelIdle(h eventloop.IdleHandle)
}

// Backend decodes one program file at a time.
type Backend interface {
	// Open decodes the file at path. Empty arch and format are detected
	// from the file. Once Open succeeds the register table of the
	// architecture is reported through Helper.SetRegisters from an idle
	// callback.
	Open(arch, format, path string) error
	// Close releases the open file, cancelling a register report that has
	// not been delivered yet.
	Close() error
	// ArchName returns the architecture of the open file.
	ArchName() string
	// FormatName returns the file format of the open file.
	FormatName() string
	// Destroy closes the backend for good.
	Destroy()
}

// Definition describes a decode plugin.
type Definition struct {
	Name        string
	Description string
	License     string
	New         func(helper Helper) (Backend, error)
}
