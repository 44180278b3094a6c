package proc

import (
	"io"

	"github.com/defora/debugger/pkg/eventloop"
)

// Debugger is the operation set of a process control plugin. Every
// operation returns nil on success. Operations invoked from a state that
// cannot support them are silent no-ops returning nil.
//
// Implementations are single-threaded: all methods must be called from the
// goroutine running the event loop they were created with.
type Debugger interface {
	Info

	// Start launches cmdline as a traced child. It fails with
	// ErrAlreadyStarted if a session is live.
	Start(cmdline string) error
	// Pause stops a running process and returns once the stop has been
	// acknowledged.
	Pause() error
	// Stop kills the traced process.
	Stop() error
	// Continue resumes the traced process.
	Continue() error
	// Next resumes the traced process until the next system call boundary.
	Next() error
	// Step executes a single instruction.
	Step() error
	// Close releases every resource held by the plugin, killing the traced
	// process if it is still alive.
	Close() error
}

// Info is the accessor set of a Debugger.
type Info interface {
	State() State
	// Pid returns the pid of the traced process, 0 if there is none.
	Pid() int
	// IsOpened reports whether a session was started since the last Close.
	IsOpened() bool
	// IsRunning reports whether the traced process is executing.
	IsRunning() bool
	// LastError returns the last error recorded by the plugin.
	LastError() error
}

// Helper is the capability the owner of a Debugger hands to it. It is
// borrowed and must outlive the Debugger.
type Helper interface {
	// ReportError surfaces a failure to the user and returns code.
	ReportError(code int, message string) int
	// SetRegister updates the value of a register after a stop.
	SetRegister(name string, value uint64)
}

// StateHelper can optionally be implemented by a Helper that wants to be
// told about state transitions of the traced process.
type StateHelper interface {
	StateChanged(pid int, state State)
}

// Notifier delivers child state changes to a Debugger. It is implemented
// by *eventloop.Loop.
type Notifier interface {
	Subscribe(pid int, fn eventloop.ChildFunc) (eventloop.Handle, error)
	Unsubscribe(h eventloop.Handle)
	// Post queues status for delivery to h on the next loop iteration.
	Post(h eventloop.Handle, pid int, status eventloop.WaitStatus)
}

// LaunchOptions controls how the traced child is created.
type LaunchOptions struct {
	// Dir is the working directory of the child, empty for the current one.
	Dir string
	// Env is the environment of the child, nil to inherit ours.
	Env []string
	// Pty runs the child on a new pseudo-terminal whose output is copied
	// to Stdout.
	Pty bool
	// Stdout receives the output of a child running on a pseudo-terminal.
	Stdout io.Writer
}

// Config is what a plugin is constructed with.
type Config struct {
	Helper   Helper
	Notifier Notifier
	Launch   LaunchOptions
}

// Definition describes a process control plugin.
type Definition struct {
	Name        string
	Description string
	License     string
	// New creates an instance of the plugin.
	New func(cfg Config) (Debugger, error)
}
