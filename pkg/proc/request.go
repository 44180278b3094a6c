package proc

import "fmt"

// Op is a control operation issued to a traced process.
type Op uint8

const (
	// Continue resumes execution.
	Continue Op = iota
	// SingleStep executes one instruction.
	SingleStep
	// StepOverCall resumes execution until the next system call boundary.
	StepOverCall
	// Kill terminates the process.
	Kill
	// SetEventMask sets the trace options of the process.
	SetEventMask
	// PauseOnly stops the process without issuing anything afterwards.
	PauseOnly
)

func (op Op) String() string {
	switch op {
	case Continue:
		return "continue"
	case SingleStep:
		return "step"
	case StepOverCall:
		return "next"
	case Kill:
		return "kill"
	case SetEventMask:
		return "set-event-mask"
	case PauseOnly:
		return "pause"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Resumes reports whether issuing op lets the process run.
func (op Op) Resumes() bool {
	switch op {
	case Continue, SingleStep, StepOverCall, Kill:
		return true
	}
	return false
}

// Request is a control operation together with its arguments.
type Request struct {
	Op   Op
	Addr uintptr
	Data uintptr
}

func (r Request) String() string {
	if r.Addr == 0 && r.Data == 0 {
		return r.Op.String()
	}
	return fmt.Sprintf("%s(%#x, %#x)", r.Op, r.Addr, r.Data)
}
