package proc

// State is the tracing state of a traced process.
type State uint8

const (
	// Idle means no process is being traced.
	Idle State = iota
	// Starting means the process was launched and has not yet reported
	// its first stop.
	Starting
	// Running means the process is executing.
	Running
	// Stopped means the process is halted and can accept requests.
	Stopped
	// Exited means the process terminated on its own.
	Exited
	// Killed means the process was terminated by a signal.
	Killed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	}
	return "unknown"
}

// Live reports whether a process exists in state s.
func (s State) Live() bool {
	return s == Starting || s == Running || s == Stopped
}

// Terminal reports whether s is a state a process ends in.
func (s State) Terminal() bool {
	return s == Exited || s == Killed
}
