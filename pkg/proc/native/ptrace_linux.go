package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/defora/debugger/pkg/proc"
)

// ptraceTracer issues ptrace(2) requests. Its methods must be called from
// the thread that launched the traced process.
type ptraceTracer struct{}

func (ptraceTracer) request(pid int, req proc.Request) error {
	switch req.Op {
	case proc.Continue:
		return sys.PtraceCont(pid, int(req.Data))
	case proc.SingleStep:
		return ptraceSingleStep(pid, int(req.Data))
	case proc.StepOverCall:
		return sys.PtraceSyscall(pid, int(req.Data))
	case proc.Kill:
		return sys.Kill(pid, sys.SIGKILL)
	case proc.SetEventMask:
		return sys.PtraceSetOptions(pid, int(req.Data))
	}
	return nil
}

func (ptraceTracer) interrupt(pid int) error {
	return sys.Kill(pid, sys.SIGSTOP)
}

func (ptraceTracer) wait(pid int, nohang bool) (int, sys.WaitStatus, error) {
	options := sys.WALL
	if nohang {
		options |= sys.WNOHANG
	}
	var status sys.WaitStatus
	for {
		wpid, err := sys.Wait4(pid, &status, options, nil)
		if err == sys.EINTR {
			continue
		}
		return wpid, status, err
	}
}

func (ptraceTracer) kill(pid int) error {
	return sys.Kill(pid, sys.SIGKILL)
}

func (ptraceTracer) registers(pid int) ([]proc.RegisterValue, error) {
	return readRegisters(pid)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(pid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(pid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}
