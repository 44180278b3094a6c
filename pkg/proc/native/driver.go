//go:build linux
// +build linux

package native

import (
	"errors"
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/defora/debugger/pkg/eventloop"
	"github.com/defora/debugger/pkg/logflags"
	"github.com/defora/debugger/pkg/proc"
)

// eventMask is the set of trace options requested on the first stop: the
// traced process is killed if we go away, and system call stops are
// distinguishable from SIGTRAP.
const eventMask = sys.PTRACE_O_EXITKILL | sys.PTRACE_O_TRACESYSGOOD

// syscallStopBit is set in the stop signal of a system call stop when
// PTRACE_O_TRACESYSGOOD is in effect.
const syscallStopBit = 0x80

// child is a launched process.
type child struct {
	pid int
	// release frees the process handle and the resources allocated for
	// the child.
	release func() error
}

type launcher interface {
	launch(argv []string, opts proc.LaunchOptions) (*child, error)
}

// tracer issues the system calls that control a traced process.
type tracer interface {
	// request issues req to pid.
	request(pid int, req proc.Request) error
	// interrupt sends the stop signal to pid.
	interrupt(pid int) error
	// wait collects the next status of pid, blocking unless nohang is set.
	wait(pid int, nohang bool) (int, sys.WaitStatus, error)
	// kill sends SIGKILL to pid.
	kill(pid int) error
	// registers reads the general purpose registers of a stopped pid.
	registers(pid int) ([]proc.RegisterValue, error)
}

// Driver controls one traced child process through ptrace(2). It is the
// "ptrace" control plugin.
//
// A Driver is single-threaded: every method, and the notifications it
// receives, run on the event loop goroutine.
type Driver struct {
	helper   proc.Helper
	notifier proc.Notifier
	launcher launcher
	tracer   tracer
	opts     proc.LaunchOptions
	log      logflags.Logger

	pid     int
	child   *child
	sub     eventloop.Handle
	state   proc.State
	pending pendingSlot

	// optionsPending is set until the event mask has been issued after
	// the first stop.
	optionsPending bool
	// killing is set once a Kill request was issued: the exit that
	// follows is expected.
	killing bool
	// stopQueued is set when a stop consumed by a synchronous wait was
	// posted back to the event loop and has not been delivered yet.
	stopQueued bool
	// sigstopPending is set when a forced stop collected a stop other
	// than its own SIGSTOP, which is then still pending in the kernel.
	sigstopPending bool
	// stopStatus is the status collected by the last forced stop.
	stopStatus sys.WaitStatus
	// lastResume is the last request that let the process run.
	lastResume proc.Request
	// deliverSig is a signal the process stopped with that must be
	// delivered to it when it resumes.
	deliverSig syscall.Signal

	opened  bool
	closed  bool
	lastErr error
}

func newDriver(cfg proc.Config, l launcher, t tracer) (*Driver, error) {
	if cfg.Helper == nil {
		return nil, errors.New("ptrace: no helper")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("ptrace: no notifier")
	}
	return &Driver{
		helper:   cfg.Helper,
		notifier: cfg.Notifier,
		launcher: l,
		tracer:   t,
		opts:     cfg.Launch,
		log:      logflags.PtraceLogger(),
	}, nil
}

// State returns the tracing state of the process.
func (d *Driver) State() proc.State { return d.state }

// Pid returns the pid of the traced process, 0 if there is none.
func (d *Driver) Pid() int { return d.pid }

// IsOpened reports whether a session was started.
func (d *Driver) IsOpened() bool { return d.opened }

// IsRunning reports whether the traced process is executing.
func (d *Driver) IsRunning() bool { return d.state == proc.Running }

// LastError returns the last recorded error.
func (d *Driver) LastError() error { return d.lastErr }

// Start launches cmdline as a traced child.
func (d *Driver) Start(cmdline string) error {
	if d.closed {
		return nil
	}
	if d.state.Live() {
		return d.fail(proc.ErrAlreadyStarted)
	}
	argv, err := splitCommandLine(cmdline)
	if err != nil {
		return d.fail(&proc.LaunchError{Path: cmdline, Err: err})
	}
	c, err := d.launcher.launch(argv, d.opts)
	if err != nil {
		return d.fail(&proc.LaunchError{Path: argv[0], Err: err})
	}
	h, err := d.notifier.Subscribe(c.pid, d.onChild)
	if err != nil {
		// Never leave a child we cannot observe.
		d.killAndReap(c.pid)
		c.release()
		return d.fail(fmt.Errorf("could not watch process %d: %w", c.pid, err))
	}
	d.log.Debugf("started %q pid=%d", argv, c.pid)

	d.pid = c.pid
	d.child = c
	d.sub = h
	d.state = proc.Starting
	d.pending.clear()
	d.optionsPending = true
	d.killing = false
	d.stopQueued = false
	d.sigstopPending = false
	d.deliverSig = 0
	d.lastResume = proc.Request{}
	d.opened = true
	d.lastErr = nil
	d.notifyState(d.pid)
	return nil
}

// Pause stops the traced process. When it returns without error the
// process is stopped or gone.
func (d *Driver) Pause() error {
	return d.schedule(proc.Request{Op: proc.PauseOnly})
}

// Stop kills the traced process.
func (d *Driver) Stop() error {
	return d.schedule(proc.Request{Op: proc.Kill})
}

// Continue resumes the traced process.
func (d *Driver) Continue() error {
	return d.schedule(proc.Request{Op: proc.Continue})
}

// Next resumes the traced process until the next system call boundary.
func (d *Driver) Next() error {
	return d.schedule(proc.Request{Op: proc.StepOverCall})
}

// Step executes one instruction.
func (d *Driver) Step() error {
	return d.schedule(proc.Request{Op: proc.SingleStep})
}

// Close tears the session down: the subscription first, then the process,
// which is killed if still alive.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	live := d.state.Live()
	d.teardown(live)
	d.state = proc.Idle
	d.opened = false
	return nil
}

// schedule issues req now if the process is stopped, or stops the process
// and defers req to the next stop notification if it is running.
func (d *Driver) schedule(req proc.Request) error {
	if d.closed {
		return nil
	}
	d.log.Debugf("schedule %s state=%s", req, d.state)
	switch d.state {
	case proc.Starting:
		// Halted at its post-exec trap, the process reports that stop by
		// itself.
		if req.Op == proc.PauseOnly {
			return nil
		}
		d.deferRequest(req)
		return nil

	case proc.Running:
		if err := d.forceStop(); err != nil {
			return err
		}
		if d.state != proc.Stopped {
			return nil
		}
		if req.Op == proc.PauseOnly {
			d.reportStop()
			return nil
		}
		d.deferRequest(req)
		d.postStop()
		return nil

	case proc.Stopped:
		if d.stopQueued {
			// The stop that issues the pending request has not been
			// delivered yet.
			if req.Op == proc.PauseOnly {
				d.pending.clear()
				return nil
			}
			d.deferRequest(req)
			return nil
		}
		if req.Op == proc.PauseOnly {
			return nil
		}
		return d.issue(req)
	}
	return nil
}

// deferRequest stores req in the pending slot, dropping the request it
// held.
func (d *Driver) deferRequest(req proc.Request) {
	if prev, ok := d.pending.store(req); ok {
		d.log.Debugf("pending %s replaced by %s", prev, req)
	}
}

// forceStop sends the stop signal and waits for it synchronously, so that
// the event loop does not race us for the status.
func (d *Driver) forceStop() error {
	pid := d.pid
	if err := d.tracer.interrupt(pid); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			// Gone before the stop signal reached it.
			d.lastErr = &proc.SyscallError{Op: "kill", Err: syscall.ESRCH}
			d.log.Debugf("%v, pid=%d is gone", d.lastErr, pid)
			d.exitedUnexpectedly()
			return nil
		}
		return d.syscallFailed("kill", err)
	}
	_, status, err := d.tracer.wait(pid, false)
	if err != nil {
		return d.syscallFailed("wait4", err)
	}
	switch {
	case status.Exited() || status.Signaled():
		d.onExit(status)
	case status.Stopped():
		if status.StopSignal() != sys.SIGSTOP {
			d.sigstopPending = true
			d.recordStopSignal(status)
		}
		d.state = proc.Stopped
		d.stopStatus = status
	}
	return nil
}

// postStop hands the stop collected by forceStop back to the event loop,
// which delivers it as the notification issuing the pending request.
func (d *Driver) postStop() {
	d.stopQueued = true
	d.notifier.Post(d.sub, d.pid, d.stopStatus)
}

// issue sends req to the stopped process.
func (d *Driver) issue(req proc.Request) error {
	if req.Op.Resumes() && req.Op != proc.Kill {
		d.lastResume = req
		if req.Data == 0 && d.deliverSig != 0 {
			req.Data = uintptr(d.deliverSig)
		}
	}
	d.log.Debugf("ptrace %s pid=%d", req, d.pid)
	if err := d.tracer.request(d.pid, req); err != nil {
		return d.syscallFailed(req.Op.String(), err)
	}
	if req.Op == proc.Kill {
		d.killing = true
	}
	if req.Op.Resumes() {
		d.deliverSig = 0
		d.state = proc.Running
	}
	return nil
}

// onChild receives the notifications of the event loop.
func (d *Driver) onChild(pid int, status eventloop.WaitStatus) {
	if pid != d.pid || !d.state.Live() {
		return
	}
	switch {
	case status.Stopped():
		d.onStop(status)
	case status.Exited() || status.Signaled():
		d.onExit(status)
	}
}

func (d *Driver) onStop(status sys.WaitStatus) {
	if d.stopQueued {
		d.stopQueued = false
	} else if d.sigstopPending && d.state == proc.Running && status.StopSignal() == sys.SIGSTOP {
		// Our own late SIGSTOP: resume what was running.
		d.sigstopPending = false
		d.log.Debugf("discarding late SIGSTOP pid=%d", d.pid)
		d.issue(d.lastResume)
		return
	} else {
		d.recordStopSignal(status)
	}
	d.state = proc.Stopped

	regs, err := d.tracer.registers(d.pid)
	if err != nil {
		d.log.Debugf("could not read registers: %v", err)
	}

	if d.optionsPending {
		d.optionsPending = false
		d.issue(proc.Request{Op: proc.SetEventMask, Data: eventMask})
		if !d.state.Live() {
			return
		}
	}
	if req, ok := d.pending.take(); ok {
		d.issue(req)
		if !d.state.Live() {
			return
		}
	}

	for _, r := range regs {
		d.helper.SetRegister(r.Name, r.Value)
	}
	d.notifyState(d.pid)
}

// reportStop publishes the registers and state of a process stopped by
// Pause.
func (d *Driver) reportStop() {
	regs, err := d.tracer.registers(d.pid)
	if err != nil {
		d.log.Debugf("could not read registers: %v", err)
	}
	for _, r := range regs {
		d.helper.SetRegister(r.Name, r.Value)
	}
	d.notifyState(d.pid)
}

// recordStopSignal remembers the signal a process stopped with if it has
// to be delivered when the process resumes.
func (d *Driver) recordStopSignal(status sys.WaitStatus) {
	sig := status.StopSignal()
	switch {
	case status.TrapCause() > 0:
	case int(sig)&syscallStopBit != 0:
	case sig == sys.SIGTRAP || sig == sys.SIGSTOP:
	default:
		d.deliverSig = sig
		return
	}
	d.deliverSig = 0
}

func (d *Driver) onExit(status sys.WaitStatus) {
	pid := d.pid
	prev := d.state
	expected := d.killing

	var err error
	if status.Signaled() {
		d.state = proc.Killed
		if !expected {
			err = proc.ErrProcessExited{Pid: pid, Status: -int(status.Signal())}
		}
	} else {
		d.state = proc.Exited
		code := status.ExitStatus()
		switch {
		case prev == proc.Starting && code == proc.TraceSetupExitStatus:
			err = &proc.TraceSetupError{Pid: pid}
		case code != 0 && !expected:
			err = proc.ErrProcessExited{Pid: pid, Status: code}
		}
	}
	d.log.Debugf("pid=%d %s (status %#x)", pid, d.state, uint32(status))
	d.teardown(false)
	if err != nil {
		d.fail(err)
	}
	d.notifyState(pid)
}

// exitedUnexpectedly moves to a terminal state after a call failed because
// the process is gone.
func (d *Driver) exitedUnexpectedly() {
	pid := d.pid
	if d.killing {
		d.state = proc.Killed
	} else {
		d.state = proc.Exited
	}
	d.teardown(false)
	d.notifyState(pid)
}

// teardown removes the subscription, then releases the process. If kill
// is set the process is still alive and is killed and reaped first.
func (d *Driver) teardown(kill bool) {
	if d.sub != 0 {
		d.notifier.Unsubscribe(d.sub)
		d.sub = 0
	}
	if d.child != nil {
		if kill {
			d.killAndReap(d.pid)
		} else {
			// Reap a zombie left behind by a failed call, if any.
			d.tracer.wait(d.pid, true)
		}
		if err := d.child.release(); err != nil {
			d.log.Debugf("release pid=%d: %v", d.pid, err)
		}
		d.child = nil
	}
	d.pid = 0
	d.pending.clear()
	d.optionsPending = false
	d.stopQueued = false
	d.sigstopPending = false
	d.deliverSig = 0
	d.killing = false
}

// killAndReap kills pid and waits until its exit has been collected.
func (d *Driver) killAndReap(pid int) {
	if err := d.tracer.kill(pid); err != nil {
		d.log.Debugf("kill pid=%d: %v", pid, err)
		return
	}
	for {
		_, status, err := d.tracer.wait(pid, false)
		if err != nil || status.Exited() || status.Signaled() {
			return
		}
	}
}

// syscallFailed records and reports the failure of op. A process that no
// longer exists also moves to a terminal state.
func (d *Driver) syscallFailed(op string, err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return d.fail(fmt.Errorf("%s: %w", op, err))
	}
	serr := &proc.SyscallError{Op: op, Err: errno}
	if serr.IsNoSuchProcess() {
		d.log.Debugf("%v, pid=%d is gone", serr, d.pid)
		d.exitedUnexpectedly()
	}
	return d.fail(serr)
}

// fail records err and reports it once through the helper.
func (d *Driver) fail(err error) error {
	d.lastErr = err
	d.helper.ReportError(proc.ErrorCode(err), err.Error())
	return err
}

func (d *Driver) notifyState(pid int) {
	if sh, ok := d.helper.(proc.StateHelper); ok {
		sh.StateChanged(pid, d.state)
	}
}
