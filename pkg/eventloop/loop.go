// Package eventloop implements the single-threaded event loop the process
// control plugins are driven from.
//
// A Loop runs on one goroutine locked to its OS thread. Everything that
// talks to a traced process (launching it, issuing ptrace requests,
// waiting for it) must happen on that thread, so other goroutines enter
// the loop through Invoke.
//
// The loop delivers three kinds of notifications:
// * child state changes, collected with non-blocking wait4 calls whenever
//   SIGCHLD arrives
// * one-shot idle callbacks, run once no other work is queued
// * statuses posted back to a subscription with Post
package eventloop

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/defora/debugger/pkg/logflags"
)

// WaitStatus is the raw status reported by wait4.
type WaitStatus = unix.WaitStatus

// ChildFunc receives the raw status of a subscribed child. The loop does
// not interpret it.
type ChildFunc func(pid int, status WaitStatus)

// Handle identifies a child subscription.
type Handle uint64

// IdleHandle identifies a pending idle callback.
type IdleHandle uint64

// ErrClosed is returned when operating on a loop that was closed.
var ErrClosed = errors.New("event loop closed")

type subscription struct {
	pid int
	fn  ChildFunc
}

type posted struct {
	h      Handle
	pid    int
	status WaitStatus
}

type idleCallback struct {
	h  IdleHandle
	fn func()
}

// Loop is a cooperative event loop. The zero value is not usable, call New.
type Loop struct {
	mu      sync.Mutex
	subs    map[Handle]*subscription
	posted  []posted
	idle    []idleCallback
	nextID  uint64
	closed  bool
	running bool

	calls   chan func()
	wake    chan struct{}
	sigchld chan os.Signal
	done    chan struct{}
	stopped chan struct{}

	waiter waiter
	log    logflags.Logger
}

// waiter collects child statuses without blocking.
type waiter interface {
	wait4(pid int) (int, WaitStatus, error)
}

// New creates a loop. SIGCHLD notifications are requested immediately so
// that no child state change happening before Run is lost.
func New() *Loop {
	l := &Loop{
		subs:    make(map[Handle]*subscription),
		calls:   make(chan func()),
		wake:    make(chan struct{}, 1),
		sigchld: make(chan os.Signal, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		waiter:  sysWaiter{},
		log:     logflags.LoopLogger(),
	}
	signal.Notify(l.sigchld, syscall.SIGCHLD)
	return l
}

// Run processes notifications until ctx is done or Close is called. It
// must be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.stopped)

	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		l.dispatchPosted()
		l.pollChildren()

		// Idle callbacks only run when nothing else is ready.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.calls:
			fn()
			continue
		case <-l.sigchld:
			continue
		default:
		}
		if l.runIdle() {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case fn := <-l.calls:
			fn()
		case <-l.sigchld:
		case <-l.wake:
		}
	}
}

// Close stops the loop. Pending idle callbacks and posted statuses are
// dropped. Close does not wait for Run to return.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.subs = make(map[Handle]*subscription)
	l.posted = nil
	l.idle = nil
	l.mu.Unlock()
	signal.Stop(l.sigchld)
	close(l.done)
}

// Invoke runs fn on the loop goroutine and waits for it to return. It must
// not be called from the loop goroutine itself.
func (l *Loop) Invoke(fn func()) error {
	finished := make(chan struct{})
	call := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.calls <- call:
	case <-l.done:
		return ErrClosed
	case <-l.stopped:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.stopped:
		return ErrClosed
	}
}

// Subscribe registers fn to receive the state changes of pid.
func (l *Loop) Subscribe(pid int, fn ChildFunc) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	l.nextID++
	h := Handle(l.nextID)
	l.subs[h] = &subscription{pid: pid, fn: fn}
	l.log.Debugf("subscribe pid=%d handle=%d", pid, h)
	l.signal()
	return h, nil
}

// Unsubscribe removes a subscription. Statuses already collected for it
// are not delivered.
func (l *Loop) Unsubscribe(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[h]; ok {
		l.log.Debugf("unsubscribe pid=%d handle=%d", sub.pid, h)
		delete(l.subs, h)
	}
}

// Subscriptions returns the number of live subscriptions.
func (l *Loop) Subscriptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Post queues status for delivery to h on the next iteration, before any
// status collected from the kernel. It is used to hand back a status that
// was consumed by a synchronous wait.
func (l *Loop) Post(h Handle, pid int, status WaitStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.posted = append(l.posted, posted{h: h, pid: pid, status: status})
	l.signal()
}

// Idle schedules fn to run once, when the loop has nothing else to do.
func (l *Loop) Idle(fn func()) IdleHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	h := IdleHandle(l.nextID)
	if l.closed {
		return h
	}
	l.idle = append(l.idle, idleCallback{h: h, fn: fn})
	l.signal()
	return h
}

// CancelIdle removes an idle callback that has not run yet.
func (l *Loop) CancelIdle(h IdleHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.idle {
		if l.idle[i].h == h {
			l.idle = append(l.idle[:i], l.idle[i+1:]...)
			return
		}
	}
}

// signal wakes up the loop. Must be called with l.mu held.
func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) lookup(h Handle) ChildFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[h]; ok {
		return sub.fn
	}
	return nil
}

func (l *Loop) dispatchPosted() {
	l.mu.Lock()
	queue := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, p := range queue {
		if fn := l.lookup(p.h); fn != nil {
			l.log.Debugf("deliver posted pid=%d status=%#x", p.pid, uint32(p.status))
			fn(p.pid, p.status)
		}
	}
}

func (l *Loop) pollChildren() {
	l.mu.Lock()
	handles := make([]Handle, 0, len(l.subs))
	pids := make([]int, 0, len(l.subs))
	for h, sub := range l.subs {
		handles = append(handles, h)
		pids = append(pids, sub.pid)
	}
	l.mu.Unlock()

	for i, h := range handles {
		for {
			fn := l.lookup(h)
			if fn == nil {
				break
			}
			wpid, status, err := l.waiter.wait4(pids[i])
			if err != nil {
				if err != unix.EINTR {
					l.log.Debugf("wait4 pid=%d: %v", pids[i], err)
					break
				}
				continue
			}
			if wpid == 0 {
				break
			}
			l.log.Debugf("deliver pid=%d status=%#x", wpid, uint32(status))
			fn(wpid, status)
			if status.Exited() || status.Signaled() {
				break
			}
		}
	}
}

func (l *Loop) runIdle() bool {
	l.mu.Lock()
	if len(l.idle) == 0 {
		l.mu.Unlock()
		return false
	}
	cb := l.idle[0]
	l.idle = l.idle[1:]
	l.mu.Unlock()
	cb.fn()
	return true
}
