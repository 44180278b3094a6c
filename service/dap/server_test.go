package dap

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/defora/debugger/pkg/proc"
	"github.com/defora/debugger/service/debugger"
)

type fakeTarget struct {
	mu     sync.Mutex
	calls  []string
	state  proc.State
	runErr error
	opErr  error
}

func (f *fakeTarget) record(s string) error {
	f.calls = append(f.calls, s)
	return f.opErr
}

func (f *fakeTarget) Run(cmdline string) error {
	if f.runErr != nil {
		return f.runErr
	}
	f.state = proc.Starting
	return f.record("run " + cmdline)
}

func (f *fakeTarget) Pause() error      { return f.record("pause") }
func (f *fakeTarget) Continue() error   { return f.record("continue") }
func (f *fakeTarget) Next() error       { return f.record("next") }
func (f *fakeTarget) Step() error       { return f.record("step") }
func (f *fakeTarget) Stop() error       { return f.record("stop") }
func (f *fakeTarget) Close() error      { return f.record("close") }
func (f *fakeTarget) State() proc.State { return f.state }

func (f *fakeTarget) Pid() int {
	if !f.state.Live() {
		return 0
	}
	return 42
}

func (f *fakeTarget) Registers() []debugger.Register {
	return []debugger.Register{{Name: "rip", Size: 64, Value: 0x401000}, {Name: "eflags", Size: 32, Value: 0x246}}
}

func (f *fakeTarget) setState(s proc.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTarget) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	seq    int
}

// send writes a request built from raw JSON so the test does not depend on
// how the arguments of each request are typed.
func (c *client) send(command string, args interface{}) {
	c.seq++
	msg := map[string]interface{}{"seq": c.seq, "type": "request", "command": command}
	if args != nil {
		msg["arguments"] = args
	}
	buf, err := json.Marshal(msg)
	require.NoError(c.t, err)
	_, err = fmt.Fprintf(c.conn, "Content-Length: %d\r\n\r\n%s", len(buf), buf)
	require.NoError(c.t, err)
}

func (c *client) expect() dap.Message {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	m, err := dap.ReadProtocolMessage(c.reader)
	require.NoError(c.t, err)
	return m
}

func (c *client) expectError(contains string) {
	m := c.expect()
	er, ok := m.(*dap.ErrorResponse)
	require.True(c.t, ok, "got %#v", m)
	require.False(c.t, er.Success)
	require.Contains(c.t, er.Message, contains)
}

func startServer(t *testing.T) (*Server, *fakeTarget, *client, chan struct{}) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tg := &fakeTarget{}
	disconnectChan := make(chan struct{})
	srv := NewServer(&Config{
		Listener: listener,
		Target:   tg,
		Invoke: func(fn func()) error {
			tg.mu.Lock()
			defer tg.mu.Unlock()
			fn()
			return nil
		},
		DisconnectChan: disconnectChan,
	})
	srv.Run()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return srv, tg, &client{t: t, conn: conn, reader: bufio.NewReader(conn)}, disconnectChan
}

func launch(c *client, args map[string]interface{}) {
	c.send("initialize", map[string]interface{}{"adapterID": "dbg"})
	ir, ok := c.expect().(*dap.InitializeResponse)
	require.True(c.t, ok)
	require.True(c.t, ir.Body.SupportsConfigurationDoneRequest)

	c.send("launch", args)
	_, ok = c.expect().(*dap.InitializedEvent)
	require.True(c.t, ok)
	_, ok = c.expect().(*dap.LaunchResponse)
	require.True(c.t, ok)
}

func TestStopOnEntrySession(t *testing.T) {
	srv, tg, c, disconnected := startServer(t)
	launch(c, map[string]interface{}{"program": "/bin/echo", "args": []string{"a b"}, "stopOnEntry": true})

	// The entry stop arrives before the client is done configuring.
	tg.setState(proc.Stopped)
	srv.StateChanged(42, proc.Stopped)

	c.send("configurationDone", nil)
	_, ok := c.expect().(*dap.ConfigurationDoneResponse)
	require.True(t, ok)
	se, ok := c.expect().(*dap.StoppedEvent)
	require.True(t, ok)
	require.Equal(t, "entry", se.Body.Reason)
	require.Equal(t, 42, se.Body.ThreadId)

	c.send("threads", nil)
	tr, ok := c.expect().(*dap.ThreadsResponse)
	require.True(t, ok)
	require.Equal(t, []dap.Thread{{Id: 42, Name: "process 42"}}, tr.Body.Threads)

	c.send("stackTrace", map[string]interface{}{"threadId": 42})
	st, ok := c.expect().(*dap.StackTraceResponse)
	require.True(t, ok)
	require.Len(t, st.Body.StackFrames, 1)
	require.Equal(t, "0x401000", st.Body.StackFrames[0].Name)

	c.send("scopes", map[string]interface{}{"frameId": 1})
	sr, ok := c.expect().(*dap.ScopesResponse)
	require.True(t, ok)
	require.Len(t, sr.Body.Scopes, 1)
	require.Equal(t, "Registers", sr.Body.Scopes[0].Name)

	c.send("variables", map[string]interface{}{"variablesReference": sr.Body.Scopes[0].VariablesReference})
	vr, ok := c.expect().(*dap.VariablesResponse)
	require.True(t, ok)
	require.Len(t, vr.Body.Variables, 2)
	require.Equal(t, "rip", vr.Body.Variables[0].Name)
	require.Equal(t, "0x0000000000401000", vr.Body.Variables[0].Value)
	require.Equal(t, "uint64", vr.Body.Variables[0].Type)
	require.Equal(t, "0x00000246", vr.Body.Variables[1].Value)

	c.send("variables", map[string]interface{}{"variablesReference": 5})
	c.expectError("unknown reference 5")

	c.send("next", map[string]interface{}{"threadId": 42})
	_, ok = c.expect().(*dap.NextResponse)
	require.True(t, ok)
	srv.StateChanged(42, proc.Stopped)
	se, ok = c.expect().(*dap.StoppedEvent)
	require.True(t, ok)
	require.Equal(t, "step", se.Body.Reason)

	c.send("continue", map[string]interface{}{"threadId": 42})
	_, ok = c.expect().(*dap.ContinueResponse)
	require.True(t, ok)
	srv.StateChanged(42, proc.Running)
	_, ok = c.expect().(*dap.ContinuedEvent)
	require.True(t, ok)

	srv.ReportError(3, "Process 42 has exited with status 3")
	oe, ok := c.expect().(*dap.OutputEvent)
	require.True(t, ok)
	require.Equal(t, "stderr", oe.Body.Category)
	tg.setState(proc.Exited)
	srv.StateChanged(42, proc.Exited)
	ee, ok := c.expect().(*dap.ExitedEvent)
	require.True(t, ok)
	require.Equal(t, 3, ee.Body.ExitCode)
	_, ok = c.expect().(*dap.TerminatedEvent)
	require.True(t, ok)

	c.send("disconnect", nil)
	_, ok = c.expect().(*dap.DisconnectResponse)
	require.True(t, ok)
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not signaled")
	}
	require.Equal(t, []string{"run /bin/echo 'a b'", "next", "continue", "close"}, tg.getCalls())
}

func TestRunToPause(t *testing.T) {
	srv, tg, c, _ := startServer(t)
	launch(c, map[string]interface{}{"program": "/bin/sleep", "args": []string{"10"}})

	tg.setState(proc.Stopped)
	srv.StateChanged(42, proc.Stopped)

	c.send("configurationDone", nil)
	_, ok := c.expect().(*dap.ConfigurationDoneResponse)
	require.True(t, ok)
	tg.setState(proc.Running)

	c.send("pause", map[string]interface{}{"threadId": 42})
	_, ok = c.expect().(*dap.PauseResponse)
	require.True(t, ok)
	srv.StateChanged(42, proc.Stopped)
	se, ok := c.expect().(*dap.StoppedEvent)
	require.True(t, ok)
	require.Equal(t, "pause", se.Body.Reason)

	c.send("stepIn", map[string]interface{}{"threadId": 42})
	_, ok = c.expect().(*dap.StepInResponse)
	require.True(t, ok)

	c.send("terminate", nil)
	_, ok = c.expect().(*dap.TerminateResponse)
	require.True(t, ok)

	require.Equal(t, []string{"run /bin/sleep 10", "continue", "pause", "step", "stop"}, tg.getCalls())
}

func TestRequestErrors(t *testing.T) {
	_, tg, c, _ := startServer(t)

	c.send("launch", map[string]interface{}{"stopOnEntry": true})
	c.expectError("program attribute is missing")

	tg.mu.Lock()
	tg.runErr = errors.New("could not launch process: exec: not found")
	tg.mu.Unlock()
	c.send("launch", map[string]interface{}{"program": "/nonexistent"})
	c.expectError("not found")

	c.send("setBreakpoints", map[string]interface{}{"source": map[string]interface{}{"path": "main.c"}})
	c.expectError("Unsupported command")

	tg.mu.Lock()
	tg.opErr = errors.New("process is not running")
	tg.mu.Unlock()
	c.send("continue", map[string]interface{}{"threadId": 1})
	c.expectError("process is not running")

	c.send("threads", nil)
	tr, ok := c.expect().(*dap.ThreadsResponse)
	require.True(t, ok)
	require.Empty(t, tr.Body.Threads)
}

func TestLaunchTwice(t *testing.T) {
	_, _, c, _ := startServer(t)
	launch(c, map[string]interface{}{"program": "/bin/true"})
	c.send("launch", map[string]interface{}{"program": "/bin/true"})
	c.expectError("already in progress")
}
