package terminal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/defora/debugger/pkg/decode/asm"
	"github.com/defora/debugger/pkg/proc"
	"github.com/defora/debugger/service/debugger"
)

type fakeTarget struct {
	calls  []string
	opened bool
	state  proc.State
}

func (f *fakeTarget) record(s string) error {
	f.calls = append(f.calls, s)
	return nil
}

func (f *fakeTarget) Open(arch, format, path string) error {
	f.opened = true
	return f.record("open " + path + " " + arch + " " + format)
}

func (f *fakeTarget) Close() error             { f.opened = false; return f.record("close") }
func (f *fakeTarget) Run(cmdline string) error { return f.record("run " + cmdline) }
func (f *fakeTarget) Pause() error             { return f.record("pause") }
func (f *fakeTarget) Continue() error          { return f.record("continue") }
func (f *fakeTarget) Next() error              { return f.record("next") }
func (f *fakeTarget) Step() error              { return f.record("step") }
func (f *fakeTarget) Stop() error              { return f.record("stop") }
func (f *fakeTarget) IsOpened() bool           { return f.opened }
func (f *fakeTarget) IsRunning() bool          { return f.state == proc.Running }
func (f *fakeTarget) State() proc.State        { return f.state }
func (f *fakeTarget) Pid() int                 { return 7 }
func (f *fakeTarget) ArchName() string         { return "amd64" }
func (f *fakeTarget) FormatName() string       { return "elf" }

func (f *fakeTarget) Registers() []debugger.Register {
	return []debugger.Register{{Name: "rip", Size: 64, Value: 0x401000}, {Name: "eflags", Size: 32, Value: 0x246}}
}

func (f *fakeTarget) Listing() []asm.Instruction {
	return []asm.Instruction{{Addr: 0x401000, Bytes: []byte{0x90}, Text: "nop"}}
}

func newTestTerm() (*Term, *fakeTarget, *bytes.Buffer) {
	tg := &fakeTarget{}
	out := new(bytes.Buffer)
	t := &Term{
		target: tg,
		invoke: func(fn func()) error { fn(); return nil },
		cmds:   DebugCommands(),
		dumb:   true,
		stdout: out,
	}
	return t, tg, out
}

func TestCommandDispatch(t *testing.T) {
	term, tg, _ := newTestTerm()
	for _, cmd := range []string{
		`open "/tmp/my prog" amd64 elf`,
		"run /bin/ls -l",
		"pause",
		"c",
		"n",
		"s",
		"stop",
		"close",
	} {
		require.NoError(t, term.cmds.Call(cmd, term), cmd)
	}
	require.Equal(t, []string{
		"open /tmp/my prog amd64 elf",
		"run /bin/ls -l",
		"pause",
		"continue",
		"next",
		"step",
		"stop",
		"close",
	}, tg.calls)
}

func TestPrefixMatching(t *testing.T) {
	term, tg, _ := newTestTerm()
	require.NoError(t, term.cmds.Call("cont", term))
	require.NoError(t, term.cmds.Call("pau", term))
	require.Equal(t, []string{"continue", "pause"}, tg.calls)

	// "st" is a prefix of state, step and stop.
	err := term.cmds.Call("st", term)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ambiguous")

	require.Equal(t, noCmdError, term.cmds.Call("frobnicate", term))
	require.NoError(t, term.cmds.Call("", term))
}

func TestExitCommand(t *testing.T) {
	term, _, _ := newTestTerm()
	for _, cmd := range []string{"exit", "quit", "q"} {
		_, ok := term.cmds.Call(cmd, term).(ExitRequestError)
		require.True(t, ok, cmd)
	}
}

func TestOpenArguments(t *testing.T) {
	term, _, _ := newTestTerm()
	require.Error(t, term.cmds.Call("open", term))
	require.Error(t, term.cmds.Call("open a b c d", term))
}

func TestRegsAndDisassemble(t *testing.T) {
	term, tg, out := newTestTerm()
	require.NoError(t, term.cmds.Call("regs", term))
	require.Equal(t, "rip = 0x0000000000401000\neflags = 0x00000246\n", out.String())

	out.Reset()
	require.Error(t, term.cmds.Call("disassemble", term))
	tg.opened = true
	require.NoError(t, term.cmds.Call("disassemble", term))
	require.Contains(t, out.String(), "0x401000")
	require.Contains(t, out.String(), "nop")
}

func TestStateCommand(t *testing.T) {
	term, tg, out := newTestTerm()
	tg.opened = true
	tg.state = proc.Stopped
	require.NoError(t, term.cmds.Call("state", term))
	require.Equal(t, "file: amd64 (elf)\nprocess: stopped pid=7\n", out.String())
}

func TestHelp(t *testing.T) {
	term, _, out := newTestTerm()
	require.NoError(t, term.cmds.Call("help", term))
	require.Contains(t, out.String(), "continue (alias: c)")
	out.Reset()
	require.NoError(t, term.cmds.Call("help step", term))
	require.True(t, strings.HasPrefix(out.String(), "Executes a single instruction."))
	require.Error(t, term.cmds.Call("help nothing", term))
}

func TestMergeAliases(t *testing.T) {
	term, tg, _ := newTestTerm()
	term.cmds.Merge(map[string][]string{"continue": {"go"}})
	require.NoError(t, term.cmds.Call("go", term))
	require.Equal(t, []string{"continue"}, tg.calls)

	term.cmds.Merge(map[string][]string{})
	require.Equal(t, noCmdError, term.cmds.Call("go", term))
}

func TestComplete(t *testing.T) {
	c := DebugCommands()
	require.Equal(t, []string{"disass", "disassemble"}, c.complete("dis"))
	require.Equal(t, []string{"state", "step", "stop"}, c.complete("st"))
	require.Empty(t, c.complete("run /bin"))
}

func TestNotifications(t *testing.T) {
	term, _, out := newTestTerm()
	term.StateChanged(7, proc.Stopped)
	term.StateChanged(7, proc.Running)
	term.StateChanged(7, proc.Exited)
	term.ReportError(-3, "kill: no such process")
	require.Equal(t, "> process 7 stopped\n> process 7 exited\nerror -3: kill: no such process\n", out.String())
}
