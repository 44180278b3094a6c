package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"

	"github.com/defora/debugger/pkg/config"
	"github.com/defora/debugger/pkg/decode/asm"
	"github.com/defora/debugger/pkg/proc"
	"github.com/defora/debugger/service/debugger"
)

const (
	historyFile                 string = "history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Target is the debugger the terminal drives.
type Target interface {
	Open(arch, format, path string) error
	Close() error
	Run(cmdline string) error
	Pause() error
	Continue() error
	Next() error
	Step() error
	Stop() error

	IsOpened() bool
	IsRunning() bool
	State() proc.State
	Pid() int
	ArchName() string
	FormatName() string
	Registers() []debugger.Register
	Listing() []asm.Instruction
}

// Invoker runs fn on the goroutine that owns the Target and waits for it.
type Invoker func(fn func()) error

// Term represents the terminal running dbg.
type Term struct {
	target Target
	invoke Invoker
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool

	// mu serializes writes to stdout, which come from both the prompt
	// goroutine and the event loop.
	mu     sync.Mutex
	stdout io.Writer
}

// New returns a new Term.
func New(target Target, invoke Invoker, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	cmds := DebugCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	var w io.Writer
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
		dumb = !isTerminal(os.Stdout)
	}

	return &Term{
		target: target,
		invoke: invoke,
		conf:   conf,
		prompt: "(dbg) ",
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.Println(ansiYellow, "received SIGINT, stopping process (will not forward signal)")
		if err := t.call(Target.Pause); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// Run begins running dbg in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.cmds.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}
	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal, highlighted with the ANSI color
// code color.
func (t *Term) Println(color int, str string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dumb {
		str = fmt.Sprintf(terminalHighlightEscapeCode, color) + str + terminalResetEscapeCode
	}
	fmt.Fprintln(t.stdout, str)
}

// Printf prints to the terminal without highlighting.
func (t *Term) Printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.stdout, format, args...)
}

// StateChanged prints a state transition of the traced process. It can be
// used as debugger.Config.OnState.
func (t *Term) StateChanged(pid int, state proc.State) {
	switch state {
	case proc.Stopped:
		t.Println(ansiBlue, fmt.Sprintf("> process %d stopped", pid))
	case proc.Exited, proc.Killed:
		t.Println(ansiYellow, fmt.Sprintf("> process %d %s", pid, state))
	}
}

// ReportError prints an error reported by a plugin. It can be used as
// debugger.Config.OnError.
func (t *Term) ReportError(code int, message string) {
	t.Println(ansiRed, fmt.Sprintf("error %d: %s", code, message))
}

// call runs fn against the target on its goroutine.
func (t *Term) call(fn func(Target) error) error {
	var err error
	if ierr := t.invoke(func() { err = fn(t.target) }); ierr != nil {
		return ierr
	}
	return err
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0666); err == nil {
		if _, err := t.line.WriteHistory(f); err != nil {
			fmt.Println("readline history error:", err)
		}
		f.Close()
	}

	if err := t.call(Target.Close); err != nil {
		return 1, err
	}
	return 0, nil
}

// ExitRequestError is returned when the user
// exits dbg.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}
