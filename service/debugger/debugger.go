package debugger

import (
	"errors"
	"fmt"

	"github.com/defora/debugger/pkg/decode"
	"github.com/defora/debugger/pkg/decode/asm"
	"github.com/defora/debugger/pkg/eventloop"
	"github.com/defora/debugger/pkg/logflags"
	"github.com/defora/debugger/pkg/plugin"
	"github.com/defora/debugger/pkg/proc"
)

// ErrDisabled is returned by operations of a feature whose plugin could not
// be loaded.
var ErrDisabled = errors.New("feature disabled: plugin not loaded")

// NoPlugin disables a feature when used as a plugin name.
const NoPlugin = "none"

// Debugger service.
//
// Debugger owns a process control plugin and a decode plugin and acts as
// the helper of both: it keeps the register table the decoder describes
// and the driver fills in, and surfaces the errors they report.
//
// All methods must be called from the goroutine running the event loop.
type Debugger struct {
	config *Config
	loop   *eventloop.Loop
	log    logflags.Logger

	proc    proc.Debugger
	backend decode.Backend

	registers []Register
	index     map[string]int
}

// Config provides the configuration to start a Debugger.
type Config struct {
	// PluginRoot and PluginPackage locate the plugins.
	PluginRoot    string
	PluginPackage string
	// DebugPlugin is the name of the process control plugin, NoPlugin to
	// disable process control.
	DebugPlugin string
	// BackendPlugin is the name of the decode plugin, NoPlugin to disable
	// decoding.
	BackendPlugin string

	// Registry resolves the plugins. If nil the built-in plugins are used.
	Registry *plugin.Registry
	// Decode configures the built-in decode plugin.
	Decode asm.Options

	// Launch controls how traced processes are created.
	Launch proc.LaunchOptions

	// OnError is called with every error reported by a plugin.
	OnError func(code int, message string)
	// OnState is called whenever the traced process changes state.
	OnState func(pid int, state proc.State)
}

// Register is an entry of the register table.
type Register struct {
	Name string
	// Size is the width of the register in bits, 0 if the decoder did not
	// describe it.
	Size  int
	Value uint64
}

func (r Register) String() string {
	return fmt.Sprintf("%s = %s", r.Name, proc.FormatValue(r.Value, r.Size))
}

// New creates a new Debugger. A plugin that cannot be resolved or created
// disables its feature; New itself only fails if config is nil.
func New(config *Config, loop *eventloop.Loop) (*Debugger, error) {
	if config == nil {
		return nil, errors.New("no configuration")
	}
	d := &Debugger{
		config: config,
		loop:   loop,
		log:    logflags.DebuggerLogger(),
		index:  make(map[string]int),
	}
	reg := config.Registry
	if reg == nil {
		reg = plugin.Default(config.Decode)
	}
	key := plugin.Key{Root: config.PluginRoot, Package: config.PluginPackage}

	if config.DebugPlugin != NoPlugin {
		key.Category, key.Name = plugin.CategoryDebug, config.DebugPlugin
		if def, err := reg.Debug(key); err != nil {
			d.log.Warnf("process control disabled: %v", err)
		} else if p, err := def.New(proc.Config{Helper: d, Notifier: loop, Launch: config.Launch}); err != nil {
			d.log.Warnf("process control disabled: %s: %v", key, err)
		} else {
			d.proc = p
		}
	}
	if config.BackendPlugin != NoPlugin {
		key.Category, key.Name = plugin.CategoryBackend, config.BackendPlugin
		if def, err := reg.Decode(key); err != nil {
			d.log.Warnf("decoding disabled: %v", err)
		} else if b, err := def.New(d); err != nil {
			d.log.Warnf("decoding disabled: %s: %v", key, err)
		} else {
			d.backend = b
		}
	}
	return d, nil
}

// CanControl reports whether a process control plugin is loaded.
func (d *Debugger) CanControl() bool { return d.proc != nil }

// CanDecode reports whether a decode plugin is loaded.
func (d *Debugger) CanDecode() bool { return d.backend != nil }

// Open decodes the program file at path.
func (d *Debugger) Open(arch, format, path string) error {
	if d.backend == nil {
		return ErrDisabled
	}
	d.log.Infof("opening %s", path)
	return d.backend.Open(arch, format, path)
}

// Close closes the open program file, killing the traced process.
func (d *Debugger) Close() error {
	var err error
	if d.proc != nil && d.proc.State().Live() {
		err = d.proc.Stop()
	}
	if d.backend != nil {
		if cerr := d.backend.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Run starts cmdline under the debugger. An empty cmdline runs the open
// program file.
func (d *Debugger) Run(cmdline string) error {
	if d.proc == nil {
		return ErrDisabled
	}
	if cmdline == "" {
		if p, ok := d.backend.(interface{ Path() string }); ok && p.Path() != "" {
			cmdline = proc.QuoteCommandLine([]string{p.Path()})
		} else {
			return errors.New("no program to run")
		}
	}
	d.log.Infof("launching %q", cmdline)
	return d.proc.Start(cmdline)
}

// Pause stops the traced process.
func (d *Debugger) Pause() error {
	if d.proc == nil {
		return ErrDisabled
	}
	return d.proc.Pause()
}

// Continue resumes the traced process.
func (d *Debugger) Continue() error {
	if d.proc == nil {
		return ErrDisabled
	}
	return d.proc.Continue()
}

// Next resumes the traced process until the next system call boundary.
func (d *Debugger) Next() error {
	if d.proc == nil {
		return ErrDisabled
	}
	return d.proc.Next()
}

// Step executes one instruction of the traced process.
func (d *Debugger) Step() error {
	if d.proc == nil {
		return ErrDisabled
	}
	return d.proc.Step()
}

// Stop kills the traced process.
func (d *Debugger) Stop() error {
	if d.proc == nil {
		return ErrDisabled
	}
	return d.proc.Stop()
}

// IsOpened reports whether a program file is open.
func (d *Debugger) IsOpened() bool {
	return d.backend != nil && d.backend.FormatName() != ""
}

// IsRunning reports whether the traced process is executing.
func (d *Debugger) IsRunning() bool {
	return d.proc != nil && d.proc.IsRunning()
}

// State returns the state of the traced process.
func (d *Debugger) State() proc.State {
	if d.proc == nil {
		return proc.Idle
	}
	return d.proc.State()
}

// Pid returns the pid of the traced process, 0 if there is none.
func (d *Debugger) Pid() int {
	if d.proc == nil {
		return 0
	}
	return d.proc.Pid()
}

// ArchName returns the architecture of the open program file.
func (d *Debugger) ArchName() string {
	if d.backend == nil {
		return ""
	}
	return d.backend.ArchName()
}

// FormatName returns the format of the open program file.
func (d *Debugger) FormatName() string {
	if d.backend == nil {
		return ""
	}
	return d.backend.FormatName()
}

// Registers returns a copy of the register table.
func (d *Debugger) Registers() []Register {
	r := make([]Register, len(d.registers))
	copy(r, d.registers)
	return r
}

// Listing returns the disassembly of the open program file, if the decode
// plugin produces one.
func (d *Debugger) Listing() []asm.Instruction {
	if l, ok := d.backend.(interface{ Listing() []asm.Instruction }); ok {
		return l.Listing()
	}
	return nil
}

// Destroy releases both plugins. The Debugger cannot be used afterwards.
func (d *Debugger) Destroy() {
	if d.proc != nil {
		d.proc.Close()
		d.proc = nil
	}
	if d.backend != nil {
		d.backend.Destroy()
		d.backend = nil
	}
}

// ReportError logs an error reported by a plugin and passes it on to
// OnError.
func (d *Debugger) ReportError(code int, message string) int {
	d.log.WithField("code", code).Error(message)
	if d.config.OnError != nil {
		d.config.OnError(code, message)
	}
	return code
}

// SetRegister records the value of a register. A register the decoder
// did not describe is appended to the table.
func (d *Debugger) SetRegister(name string, value uint64) {
	i, ok := d.index[name]
	if !ok {
		i = len(d.registers)
		d.index[name] = i
		d.registers = append(d.registers, Register{Name: name})
	}
	d.registers[i].Value = value
}

// SetRegisters replaces the register table. Values already read for a
// register are kept, as are registers the decoder did not describe.
func (d *Debugger) SetRegisters(regs []proc.Register) {
	old := d.registers
	d.registers = make([]Register, len(regs))
	d.index = make(map[string]int, len(regs))
	for i, r := range regs {
		d.registers[i] = Register{Name: r.Name, Size: r.Size}
		d.index[r.Name] = i
	}
	for _, r := range old {
		if i, ok := d.index[r.Name]; ok {
			d.registers[i].Value = r.Value
		} else if r.Size == 0 {
			d.index[r.Name] = len(d.registers)
			d.registers = append(d.registers, r)
		}
	}
}

// Idle schedules fn on the event loop.
func (d *Debugger) Idle(fn func()) eventloop.IdleHandle {
	return d.loop.Idle(fn)
}

// CancelIdle cancels a callback scheduled with Idle.
func (d *Debugger) CancelIdle(h eventloop.IdleHandle) {
	d.loop.CancelIdle(h)
}

// StateChanged passes state transitions of the traced process on to
// OnState.
func (d *Debugger) StateChanged(pid int, state proc.State) {
	d.log.Debugf("pid=%d %s", pid, state)
	if d.config.OnState != nil {
		d.config.OnState(pid, state)
	}
}
