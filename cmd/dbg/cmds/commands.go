package cmds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/defora/debugger/pkg/config"
	"github.com/defora/debugger/pkg/decode/asm"
	"github.com/defora/debugger/pkg/eventloop"
	"github.com/defora/debugger/pkg/logflags"
	"github.com/defora/debugger/pkg/proc"
	"github.com/defora/debugger/pkg/terminal"
	"github.com/defora/debugger/pkg/version"
	"github.com/defora/debugger/service/dap"
	"github.com/defora/debugger/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath is the configuration file to use instead of the default one.
	configPath string
	// addr is the DAP server listen address.
	addr string
	// usePty runs the traced process on its own pseudo-terminal.
	usePty bool
	// debugPlugin and backendPlugin override the plugins of the config file.
	debugPlugin   string
	backendPlugin string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dbgCommandLongDesc = `dbg is a process level debugger.

dbg launches a program under ptrace(2) and lets you pause, step, continue and
stop it, inspect its registers and disassemble its executable.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`dbg run ./hello -- --verbose`"

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:   "dbg",
		Short: "dbg is a process level debugger.",
		Long:  dbgCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dbg help log').")
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "", "", "Configuration file to use instead of the default one.")
	addPluginFlags(rootCommand.PersistentFlags())

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run [program] [-- args]",
		Short: "Launch a program under the debugger and start a terminal session.",
		Long: `Launch a program under the debugger and start a terminal session.

The program is stopped right after exec. Without a program the terminal
starts with no process; use 'open' and 'run' from there.`,
		RunE: runCmd,
	}
	rootCommand.AddCommand(runCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a TCP server communicating via Debug Adaptor Protocol (DAP).

The program to debug is given by the launch request with its 'program',
'args' and 'stopOnEntry' attributes. The server does not accept multiple
client connections.`,
		RunE: dapCmd,
	}
	dapCommand.Flags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "Debugging server listen address.")
	rootCommand.AddCommand(dapCommand)

	// 'disasm' subcommand.
	disasmCommand := &cobra.Command{
		Use:   "disasm <file> [arch] [format]",
		Short: "Disassemble an executable from its entry point.",
		Args:  cobra.RangeArgs(1, 3),
		RunE:  disasmCmd,
	}
	rootCommand.AddCommand(disasmCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbg Debugger\n%s\n", version.DbgVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	debugger	Log debugger commands
	loop		Log event loop subscriptions and child statuses
	ptrace		Log ptrace requests and waits
	dap		Log all DAP messages
	plugin		Log plugin resolution
	decode		Log the decode plugin

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message in dap
mode.
`,
	})

	return rootCommand
}

func addPluginFlags(fs *pflag.FlagSet) {
	fs.StringVar(&debugPlugin, "debug-plugin", "", `Process control plugin, "none" to disable process control.`)
	fs.StringVar(&backendPlugin, "backend-plugin", "", `Decode plugin, "none" to disable decoding.`)
	fs.BoolVar(&usePty, "pty", false, "Run the program on its own pseudo-terminal.")
}

func loadConfig() error {
	if configPath == "" {
		conf = config.LoadConfig()
		return nil
	}
	var err error
	conf, err = config.LoadConfigFrom(configPath)
	return err
}

// session is an event loop running on its own goroutine and the debugger
// it owns.
type session struct {
	loop   *eventloop.Loop
	dbg    *debugger.Debugger
	cancel context.CancelFunc
	done   chan error
}

func debuggerConfig(onState func(int, proc.State), onError func(int, string)) *debugger.Config {
	cfg := &debugger.Config{
		PluginRoot:    conf.PluginRoot,
		PluginPackage: conf.GetPluginPackage(),
		DebugPlugin:   conf.GetDebugPlugin(),
		BackendPlugin: conf.GetBackendPlugin(),
		Decode: asm.Options{
			ListingLimit: conf.GetListingLimit(),
			CacheSize:    conf.GetInstructionCacheSize(),
		},
		Launch: proc.LaunchOptions{
			Pty:    conf.UsePty || usePty,
			Stdout: os.Stdout,
		},
		OnState: onState,
		OnError: onError,
	}
	if debugPlugin != "" {
		cfg.DebugPlugin = debugPlugin
	}
	if backendPlugin != "" {
		cfg.BackendPlugin = backendPlugin
	}
	if cfg.BackendPlugin == "" {
		cfg.BackendPlugin = debugger.NoPlugin
	}
	return cfg
}

func newSession(cfg *debugger.Config) (*session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{loop: eventloop.New(), cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- s.loop.Run(ctx) }()

	var err error
	if ierr := s.loop.Invoke(func() { s.dbg, err = debugger.New(cfg, s.loop) }); ierr != nil {
		err = ierr
	}
	if err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

func (s *session) invoke(fn func()) error {
	return s.loop.Invoke(fn)
}

// call runs fn against the debugger on the loop goroutine.
func (s *session) call(fn func(*debugger.Debugger) error) error {
	var err error
	if ierr := s.loop.Invoke(func() { err = fn(s.dbg) }); ierr != nil {
		return ierr
	}
	return err
}

func (s *session) shutdown() {
	if s.dbg != nil {
		s.loop.Invoke(s.dbg.Destroy)
	}
	s.loop.Close()
	s.cancel()
	<-s.done
}

func setupLogging() error {
	return logflags.Setup(log, logOutput, logDest)
}

func runCmd(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	defer logflags.Close()

	var term *terminal.Term
	cfg := debuggerConfig(
		func(pid int, state proc.State) {
			if term != nil {
				term.StateChanged(pid, state)
			}
		},
		func(code int, message string) {
			if term != nil {
				term.ReportError(code, message)
			}
		})
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.shutdown()

	// term is read by the callbacks on the loop goroutine.
	s.invoke(func() { term = terminal.New(s.dbg, s.invoke, conf) })
	if len(args) > 0 {
		err := s.call(func(d *debugger.Debugger) error {
			if d.CanDecode() {
				if err := d.Open("", "", args[0]); err != nil {
					return err
				}
			}
			return d.Run(proc.QuoteCommandLine(args))
		})
		if err != nil {
			return err
		}
	}

	status, err := term.Run()
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("exit status %d", status)
	}
	return nil
}

func dapCmd(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	defer logflags.Close()

	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: program arguments ignored with dap; specify via launch request instead\n")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("couldn't start listener: %s", err)
	}

	var server *dap.Server
	cfg := debuggerConfig(
		func(pid int, state proc.State) {
			if server != nil {
				server.StateChanged(pid, state)
			}
		},
		func(code int, message string) {
			if server != nil {
				server.ReportError(code, message)
			}
		})
	s, err := newSession(cfg)
	if err != nil {
		listener.Close()
		return err
	}
	defer s.shutdown()

	disconnectChan := make(chan struct{})
	srv := dap.NewServer(&dap.Config{
		Listener:       listener,
		Target:         s.dbg,
		Invoke:         s.invoke,
		DisconnectChan: disconnectChan,
	})
	s.invoke(func() { server = srv })
	defer srv.Stop()

	srv.Run()
	waitForDisconnectSignal(disconnectChan)
	return nil
}

func disasmCmd(cmd *cobra.Command, args []string) error {
	if err := setupLogging(); err != nil {
		return err
	}
	defer logflags.Close()

	var reported error
	cfg := debuggerConfig(nil, func(code int, message string) {
		reported = errors.New(message)
	})
	cfg.DebugPlugin = debugger.NoPlugin
	if cfg.BackendPlugin == debugger.NoPlugin {
		return errors.New("decoding is disabled")
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer s.shutdown()

	var arch, format string
	if len(args) > 1 {
		arch = args[1]
	}
	if len(args) > 2 {
		format = args[2]
	}

	var listing []asm.Instruction
	err = s.call(func(d *debugger.Debugger) error {
		if err := d.Open(arch, format, args[0]); err != nil {
			if reported != nil {
				return reported
			}
			return err
		}
		fmt.Printf("%s: file format %s-%s\n\n", args[0], d.FormatName(), d.ArchName())
		listing = d.Listing()
		return nil
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for _, inst := range listing {
		fmt.Fprintf(w, "%s\n", inst)
	}
	return w.Flush()
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) or SIGTERM (kill -15) OS signal or for disconnectChan
// to be closed by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}
