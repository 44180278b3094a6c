// Package dap implements VSCode's Debug Adaptor Protocol (DAP).
// This allows dbg to communicate with frontends using DAP
// without a separate adaptor. The frontend will run the debugger
// (which now doubles as an adaptor) in server mode listening on
// a port and communicating over TCP. Requests are processed one at a
// time; events of the traced process are interleaved with responses.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"

	"github.com/defora/debugger/pkg/logflags"
	"github.com/defora/debugger/pkg/proc"
	"github.com/defora/debugger/service/debugger"
)

// Target is the debugger driven by the server.
type Target interface {
	Run(cmdline string) error
	Pause() error
	Continue() error
	Next() error
	Step() error
	Stop() error
	Close() error

	State() proc.State
	Pid() int
	Registers() []debugger.Register
}

// Config is the configuration of a Server.
type Config struct {
	// Listener accepts the client connection.
	Listener net.Listener
	// Target is the debugger the requests are applied to.
	Target Target
	// Invoke runs fn on the goroutine owning Target and waits for it.
	Invoke func(fn func()) error
	// DisconnectChan is closed when the client disconnects or the
	// connection fails. May be nil.
	DisconnectChan chan<- struct{}
}

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing commands to the
// target through Config.Invoke.
// Events of the traced process are sent from the goroutine of the event
// loop through StateChanged and ReportError.
type Server struct {
	config   *Config
	listener net.Listener
	stopChan chan struct{}
	reader   *bufio.Reader
	log      logflags.Logger

	// sendMu serializes writes to conn.
	sendMu sync.Mutex
	conn   net.Conn

	// mu guards the session state below.
	mu sync.Mutex
	// launched is set once a launch request started a process.
	launched bool
	// configured is set by the configurationDone request.
	configured bool
	stopOnEntry bool
	// entryStopped records a stop that happened before configurationDone.
	entryStopped bool
	// stopReason is reported with the next stopped event.
	stopReason string
	exitCode   int
	disconnect sync.Once

	variableHandles *handlesMap
}

// launchArgs are the arguments of a launch request.
type launchArgs struct {
	Program     string   `json:"program"`
	Args        []string `json:"args"`
	StopOnEntry bool     `json:"stopOnEntry"`
}

// registersScope is the value behind the variable reference of the
// register scope.
type registersScope struct{}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be
// set; it will be closed by the server when the client disconnects or
// requests shutdown. Once config.DisconnectChan is closed, Server.Stop()
// must be called.
func NewServer(config *Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	return &Server{
		config:          config,
		listener:        config.Listener,
		stopChan:        make(chan struct{}),
		log:             logger,
		stopReason:      "entry",
		variableHandles: newHandlesMap(),
	}
}

// Stop stops the DAP debugger service, closes the listener and the client
// connection. It kills the traced process.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	s.sendMu.Lock()
	if s.conn != nil {
		// Unless Stop() was called after serveDAPCodec() returned, this
		// will result in closed connection error on next read, breaking
		// out of the read loop and allowing the run goroutine to exit.
		s.conn.Close()
	}
	s.sendMu.Unlock()
	if err := s.call(Target.Close); err != nil {
		s.log.Error(err)
	}
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. It can be called multiple times.
func (s *Server) signalDisconnect() {
	s.disconnect.Do(func() {
		if s.config.DisconnectChan != nil {
			close(s.config.DisconnectChan)
		}
	})
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The server should be restarted for every new debug session.
// The debugger won't be started until launch request is received.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.sendMu.Lock()
		s.conn = conn
		s.sendMu.Unlock()
		s.serveDAPCodec(conn)
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec(conn net.Conn) {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		if s.handleRequest(request) {
			return
		}
	}
}

// handleRequest processes one request and reports whether the session
// is over.
func (s *Server) handleRequest(request dap.Message) (done bool) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error
		// response back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(messageSeq(request), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		s.onLaunchRequest(request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		s.onContinueRequest(request)
	case *dap.NextRequest:
		s.onNextRequest(request)
	case *dap.StepInRequest:
		s.onStepInRequest(request)
	case *dap.PauseRequest:
		s.onPauseRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		s.onVariablesRequest(request)
	case *dap.TerminateRequest:
		s.onTerminateRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
		return true
	case *dap.AttachRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetFunctionBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetExceptionBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepOutRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.EvaluateRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetVariableRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SourceRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		s.sendInternalErrorResponse(messageSeq(request), fmt.Sprintf("unable to process %#v", request))
	}
	return false
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.conn == nil {
		return
	}
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil {
		s.log.Errorf("write failed: %v", err)
	}
}

// call runs fn against the target on its goroutine.
func (s *Server) call(fn func(Target) error) error {
	if s.config.Target == nil || s.config.Invoke == nil {
		return errors.New("no target")
	}
	var err error
	if ierr := s.config.Invoke(func() { err = fn(s.config.Target) }); ierr != nil {
		return ierr
	}
	return err
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsTerminateRequest = true
	s.send(response)
}

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	var args launchArgs
	if err := decodeArguments(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	if args.Program == "" {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"The program attribute is missing in debug configuration.")
		return
	}

	s.mu.Lock()
	if s.launched {
		s.mu.Unlock()
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", "a debug session is already in progress")
		return
	}
	s.launched = true
	s.stopOnEntry = args.StopOnEntry
	s.stopReason = "entry"
	s.exitCode = 0
	s.mu.Unlock()

	cmdline := proc.QuoteCommandLine(append([]string{args.Program}, args.Args...))
	if err := s.call(func(t Target) error { return t.Run(cmdline) }); err != nil {
		s.mu.Lock()
		s.launched = false
		s.mu.Unlock()
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}

	// Notify the client that the debugger is ready to start accepting
	// configuration requests.
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
}

// onConfigurationDoneRequest resumes the process unless it has to stop on
// entry, in which case the entry stop is reported.
func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.mu.Lock()
	s.configured = true
	stopOnEntry := s.stopOnEntry
	entryStopped := s.entryStopped
	s.entryStopped = false
	s.mu.Unlock()

	if !stopOnEntry {
		// A process that is still starting resumes once it reaches its
		// first stop.
		if err := s.call(Target.Continue); err != nil {
			s.sendErrorResponse(request.Request, FailedToControl, "Unable to continue", err.Error())
			return
		}
		s.mu.Lock()
		s.stopReason = "pause"
		s.mu.Unlock()
	}
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	if stopOnEntry && entryStopped {
		s.sendStopped(s.pid(), "entry")
	}
}

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	if !s.resume(request.Request, "pause", Target.Continue) {
		return
	}
	response := &dap.ContinueResponse{Response: *newResponse(request.Request)}
	response.Body.AllThreadsContinued = true
	s.send(response)
}

func (s *Server) onNextRequest(request *dap.NextRequest) {
	if s.resume(request.Request, "step", Target.Next) {
		s.send(&dap.NextResponse{Response: *newResponse(request.Request)})
	}
}

func (s *Server) onStepInRequest(request *dap.StepInRequest) {
	if s.resume(request.Request, "step", Target.Step) {
		s.send(&dap.StepInResponse{Response: *newResponse(request.Request)})
	}
}

func (s *Server) onPauseRequest(request *dap.PauseRequest) {
	if s.resume(request.Request, "pause", Target.Pause) {
		s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
	}
}

// resume issues op and records the reason of the stop it leads to. It
// sends an error response and returns false if op failed.
func (s *Server) resume(request dap.Request, reason string, op func(Target) error) bool {
	s.mu.Lock()
	prev := s.stopReason
	s.stopReason = reason
	s.mu.Unlock()
	if err := s.call(op); err != nil {
		s.mu.Lock()
		s.stopReason = prev
		s.mu.Unlock()
		s.sendErrorResponse(request, FailedToControl, "Unable to "+request.Command, err.Error())
		return false
	}
	return true
}

// onThreadsRequest reports the traced process as the only thread.
func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	threads := []dap.Thread{}
	if pid := s.pid(); pid != 0 {
		threads = append(threads, dap.Thread{Id: pid, Name: fmt.Sprintf("process %d", pid)})
	}
	response := &dap.ThreadsResponse{Response: *newResponse(request.Request)}
	response.Body.Threads = threads
	s.send(response)
}

// onStackTraceRequest reports a single frame at the program counter.
func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	var pc *debugger.Register
	err := s.call(func(t Target) error {
		if t.State() != proc.Stopped {
			return errors.New("process is not stopped")
		}
		for _, r := range t.Registers() {
			if r.Name == "pc" || r.Name == "rip" || r.Name == "eip" {
				r := r
				pc = &r
				break
			}
		}
		return nil
	})
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceFrames, "Unable to produce stack trace", err.Error())
		return
	}
	frame := dap.StackFrame{Id: 1, Name: "<unknown>"}
	if pc != nil {
		frame.Name = fmt.Sprintf("%#x", pc.Value)
		frame.InstructionPointerReference = frame.Name
	}
	response := &dap.StackTraceResponse{Response: *newResponse(request.Request)}
	response.Body.StackFrames = []dap.StackFrame{frame}
	response.Body.TotalFrames = 1
	s.send(response)
}

// onScopesRequest exposes the register table as the only scope.
func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	s.mu.Lock()
	s.variableHandles.reset()
	ref := s.variableHandles.create(registersScope{})
	s.mu.Unlock()

	response := &dap.ScopesResponse{Response: *newResponse(request.Request)}
	response.Body.Scopes = []dap.Scope{{Name: "Registers", VariablesReference: ref}}
	s.send(response)
}

func (s *Server) onVariablesRequest(request *dap.VariablesRequest) {
	s.mu.Lock()
	v, ok := s.variableHandles.get(request.Arguments.VariablesReference)
	s.mu.Unlock()
	if _, isRegs := v.(registersScope); !ok || !isRegs {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable",
			fmt.Sprintf("unknown reference %d", request.Arguments.VariablesReference))
		return
	}

	var regs []debugger.Register
	if err := s.call(func(t Target) error { regs = t.Registers(); return nil }); err != nil {
		s.sendErrorResponse(request.Request, UnableToListRegisters, "Unable to list registers", err.Error())
		return
	}
	variables := make([]dap.Variable, 0, len(regs))
	for _, r := range regs {
		variables = append(variables, dap.Variable{
			Name:  r.Name,
			Value: proc.FormatValue(r.Value, r.Size),
			Type:  registerType(r.Size),
		})
	}
	response := &dap.VariablesResponse{Response: *newResponse(request.Request)}
	response.Body.Variables = variables
	s.send(response)
}

// onTerminateRequest kills the traced process. The exited and terminated
// events follow once the process is reaped.
func (s *Server) onTerminateRequest(request *dap.TerminateRequest) {
	if err := s.call(Target.Stop); err != nil {
		s.sendErrorResponse(request.Request, FailedToControl, "Unable to terminate", err.Error())
		return
	}
	s.send(&dap.TerminateResponse{Response: *newResponse(request.Request)})
}

// onDisconnectRequest kills the traced process and ends the session.
func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	if err := s.call(Target.Close); err != nil {
		s.log.Error(err)
	}
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.signalDisconnect()
}

// StateChanged sends the events matching a state transition of the traced
// process. It can be used as debugger.Config.OnState.
func (s *Server) StateChanged(pid int, state proc.State) {
	switch state {
	case proc.Running:
		s.mu.Lock()
		configured := s.configured
		s.mu.Unlock()
		if configured {
			body := dap.ContinuedEventBody{ThreadId: pid, AllThreadsContinued: true}
			s.send(&dap.ContinuedEvent{Event: *newEvent("continued"), Body: body})
		}
	case proc.Stopped:
		s.mu.Lock()
		if !s.configured {
			s.entryStopped = true
			s.mu.Unlock()
			return
		}
		reason := s.stopReason
		s.stopReason = "pause"
		s.mu.Unlock()
		s.sendStopped(pid, reason)
	case proc.Exited, proc.Killed:
		s.mu.Lock()
		code := s.exitCode
		s.launched = false
		s.configured = false
		s.entryStopped = false
		s.mu.Unlock()
		s.send(&dap.ExitedEvent{Event: *newEvent("exited"), Body: dap.ExitedEventBody{ExitCode: code}})
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	}
}

// ReportError forwards an error reported by a plugin to the client as
// output. A positive code is used as the exit code of the session. It can
// be used as debugger.Config.OnError.
func (s *Server) ReportError(code int, message string) {
	if code > 0 {
		s.mu.Lock()
		s.exitCode = code
		s.mu.Unlock()
	}
	s.log.WithField("code", code).Warn(message)
	body := dap.OutputEventBody{Category: "stderr", Output: message + "\n"}
	s.send(&dap.OutputEvent{Event: *newEvent("output"), Body: body})
}

func (s *Server) sendStopped(pid int, reason string) {
	body := dap.StoppedEventBody{Reason: reason, ThreadId: pid, AllThreadsStopped: true}
	s.send(&dap.StoppedEvent{Event: *newEvent("stopped"), Body: body})
}

func (s *Server) pid() int {
	var pid int
	if err := s.call(func(t Target) error { pid = t.Pid(); return nil }); err != nil {
		s.log.Error(err)
	}
	return pid
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

// sendErrorResponse sends an error response. The error id and details are
// logged, the client sees the summary.
func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = fmt.Sprintf("%s: %s", summary, details)
	s.log.WithField("id", id).Error(er.Message)
	s.send(er)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = fmt.Sprintf("Internal Error: %s", details)
	s.log.WithField("id", InternalError).Error(er.Message)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

// messageSeq returns the sequence number of m.
func messageSeq(m dap.Message) int {
	var pm dap.ProtocolMessage
	if err := decodeArguments(m, &pm); err != nil {
		return 0
	}
	return pm.Seq
}

// decodeArguments converts the raw arguments of a request into v.
func decodeArguments(raw interface{}, v interface{}) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if len(buf) == 0 || string(buf) == "null" {
		return nil
	}
	return json.Unmarshal(buf, v)
}

func registerType(size int) string {
	if size <= 0 {
		return "register"
	}
	return fmt.Sprintf("uint%d", size)
}
