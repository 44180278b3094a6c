package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var loop = false
var ptrace = false
var dap = false
var plugin = false
var decode = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Debugger returns true if the debugger controller should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger controller.
func DebuggerLogger() Logger {
	return makeFlaggableLogger(debugger, Fields{"layer": "debugger"})
}

// Loop returns true if the event loop should log subscriptions and
// delivered child statuses.
func Loop() bool {
	return loop
}

// LoopLogger returns a logger for the event loop.
func LoopLogger() Logger {
	return makeFlaggableLogger(loop, Fields{"layer": "loop"})
}

// Ptrace returns true if every request issued to the traced process
// should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the ptrace driver.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "proc", "kind": "ptrace"})
}

// DAP returns true if the DAP server should log the messages it
// exchanges with the client.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the DAP server.
func DAPLogger() Logger {
	return makeFlaggableLogger(dap, Fields{"layer": "dap"})
}

// Plugin returns true if plugin resolution should be logged.
func Plugin() bool {
	return plugin
}

func PluginLogger() Logger {
	return makeFlaggableLogger(plugin, Fields{"layer": "plugin"})
}

// Decode returns true if decode backends should log.
func Decode() bool {
	return decode
}

func DecodeLogger() Logger {
	return makeFlaggableLogger(decode, Fields{"layer": "decode"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dbg-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "debugger"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "debugger":
			debugger = true
		case "loop":
			loop = true
		case "ptrace":
			ptrace = true
		case "dap":
			dap = true
		case "plugin":
			plugin = true
		case "decode":
			decode = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// WriteDAPListeningMessage writes the "DAP server listening" message.
func WriteDAPListeningMessage(addr string) {
	if logOut != nil {
		fmt.Fprintf(logOut, "DAP server listening at: %s\n", addr)
	} else {
		fmt.Printf("DAP server listening at: %s\n", addr)
	}
}
