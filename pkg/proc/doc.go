// Package proc defines the contract between a debugger front end and the
// process control plugins that drive a traced child process.
//
// proc describes:
// * the control operations (start, pause, stop, continue, next, step)
// * the states a traced process moves through
// * the requests a plugin issues to the kernel on behalf of those operations
// * the errors a plugin reports
//
// Concrete implementations live in subpackages, see proc/native for the
// ptrace(2) based one.
package proc
