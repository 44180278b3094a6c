// Package debugger implements the front end side of the plugin contracts:
// it loads the process control and decode plugins through a registry and
// serves as the helper both call back into.
package debugger
