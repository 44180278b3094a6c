//go:build linux && !amd64 && !arm64
// +build linux,!amd64,!arm64

package native

import "github.com/defora/debugger/pkg/proc"

// readRegisters is not implemented on this architecture: stops are
// reported without register values.
func readRegisters(pid int) ([]proc.RegisterValue, error) {
	return nil, nil
}
