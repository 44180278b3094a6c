package native

import (
	"errors"
	"fmt"

	"github.com/cosiner/argv"
)

var errEmptyCommandLine = errors.New("empty command line")

// splitCommandLine splits cmdline into an argument vector. Pipes and
// command substitution are not supported.
func splitCommandLine(cmdline string) ([]string, error) {
	v, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", cmdline)
	}
	if len(v[0]) == 0 {
		return nil, errEmptyCommandLine
	}
	return v[0], nil
}
