package main

import (
	"os"

	"github.com/defora/debugger/cmd/dbg/cmds"
	"github.com/defora/debugger/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DbgVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
