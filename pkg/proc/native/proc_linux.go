package native

import "github.com/defora/debugger/pkg/proc"

// New creates a ptrace control plugin instance. Notifications are
// delivered through cfg.Notifier, which must dispatch on the thread that
// calls Start.
func New(cfg proc.Config) (*Driver, error) {
	return newDriver(cfg, execLauncher{}, ptraceTracer{})
}

// Definition returns the descriptor of the ptrace control plugin.
func Definition() proc.Definition {
	return proc.Definition{
		Name:        "ptrace",
		Description: "process control through ptrace(2)",
		License:     "LGPL-3.0",
		New: func(cfg proc.Config) (proc.Debugger, error) {
			d, err := New(cfg)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
	}
}
