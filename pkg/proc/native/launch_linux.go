package native

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	"github.com/defora/debugger/pkg/logflags"
	"github.com/defora/debugger/pkg/proc"
)

// execLauncher starts traced children with os/exec. The child stops with
// SIGTRAP right after its execve.
type execLauncher struct{}

func (execLauncher) launch(argv []string, opts proc.LaunchOptions) (*child, error) {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path)
	cmd.Args = argv
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}

	var out *output
	if opts.Pty {
		out, err = attachToPty(cmd, opts.Stdout)
	} else {
		out, err = redirectOutput(cmd, opts.Stdout)
	}
	if err != nil {
		return nil, err
	}

	err = cmd.Start()
	// The child holds its own copies of the descriptors.
	out.closeChildSide()
	if err != nil {
		out.close()
		return nil, err
	}
	return &child{
		pid: cmd.Process.Pid,
		release: func() error {
			out.close()
			return cmd.Process.Release()
		},
	}, nil
}

// output holds the descriptors allocated for the standard streams of a
// child.
type output struct {
	child  []*os.File
	parent []*os.File
}

func (o *output) closeChildSide() {
	for _, f := range o.child {
		f.Close()
	}
	o.child = nil
}

func (o *output) close() {
	o.closeChildSide()
	for _, f := range o.parent {
		f.Close()
	}
	o.parent = nil
}

// attachToPty runs cmd as a session leader on a new pseudo-terminal and
// copies its output to w.
func attachToPty(cmd *exec.Cmd, w io.Writer) (*output, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stdout
	}
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	cmd.SysProcAttr.Ctty = 0

	go copyOutput(w, ptmx)
	return &output{child: []*os.File{tty}, parent: []*os.File{ptmx}}, nil
}

// redirectOutput shares our standard input with cmd and sends its output
// to w. A writer that is not a file is fed through a pipe.
func redirectOutput(cmd *exec.Cmd, w io.Writer) (*output, error) {
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr.Setpgid = true
	switch w := w.(type) {
	case nil:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return &output{}, nil
	case *os.File:
		cmd.Stdout = w
		cmd.Stderr = w
		return &output{}, nil
	default:
		r, pw, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		go copyOutput(w, r)
		return &output{child: []*os.File{pw}, parent: []*os.File{r}}, nil
	}
}

func copyOutput(w io.Writer, r io.Reader) {
	if _, err := io.Copy(w, r); err != nil {
		logflags.PtraceLogger().Debugf("copying child output: %v", err)
	}
}
