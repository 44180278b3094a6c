package terminal

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd())
}
