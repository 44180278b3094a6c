package native

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/defora/debugger/pkg/proc"
)

func TestSplitCommandLine(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"/bin/true", []string{"/bin/true"}},
		{"ls -l /tmp", []string{"ls", "-l", "/tmp"}},
		{`echo "a b" 'c d'`, []string{"echo", "a b", "c d"}},
	}
	for _, tt := range tests {
		got, err := splitCommandLine(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestSplitCommandLineErrors(t *testing.T) {
	for _, in := range []string{"", "ls | wc", "echo `id`"} {
		_, err := splitCommandLine(in)
		require.Error(t, err, in)
	}
}

func TestQuotedCommandLineSplitsBack(t *testing.T) {
	words := [][]string{
		{"/bin/echo", "a b"},
		{"/tmp/my dir/prog"},
		{"/tmp/it's"},
		{"echo", `it's "$HOME"`, "$PATH", "`id`"},
		{"printf", `a\nb\`, "", "x|y", "'"},
	}
	for _, argv := range words {
		cmdline := proc.QuoteCommandLine(argv)
		got, err := splitCommandLine(cmdline)
		require.NoError(t, err, cmdline)
		require.Equal(t, argv, got, cmdline)
	}
}
