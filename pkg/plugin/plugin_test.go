package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/defora/debugger/pkg/decode"
	"github.com/defora/debugger/pkg/decode/asm"
	"github.com/defora/debugger/pkg/proc"
)

func TestKeyPath(t *testing.T) {
	k := Key{Root: "/usr/local", Package: "Debugger", Category: "debug", Name: "ptrace"}
	require.Equal(t, "/usr/local/lib/Debugger/debug/ptrace.so", k.Path())
	require.Equal(t, "debug/ptrace", k.String())
}

func TestDefault(t *testing.T) {
	r := Default(asm.Options{})
	require.Equal(t, []string{"ptrace"}, r.Names(CategoryDebug))
	require.Equal(t, []string{"asm"}, r.Names(CategoryBackend))
	require.Empty(t, r.Names("other"))

	def, err := r.Debug(Key{Category: CategoryDebug, Name: "ptrace"})
	require.NoError(t, err)
	require.Equal(t, "ptrace", def.Name)
	require.NotNil(t, def.New)

	ddef, err := r.Decode(Key{Category: CategoryBackend, Name: "asm"})
	require.NoError(t, err)
	require.Equal(t, "asm", ddef.Name)
}

func TestNotFound(t *testing.T) {
	r := Default(asm.Options{})
	for _, k := range []Key{
		{Category: CategoryDebug, Name: "gdb"},
		{Category: CategoryBackend, Name: "ptrace"},
		{Category: CategoryDebug, Name: "asm"},
	} {
		var nf *NotFoundError
		_, err := r.Debug(k)
		if k.Category == CategoryBackend {
			_, err = r.Decode(k)
		}
		require.True(t, errors.As(err, &nf), k)
		require.Equal(t, k, nf.Key)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.RegisterDebug(proc.Definition{Name: "fake"})
	a.RegisterDecode(decode.Definition{Name: "fake"})
	require.Equal(t, []string{"fake"}, a.Names(CategoryDebug))
	require.Empty(t, b.Names(CategoryDebug))
	require.Empty(t, b.Names(CategoryBackend))
}
