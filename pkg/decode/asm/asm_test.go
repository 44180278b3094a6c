package asm

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/defora/debugger/pkg/eventloop"
	"github.com/defora/debugger/pkg/proc"
)

type fakeHelper struct {
	errors    []string
	registers [][]proc.Register
	idle      map[eventloop.IdleHandle]func()
	nextID    eventloop.IdleHandle
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{idle: make(map[eventloop.IdleHandle]func())}
}

func (h *fakeHelper) ReportError(code int, message string) int {
	h.errors = append(h.errors, message)
	return code
}

func (h *fakeHelper) SetRegisters(regs []proc.Register) {
	h.registers = append(h.registers, regs)
}

func (h *fakeHelper) Idle(fn func()) eventloop.IdleHandle {
	h.nextID++
	h.idle[h.nextID] = fn
	return h.nextID
}

func (h *fakeHelper) CancelIdle(id eventloop.IdleHandle) {
	delete(h.idle, id)
}

func (h *fakeHelper) runIdle() {
	for id, fn := range h.idle {
		delete(h.idle, id)
		fn()
	}
}

// testExecutable returns the path of the running test binary, which is an
// ELF file on the systems the plugin supports.
func testExecutable(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not an ELF file")
	}
	if archByName(runtime.GOARCH) == nil {
		t.Skipf("unsupported architecture %s", runtime.GOARCH)
	}
	path, err := os.Executable()
	require.NoError(t, err)
	return path
}

func TestOpenReportsRegistersOnce(t *testing.T) {
	path := testExecutable(t)
	h := newFakeHelper()
	b, err := New(h, Options{ListingLimit: 16})
	require.NoError(t, err)
	defer b.Destroy()

	require.NoError(t, b.Open("", "", path))
	require.Equal(t, runtime.GOARCH, b.ArchName())
	require.Equal(t, FormatELF, b.FormatName())
	// Registers are reported from the idle callback, not from Open.
	require.Empty(t, h.registers)
	require.Len(t, h.idle, 1)

	h.runIdle()
	require.Len(t, h.registers, 1)
	require.Equal(t, archByName(runtime.GOARCH).registers, h.registers[0])
	h.runIdle()
	require.Len(t, h.registers, 1)
}

func TestCloseCancelsRegisterReport(t *testing.T) {
	path := testExecutable(t)
	h := newFakeHelper()
	b, err := New(h, Options{})
	require.NoError(t, err)

	require.NoError(t, b.Open("", "", path))
	require.NoError(t, b.Close())
	require.Empty(t, h.idle)
	require.Empty(t, b.ArchName())
	require.Empty(t, b.FormatName())

	require.NoError(t, b.Open("", "", path))
	b.Destroy()
	require.Empty(t, h.idle)
	require.Error(t, b.Open("", "", path))
	require.Empty(t, h.registers)
}

func TestListing(t *testing.T) {
	path := testExecutable(t)
	h := newFakeHelper()
	b, err := New(h, Options{ListingLimit: 8})
	require.NoError(t, err)
	defer b.Destroy()
	require.NoError(t, b.Open(runtime.GOARCH, "elf", path))

	listing := b.Listing()
	require.NotEmpty(t, listing)
	require.LessOrEqual(t, len(listing), 8)
	require.Equal(t, b.Entry(), listing[0].Addr)
	for i := 1; i < len(listing); i++ {
		require.Equal(t, listing[i-1].Addr+uint64(len(listing[i-1].Bytes)), listing[i].Addr)
	}

	var text bool
	for _, s := range b.Sections() {
		if s.Name == ".text" {
			text = true
		}
	}
	require.True(t, text)

	inst, err := b.InstructionAt(listing[0].Addr)
	require.NoError(t, err)
	require.Equal(t, listing[0], inst)
}

func TestInstructionAt(t *testing.T) {
	path := testExecutable(t)
	h := newFakeHelper()
	b, err := New(h, Options{ListingLimit: 1, CacheSize: 4})
	require.NoError(t, err)
	defer b.Destroy()

	_, err = b.InstructionAt(0x1000)
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, b.Open("", "", path))
	first := b.Listing()[0]
	next := first.Addr + uint64(len(first.Bytes))
	inst, err := b.InstructionAt(next)
	require.NoError(t, err)
	require.Equal(t, next, inst.Addr)
	require.NotEmpty(t, inst.Bytes)
	_, cached := b.cache.Get(next)
	require.True(t, cached)

	_, err = b.InstructionAt(0)
	require.Error(t, err)
}

func TestOpenErrors(t *testing.T) {
	path := testExecutable(t)
	other := "arm"
	if runtime.GOARCH == "arm" {
		other = "amd64"
	}
	notELF := filepath.Join(t.TempDir(), "notelf")
	require.NoError(t, os.WriteFile(notELF, []byte("#!/bin/sh\n"), 0o755))

	tests := []struct {
		name                string
		arch, format, path string
	}{
		{"missing", "", "", filepath.Join(t.TempDir(), "missing")},
		{"not elf", "", "", notELF},
		{"format", "", "pe", path},
		{"unknown arch", "vax", "", path},
		{"arch mismatch", other, "", path},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFakeHelper()
			b, err := New(h, Options{})
			require.NoError(t, err)
			require.Error(t, b.Open(tt.arch, tt.format, tt.path))
			require.Len(t, h.errors, 1)
			require.Empty(t, h.idle)
			require.Empty(t, b.ArchName())
		})
	}
}

func TestArchAliases(t *testing.T) {
	require.Equal(t, "amd64", archByName("x86_64").name)
	require.Equal(t, "arm64", archByName("aarch64").name)
	require.Equal(t, "386", archByName("i386").name)
	require.Nil(t, archByName("mips"))
}

func TestDefinition(t *testing.T) {
	def := Definition(Options{})
	require.Equal(t, "asm", def.Name)
	be, err := def.New(newFakeHelper())
	require.NoError(t, err)
	require.Empty(t, be.ArchName())
	_, err = def.New(nil)
	require.Error(t, err)
}
