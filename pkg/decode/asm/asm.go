// Package asm implements the "asm" decode plugin: it opens ELF program
// files, reports the register set of their architecture and disassembles
// their code with golang.org/x/arch.
package asm

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/defora/debugger/pkg/decode"
	"github.com/defora/debugger/pkg/eventloop"
	"github.com/defora/debugger/pkg/logflags"
)

const (
	// FormatELF is the only file format understood by the plugin.
	FormatELF = "elf"

	DefaultListingLimit = 64
	DefaultCacheSize    = 1024
)

// ErrNotOpen is returned when no file is open.
var ErrNotOpen = errors.New("no file open")

// Options configures a Backend.
type Options struct {
	// ListingLimit is the maximum number of instructions in the listing
	// built by Open.
	ListingLimit int
	// CacheSize is the number of instructions InstructionAt remembers.
	CacheSize int
}

// Section is an executable section of the open file.
type Section struct {
	Name string
	Addr uint64
	Size uint64
}

// Instruction is a decoded machine instruction.
type Instruction struct {
	Addr  uint64
	Bytes []byte
	// Text is the instruction in GNU syntax, "?" if it could not be
	// decoded.
	Text string
}

func (inst Instruction) String() string {
	return fmt.Sprintf("%#x\t% x\t%s", inst.Addr, inst.Bytes, inst.Text)
}

// Backend is the "asm" decode plugin.
type Backend struct {
	helper decode.Helper
	opts   Options
	log    logflags.Logger

	path     string
	file     *elf.File
	arch     *arch
	sections []Section
	symbols  []elf.Symbol
	listing  []Instruction
	cache    *lru.Cache

	idle        eventloop.IdleHandle
	idlePending bool
	destroyed   bool
}

// New creates an instance of the plugin.
func New(helper decode.Helper, opts Options) (*Backend, error) {
	if helper == nil {
		return nil, errors.New("asm: no helper")
	}
	if opts.ListingLimit <= 0 {
		opts.ListingLimit = DefaultListingLimit
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	return &Backend{helper: helper, opts: opts, log: logflags.DecodeLogger()}, nil
}

// Definition returns the descriptor of the plugin, creating instances
// with opts.
func Definition(opts Options) decode.Definition {
	return decode.Definition{
		Name:        "asm",
		Description: "ELF decoder and disassembler",
		License:     "LGPL-3.0",
		New: func(helper decode.Helper) (decode.Backend, error) {
			b, err := New(helper, opts)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	}
}

// Open decodes the ELF file at path. An empty arch or format is taken from
// the file, otherwise it has to match it.
func (b *Backend) Open(archName, format, path string) error {
	if b.destroyed {
		return errors.New("asm: backend destroyed")
	}
	if format != "" && format != FormatELF {
		return b.fail(fmt.Errorf("%s: unsupported format %q", path, format))
	}
	f, err := elf.Open(path)
	if err != nil {
		return b.fail(err)
	}
	a, err := archOf(f)
	if err != nil {
		f.Close()
		return b.fail(fmt.Errorf("%s: %w", path, err))
	}
	if archName != "" {
		want := archByName(archName)
		if want == nil {
			f.Close()
			return b.fail(fmt.Errorf("unknown architecture %q", archName))
		}
		if want != a {
			f.Close()
			return b.fail(fmt.Errorf("%s: architecture is %s, not %s", path, a.name, want.name))
		}
	}
	cache, err := lru.New(b.opts.CacheSize)
	if err != nil {
		f.Close()
		return b.fail(err)
	}

	b.Close()
	b.path = path
	b.file = f
	b.arch = a
	b.cache = cache
	b.sections = executableSections(f)
	b.symbols = functionSymbols(f)
	b.listing = b.disassembleEntry()
	b.log.Debugf("opened %s arch=%s sections=%d listing=%d", path, a.name, len(b.sections), len(b.listing))

	regs := a.registers
	b.idle = b.helper.Idle(func() {
		b.idlePending = false
		b.helper.SetRegisters(regs)
	})
	b.idlePending = true
	return nil
}

// Close releases the open file.
func (b *Backend) Close() error {
	if b.idlePending {
		b.helper.CancelIdle(b.idle)
		b.idlePending = false
	}
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.path = ""
	b.file = nil
	b.arch = nil
	b.sections = nil
	b.symbols = nil
	b.listing = nil
	b.cache = nil
	return err
}

// Destroy closes the backend for good.
func (b *Backend) Destroy() {
	b.Close()
	b.destroyed = true
}

// ArchName returns the architecture of the open file.
func (b *Backend) ArchName() string {
	if b.arch == nil {
		return ""
	}
	return b.arch.name
}

// FormatName returns the format of the open file.
func (b *Backend) FormatName() string {
	if b.file == nil {
		return ""
	}
	return FormatELF
}

// Path returns the path of the open file.
func (b *Backend) Path() string { return b.path }

// Entry returns the entry point of the open file.
func (b *Backend) Entry() uint64 {
	if b.file == nil {
		return 0
	}
	return b.file.Entry
}

// Sections returns the executable sections of the open file.
func (b *Backend) Sections() []Section { return b.sections }

// Listing returns the disassembly of the open file starting at its entry
// point.
func (b *Backend) Listing() []Instruction { return b.listing }

// InstructionAt decodes the instruction at addr.
func (b *Backend) InstructionAt(addr uint64) (Instruction, error) {
	if b.file == nil {
		return Instruction{}, ErrNotOpen
	}
	if v, ok := b.cache.Get(addr); ok {
		return v.(Instruction), nil
	}
	s := b.sectionAt(addr)
	if s == nil {
		return Instruction{}, fmt.Errorf("address %#x is not in an executable section", addr)
	}
	data, err := s.Data()
	if err != nil {
		return Instruction{}, err
	}
	inst := b.decodeAt(data[addr-s.Addr:], addr)
	b.cache.Add(addr, inst)
	return inst, nil
}

func (b *Backend) decodeAt(mem []byte, addr uint64) Instruction {
	n, text, err := b.arch.decode(mem, addr, b.lookupSymbol)
	if err != nil || n <= 0 {
		n = b.arch.minInstLen
		if n > len(mem) {
			n = len(mem)
		}
		text = "?"
	}
	return Instruction{Addr: addr, Bytes: mem[:n], Text: text}
}

// disassembleEntry decodes up to ListingLimit instructions from the entry
// point to the end of its section.
func (b *Backend) disassembleEntry() []Instruction {
	entry := b.file.Entry
	s := b.sectionAt(entry)
	if s == nil {
		return nil
	}
	data, err := s.Data()
	if err != nil {
		b.log.Debugf("reading %s: %v", s.Name, err)
		return nil
	}
	var r []Instruction
	for off := entry - s.Addr; off < uint64(len(data)) && len(r) < b.opts.ListingLimit; {
		addr := s.Addr + off
		inst := b.decodeAt(data[off:], addr)
		b.cache.Add(addr, inst)
		r = append(r, inst)
		off += uint64(len(inst.Bytes))
	}
	return r
}

func (b *Backend) sectionAt(addr uint64) *elf.Section {
	for _, s := range b.file.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		if addr >= s.Addr && addr < s.Addr+s.Size {
			return s
		}
	}
	return nil
}

// lookupSymbol returns the function containing addr.
func (b *Backend) lookupSymbol(addr uint64) (string, uint64) {
	i := sort.Search(len(b.symbols), func(i int) bool { return b.symbols[i].Value > addr }) - 1
	if i < 0 {
		return "", 0
	}
	sym := b.symbols[i]
	if sym.Size != 0 && addr >= sym.Value+sym.Size {
		return "", 0
	}
	return sym.Name, sym.Value
}

func (b *Backend) fail(err error) error {
	b.helper.ReportError(1, err.Error())
	return err
}

func executableSections(f *elf.File) []Section {
	var r []Section
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_EXECINSTR != 0 {
			r = append(r, Section{Name: s.Name, Addr: s.Addr, Size: s.Size})
		}
	}
	return r
}

// functionSymbols returns the function symbols of f sorted by address.
func functionSymbols(f *elf.File) []elf.Symbol {
	syms, err := f.Symbols()
	if err != nil {
		return nil
	}
	r := syms[:0]
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Value != 0 {
			r = append(r, s)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Value < r[j].Value })
	return r
}
