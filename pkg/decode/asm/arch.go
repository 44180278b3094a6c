package asm

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/ppc64/ppc64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/defora/debugger/pkg/proc"
)

// symLookup returns the symbol containing addr and its start address.
type symLookup func(addr uint64) (string, uint64)

// decodeFunc decodes the instruction at the start of mem, located at pc.
// It returns the length and text of the instruction.
type decodeFunc func(mem []byte, pc uint64, lookup symLookup) (int, string, error)

// arch describes a supported architecture.
type arch struct {
	name    string
	machine elf.Machine
	class   elf.Class
	// minInstLen is the number of bytes skipped over an undecodable
	// instruction.
	minInstLen int
	registers  []proc.Register
	decode     decodeFunc
}

var archAliases = map[string]string{
	"x86_64":  "amd64",
	"x86-64":  "amd64",
	"i386":    "386",
	"i686":    "386",
	"x86":     "386",
	"aarch64": "arm64",
	"arm32":   "arm",
	"ppc64el": "ppc64le",
}

var arches = []*arch{
	{
		name:       "amd64",
		machine:    elf.EM_X86_64,
		class:      elf.ELFCLASS64,
		minInstLen: 1,
		registers: append(gpRegisters(64, "rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
			"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip"),
			append([]proc.Register{{Name: "eflags", Size: 32}},
				append(gpRegisters(16, "cs", "ss", "ds", "es", "fs", "gs"),
					gpRegisters(64, "fs_base", "gs_base")...)...)...),
		decode: x86Decoder(64),
	},
	{
		name:       "386",
		machine:    elf.EM_386,
		class:      elf.ELFCLASS32,
		minInstLen: 1,
		registers: append(gpRegisters(32, "eax", "ebx", "ecx", "edx", "esi", "edi", "ebp", "esp", "eip", "eflags"),
			gpRegisters(16, "cs", "ss", "ds", "es", "fs", "gs")...),
		decode: x86Decoder(32),
	},
	{
		name:       "arm64",
		machine:    elf.EM_AARCH64,
		class:      elf.ELFCLASS64,
		minInstLen: 4,
		registers: append(append(numberedRegisters("x", 31, 64), gpRegisters(64, "sp", "pc")...),
			proc.Register{Name: "pstate", Size: 32}),
		decode: arm64Decode,
	},
	{
		name:       "arm",
		machine:    elf.EM_ARM,
		class:      elf.ELFCLASS32,
		minInstLen: 4,
		registers:  append(numberedRegisters("r", 13, 32), gpRegisters(32, "sp", "lr", "pc", "cpsr")...),
		decode:     armDecode,
	},
	{
		name:       "ppc64le",
		machine:    elf.EM_PPC64,
		class:      elf.ELFCLASS64,
		minInstLen: 4,
		registers: append(append(numberedRegisters("r", 32, 64), gpRegisters(64, "nip", "msr", "lr", "ctr", "xer")...),
			proc.Register{Name: "cr", Size: 32}),
		decode: ppc64leDecode,
	},
}

func gpRegisters(size int, names ...string) []proc.Register {
	r := make([]proc.Register, len(names))
	for i, name := range names {
		r[i] = proc.Register{Name: name, Size: size}
	}
	return r
}

func numberedRegisters(prefix string, n, size int) []proc.Register {
	r := make([]proc.Register, n)
	for i := range r {
		r[i] = proc.Register{Name: fmt.Sprintf("%s%d", prefix, i), Size: size}
	}
	return r
}

// archByName returns the architecture called name, which may be an alias.
func archByName(name string) *arch {
	if alias, ok := archAliases[name]; ok {
		name = alias
	}
	for _, a := range arches {
		if a.name == name {
			return a
		}
	}
	return nil
}

// archOf returns the architecture of f.
func archOf(f *elf.File) (*arch, error) {
	for _, a := range arches {
		if a.machine != f.Machine || a.class != f.Class {
			continue
		}
		if a.machine == elf.EM_PPC64 && f.ByteOrder != binary.LittleEndian {
			continue
		}
		return a, nil
	}
	return nil, fmt.Errorf("unsupported architecture %s (%s)", f.Machine, f.Class)
}

func x86Decoder(bits int) decodeFunc {
	return func(mem []byte, pc uint64, lookup symLookup) (int, string, error) {
		inst, err := x86asm.Decode(mem, bits)
		if err != nil {
			return 0, "", err
		}
		return inst.Len, x86asm.GNUSyntax(inst, pc, x86asm.SymLookup(lookup)), nil
	}
}

func arm64Decode(mem []byte, pc uint64, lookup symLookup) (int, string, error) {
	inst, err := arm64asm.Decode(mem)
	if err != nil {
		return 0, "", err
	}
	return 4, arm64asm.GNUSyntax(inst), nil
}

func armDecode(mem []byte, pc uint64, lookup symLookup) (int, string, error) {
	inst, err := armasm.Decode(mem, armasm.ModeARM)
	if err != nil {
		return 0, "", err
	}
	return inst.Len, armasm.GNUSyntax(inst), nil
}

func ppc64leDecode(mem []byte, pc uint64, lookup symLookup) (int, string, error) {
	inst, err := ppc64asm.Decode(mem, binary.LittleEndian)
	if err != nil {
		return 0, "", err
	}
	return inst.Len, ppc64asm.GNUSyntax(inst, pc), nil
}
