package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/defora/debugger/pkg/proc"
)

func readRegisters(pid int) ([]proc.RegisterValue, error) {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(pid, &regs); err != nil {
		return nil, err
	}
	return []proc.RegisterValue{
		{Name: "rax", Value: regs.Rax},
		{Name: "rbx", Value: regs.Rbx},
		{Name: "rcx", Value: regs.Rcx},
		{Name: "rdx", Value: regs.Rdx},
		{Name: "rsi", Value: regs.Rsi},
		{Name: "rdi", Value: regs.Rdi},
		{Name: "rbp", Value: regs.Rbp},
		{Name: "rsp", Value: regs.Rsp},
		{Name: "r8", Value: regs.R8},
		{Name: "r9", Value: regs.R9},
		{Name: "r10", Value: regs.R10},
		{Name: "r11", Value: regs.R11},
		{Name: "r12", Value: regs.R12},
		{Name: "r13", Value: regs.R13},
		{Name: "r14", Value: regs.R14},
		{Name: "r15", Value: regs.R15},
		{Name: "rip", Value: regs.Rip},
		{Name: "eflags", Value: regs.Eflags},
		{Name: "cs", Value: regs.Cs},
		{Name: "ss", Value: regs.Ss},
		{Name: "ds", Value: regs.Ds},
		{Name: "es", Value: regs.Es},
		{Name: "fs", Value: regs.Fs},
		{Name: "gs", Value: regs.Gs},
		{Name: "fs_base", Value: regs.Fs_base},
		{Name: "gs_base", Value: regs.Gs_base},
	}, nil
}
