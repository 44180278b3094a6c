package native

import (
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/defora/debugger/pkg/proc"
)

const _NT_PRSTATUS = 1

// arm64PtraceRegs is the layout of the NT_PRSTATUS register set.
type arm64PtraceRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func readRegisters(pid int) ([]proc.RegisterValue, error) {
	var regs arm64PtraceRegs
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(&regs)), Len: uint64(unsafe.Sizeof(regs))}
	_, _, err := syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(pid), _NT_PRSTATUS, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err != syscall.Errno(0) {
		return nil, err
	}
	r := make([]proc.RegisterValue, 0, len(regs.Regs)+3)
	for i, v := range regs.Regs {
		r = append(r, proc.RegisterValue{Name: fmt.Sprintf("x%d", i), Value: v})
	}
	return append(r,
		proc.RegisterValue{Name: "sp", Value: regs.Sp},
		proc.RegisterValue{Name: "pc", Value: regs.Pc},
		proc.RegisterValue{Name: "pstate", Value: regs.Pstate}), nil
}
