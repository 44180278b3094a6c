package proc

import "fmt"

// Register is a register name together with its width, as enumerated by
// a decode plugin.
type Register struct {
	Name string
	// Size is the width of the register in bits.
	Size int
}

// RegisterValue is the value of a register read after a stop.
type RegisterValue struct {
	Name  string
	Value uint64
}

// FormatValue formats value as a hexadecimal number padded to size bits.
func FormatValue(value uint64, size int) string {
	if size <= 0 || size > 64 {
		size = 64
	}
	return fmt.Sprintf("0x%0*x", size/4, value)
}
