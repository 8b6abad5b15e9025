// Package arch holds the per-architecture instruction knowledge used by the
// patch engine: which instructions make a prologue unsafe to overwrite, the
// breakpoint encoding used while a site is being rewritten, and the jump
// sequences written over a function entry.
package arch

import (
	"fmt"
	"runtime"
)

// Arch describes one instruction set.
type Arch interface {
	// Name returns the short architecture name ("x86", "arm64", "arm").
	Name() string

	// Footprint is the largest number of bytes a patch may overwrite at a
	// function entry. Snapshots of the original code have this size.
	Footprint() int

	// ScanSize is the number of bytes IsControlTransfer wants to see.
	ScanSize() int

	// Breakpoint returns the trap encoding written over the first unit of
	// a site while the rest of the site is rewritten. Its length is the
	// unit that gets activated last.
	Breakpoint() []byte

	// SharedTrap reports whether the breakpoint encoding is shared with
	// other users (such as debuggers), in which case a trap at an unknown
	// address is not ours to handle.
	SharedTrap() bool

	// IsControlTransfer reports whether the window contains an instruction
	// that would leave a return address inside the overwritten region, or
	// cannot be decoded at all.
	IsControlTransfer(window []byte) bool

	// JumpCode returns the code to write at pc so that execution continues
	// at dest. A direct branch is used when dest is in range, otherwise a
	// long-jump trampoline.
	JumpCode(pc, dest uintptr) ([]byte, error)

	// JumpTarget decodes code written by JumpCode at pc.
	JumpTarget(pc uintptr, code []byte) (uintptr, bool)

	// Disassemble renders code for diagnostics.
	Disassemble(pc uintptr, code []byte) string
}

// Lookup returns the architecture with the given name.
func Lookup(name string) (Arch, error) {
	switch name {
	case "x86", "amd64", "x86_64":
		return X86{}, nil
	case "arm64", "aarch64":
		return ARM64{}, nil
	case "arm":
		return ARM{ModulePLTs: true}, nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %q", name)
	}
}

// Host returns the name of the architecture the program runs on, as
// understood by Lookup.
func Host() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86"
	default:
		return runtime.GOARCH
	}
}

func offsetInRange(pc, addr uintptr, rng int64) bool {
	offset := int64(addr - pc)
	return offset >= -rng && offset < rng
}
