// Package text provides access to executable memory for the patch engine.
//
// A Memory reads and writes instruction bytes. Writes go through WriteText,
// which must leave the bytes visible to instruction fetch once Sync returns.
// Sim is a simulated image used for testing every architecture on any host;
// Host rewrites the text of the running process.
package text

import (
	"gitlab.com/tozd/go/errors"
)

// ErrFault is returned when an address is not mapped or not accessible.
var ErrFault = errors.Base("bad address")

// Memory is executable memory that can be patched.
type Memory interface {
	// ReadNoFault copies len(buf) bytes at addr into buf. It returns an
	// error wrapping ErrFault instead of crashing when addr is invalid.
	ReadNoFault(addr uintptr, buf []byte) error

	// WriteText writes data at addr.
	WriteText(addr uintptr, data []byte) error

	// Sync returns once every CPU observes all previous writes and no CPU
	// is still fetching an instruction it started to fetch before the
	// call.
	Sync()
}

// Regs is the register state delivered to a trap handler.
type Regs struct {
	// PC is the program counter reported by the trap. Handlers redirect
	// execution by changing it.
	PC uintptr
}

// TrapHandler is called when a CPU executes a registered trap encoding. It
// returns false if the trap was not handled.
type TrapHandler func(regs *Regs) bool

// TrapHost delivers traps to registered handlers.
type TrapHost interface {
	RegisterTrap(opcode []byte, fn TrapHandler)
}
