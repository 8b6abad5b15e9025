package text

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// Sim is a simulated text image. Regions of code are mapped with Map and
// patched through the Memory interface. Fetch emulates a CPU fetching the
// instruction at an address, including delivery of registered traps.
//
// Every WriteText is recorded and can be inspected with Writes.
type Sim struct {
	// AdvancePC makes traps report the address after the trap encoding,
	// like x86 INT3. Otherwise the trap address itself is reported.
	AdvancePC bool

	// fetchMu is held for reading while an instruction is fetched. Sync
	// takes it for writing, which waits for fetches in flight.
	fetchMu sync.RWMutex

	mu        sync.Mutex
	regions   []*region
	writes    []Write
	syncs     int
	failWrite func(addr uintptr, data []byte) error
	traps     []trap
}

type region struct {
	base uintptr
	data []byte
}

type trap struct {
	opcode []byte
	fn     TrapHandler
}

// Write is one recorded WriteText call.
type Write struct {
	Addr uintptr
	Data []byte
}

func (w Write) String() string {
	return fmt.Sprintf("%#x: % x", w.Addr, w.Data)
}

// NewSim returns an empty image.
func NewSim() *Sim {
	return &Sim{}
}

// Map adds a region at addr holding a copy of code. Regions must not
// overlap.
func (s *Sim) Map(addr uintptr, code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &region{base: addr, data: bytes.Clone(code)}
	i, _ := slices.BinarySearchFunc(s.regions, addr, func(r *region, addr uintptr) int {
		switch {
		case r.base < addr:
			return -1
		case r.base > addr:
			return 1
		}
		return 0
	})
	s.regions = slices.Insert(s.regions, i, r)
}

// span returns the bytes backing [addr, addr+n). s.mu must be held.
func (s *Sim) span(addr uintptr, n int) ([]byte, error) {
	for _, r := range s.regions {
		if addr < r.base {
			break
		}
		offset := addr - r.base
		if offset < uintptr(len(r.data)) && uintptr(n) <= uintptr(len(r.data))-offset {
			return r.data[offset : offset+uintptr(n)], nil
		}
	}
	return nil, errors.WithDetails(ErrFault, "addr", fmt.Sprintf("%#x", addr), "len", n)
}

func (s *Sim) ReadNoFault(addr uintptr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.span(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (s *Sim) WriteText(addr uintptr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrite != nil {
		if err := s.failWrite(addr, data); err != nil {
			return err
		}
	}

	dst, err := s.span(addr, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	s.writes = append(s.writes, Write{Addr: addr, Data: bytes.Clone(data)})
	return nil
}

func (s *Sim) Sync() {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	s.mu.Lock()
	s.syncs++
	s.mu.Unlock()
}

// Bytes returns a copy of n bytes at addr, or nil if they are not mapped.
func (s *Sim) Bytes(addr uintptr, n int) []byte {
	buf := make([]byte, n)
	if s.ReadNoFault(addr, buf) != nil {
		return nil
	}
	return buf
}

// Writes returns the WriteText calls made so far.
func (s *Sim) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// ResetWrites clears the write log.
func (s *Sim) ResetWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

// Syncs returns the number of Sync calls.
func (s *Sim) Syncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncs
}

// FailWrites installs a hook called before every write. A non-nil error
// from the hook fails the write without modifying memory. A nil hook
// removes it.
func (s *Sim) FailWrites(fn func(addr uintptr, data []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrite = fn
}

func (s *Sim) RegisterTrap(opcode []byte, fn TrapHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.traps {
		if bytes.Equal(t.opcode, opcode) {
			s.traps[i].fn = fn
			return
		}
	}
	s.traps = append(s.traps, trap{opcode: bytes.Clone(opcode), fn: fn})
}

// Fetch is the result of fetching an instruction.
type Fetch struct {
	// Code holds the bytes fetched at the requested address when no trap
	// was taken.
	Code []byte

	// Trapped is set when the first unit held a registered trap encoding.
	Trapped bool

	// Handled is set when the trap handler accepted the trap.
	Handled bool

	// PC is where execution continues after a handled trap.
	PC uintptr
}

// Fetch emulates a CPU reaching pc. The first unit is read separately
// from the remaining bytes, as a CPU decoding a multi-unit sequence would.
// If the first unit is a registered trap encoding the trap handler runs
// instead.
func (s *Sim) Fetch(pc uintptr, n int) (Fetch, error) {
	s.fetchMu.RLock()
	defer s.fetchMu.RUnlock()

	s.mu.Lock()
	traps := slices.Clone(s.traps)
	s.mu.Unlock()

	unit := 1
	if len(traps) > 0 {
		unit = len(traps[0].opcode)
	}
	if n < unit {
		n = unit
	}

	first := make([]byte, unit)
	if err := s.ReadNoFault(pc, first); err != nil {
		return Fetch{}, err
	}

	for _, t := range traps {
		if !bytes.Equal(t.opcode, first[:min(len(t.opcode), unit)]) {
			continue
		}
		regs := Regs{PC: pc}
		if s.AdvancePC {
			regs.PC += uintptr(len(t.opcode))
		}
		handled := t.fn(&regs)
		return Fetch{Trapped: true, Handled: handled, PC: regs.PC}, nil
	}

	rest := make([]byte, n-unit)
	if err := s.ReadNoFault(pc+uintptr(unit), rest); err != nil {
		return Fetch{}, err
	}
	return Fetch{Code: append(first, rest...), PC: pc}, nil
}
