package text

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"unsafe"

	"gitlab.com/tozd/go/errors"
)

// Host is the text of the running process.
//
// Writes make the affected pages writable for the duration of the copy and
// flush the instruction cache afterwards. Replacement code can be loaded
// into an executable arena with LoadCode.
type Host struct {
	arena codeArena
}

var errNoCacheFlush = errors.Base("flushing the instruction cache requires cgo")

// NewHost returns a Memory for the running process.
func NewHost() *Host {
	return &Host{}
}

// FuncPC returns the entry address of the function fn.
func FuncPC(fn any) (uintptr, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return 0, errors.Errorf("not a function, kind: %v", fnv.Kind())
	}
	return fnv.Pointer(), nil
}

func hostSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// The first page is never mapped, and checkptr rejects pointers into it
// before a fault could be recovered.
const minAddr = 4096

func (h *Host) ReadNoFault(addr uintptr, buf []byte) (err error) {
	if addr < minAddr || addr+uintptr(len(buf)) < addr {
		return errors.WithDetails(ErrFault, "addr", fmt.Sprintf("%#x", addr))
	}

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	defer func() {
		if r := recover(); r != nil {
			err = errors.WithDetails(ErrFault, "addr", fmt.Sprintf("%#x", addr), "fault", fmt.Sprint(r))
		}
	}()

	copy(buf, hostSlice(addr, len(buf)))
	return nil
}

func (h *Host) WriteText(addr uintptr, data []byte) error {
	if !canFlush {
		return errors.WithStack(errNoCacheFlush)
	}
	if err := h.ReadNoFault(addr, make([]byte, len(data))); err != nil {
		return err
	}

	code := hostSlice(addr, len(data))

	err := mprotect(code, mprotectRWX)
	if err != nil {
		return errors.WithMessage(err, "mprotect")
	}
	defer mprotect(code, mprotectRX)

	copy(code, data)
	cacheflush(code)
	return nil
}

func (h *Host) Sync() {
	syncCores()
}

// LoadCode copies machine code into executable memory and returns its
// address. The code must be position independent.
func (h *Host) LoadCode(code []byte) (uintptr, error) {
	if !canFlush {
		return 0, errors.WithStack(errNoCacheFlush)
	}
	return h.arena.load(code)
}

// FreeCode releases code loaded with LoadCode.
func (h *Host) FreeCode(addr uintptr) error {
	return h.arena.free(addr)
}
