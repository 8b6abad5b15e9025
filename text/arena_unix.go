//go:build unix

package text

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
	"gitlab.com/tozd/go/errors"
)

const arenaStartSize = 64 * 1024

// codeArena hands out executable memory for replacement code. The pages
// are not writable except while code is copied in.
type codeArena struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	mutable  bool
	loaded   map[uintptr][]byte
}

func (a *codeArena) init() error {
	a.initOnce.Do(func() {
		// Regions are mapped writable, so one added while copying code in
		// can be written. endMutate drops write access from all of them.
		be := malloc.MmapBackend(malloc.MmapProt(mprotectRWX), malloc.MmapFlags(map32bit))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(arenaStartSize, malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
			return
		}
		a.loaded = make(map[uintptr][]byte)
		a.mutable = true
	})
	return a.initErr
}

// beginMutate makes the arena writable. a.mu must be held.
func (a *codeArena) beginMutate() error {
	if a.mutable {
		return nil
	}
	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

// endMutate makes the arena executable again. a.mu must be held.
func (a *codeArena) endMutate() error {
	if !a.mutable {
		return nil
	}
	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *codeArena) load(code []byte) (uintptr, error) {
	if len(code) == 0 {
		return 0, errors.New("no code to load")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return 0, errors.Errorf("error initializing arena: %w", err)
	}

	if err := a.beginMutate(); err != nil {
		return 0, errors.WithMessage(err, "mprotect arena")
	}
	defer a.endMutate()

	buf, err := malloc.MallocSlice[byte](a.Arena, len(code))
	if err != nil {
		return 0, errors.WithStack(err)
	}
	copy(buf, code)
	cacheflush(buf)

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	a.loaded[addr] = buf
	return addr, nil
}

func (a *codeArena) free(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.loaded[addr]
	if !ok {
		return errors.WithDetails(ErrFault, "addr", fmt.Sprintf("%#x", addr), "reason", "not loaded")
	}

	if err := a.beginMutate(); err != nil {
		return errors.WithMessage(err, "mprotect arena")
	}
	defer a.endMutate()

	malloc.FreeSlice(a.Arena, buf)
	delete(a.loaded, addr)
	return nil
}
