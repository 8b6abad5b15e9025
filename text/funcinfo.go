package text

import (
	"runtime"
	_ "unsafe"

	"gitlab.com/tozd/go/errors"
)

// These mirror the runtime's layout up to the last field read here. They
// must track runtime/symtab.go and runtime/runtime2.go.

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	entryOff uint32
	nameOff  int32
}

type moduledata struct {
	pcHeader     uintptr
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext uintptr
}

type functab struct {
	entryoff uint32
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// Func is the extent of a compiled Go function.
type Func struct {
	Name       string
	Start, End uintptr
}

// FuncAt returns the Go function containing pc. The end of the function is
// the entry of the next function in the module, so it includes padding.
func FuncAt(pc uintptr) (Func, error) {
	info := findfunc(pc)
	if info._func == nil || info.datap == nil {
		return Func{}, errors.WithDetails(ErrFault, "pc", pc, "reason", "no function")
	}

	entry := info.datap.text + uintptr(info.entryOff)
	offset := info.entryOff
	size := uint32(info.datap.etext - entry)

	// ftab is sorted by entry, but the runtime doesn't promise that, so
	// look for the closest following entry.
	for _, ft := range info.datap.ftab {
		if ft.entryoff <= offset {
			continue
		}
		if n := ft.entryoff - offset; n < size {
			size = n
		}
	}

	fn := Func{Start: entry, End: entry + uintptr(size)}
	if rf := runtime.FuncForPC(entry); rf != nil {
		fn.Name = rf.Name()
	}
	return fn, nil
}

// FuncOf is FuncAt for the entry of the function value fn.
func FuncOf(fn any) (Func, error) {
	pc, err := FuncPC(fn)
	if err != nil {
		return Func{}, err
	}
	return FuncAt(pc)
}
