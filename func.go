package livepatch

import (
	"fmt"
	"reflect"

	"gitlab.com/tozd/go/errors"

	"github.com/pboyd/livepatch/calltrace"
	"github.com/pboyd/livepatch/text"
)

// ApplyFunc redirects the Go function fn to replacement. The manager must
// patch the text of the running process, and both functions must have the
// same signature.
//
// If fn has been inlined, callers that inlined it are not redirected. If
// possible, add a noinline directive:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func (m *Manager) ApplyFunc(fn, replacement any) (*PatchEntry, error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		return nil, errors.Errorf("not a function, kind: %v", fnv.Kind())
	}
	newFnv := reflect.ValueOf(replacement)
	if newFnv.Kind() != reflect.Func {
		return nil, errors.Errorf("not a function, kind: %v", newFnv.Kind())
	}
	if err := diffSignatures(fnv.Type(), newFnv.Type()); err != nil {
		return nil, errors.Errorf("function signatures do not match: %w", err)
	}

	site, err := m.Site(fnv.Pointer())
	if err != nil {
		return nil, err
	}
	return m.Apply(site, newFnv.Pointer())
}

// FuncRange returns the address range of the compiled Go function fn, for
// use with CheckFuncsIdle.
func FuncRange(fn any) (calltrace.Range, error) {
	f, err := text.FuncOf(fn)
	if err != nil {
		return calltrace.Range{}, err
	}
	return calltrace.Range{Start: f.Start, End: f.End, Name: f.Name}, nil
}

// diffSignatures returns an error describing every parameter and result
// that differs between a and b.
func diffSignatures(a, b reflect.Type) error {
	var errs []error
	for i := range max(a.NumIn(), b.NumIn()) {
		if at, bt := typeAt(a.In, a.NumIn(), i), typeAt(b.In, b.NumIn(), i); at != bt {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, at, bt))
		}
	}
	for i := range max(a.NumOut(), b.NumOut()) {
		if at, bt := typeAt(a.Out, a.NumOut(), i), typeAt(b.Out, b.NumOut(), i); at != bt {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, at, bt))
		}
	}
	if a.IsVariadic() != b.IsVariadic() {
		errs = append(errs, fmt.Errorf("variadic: %v != %v", a.IsVariadic(), b.IsVariadic()))
	}
	return errors.Join(errs...)
}

func typeAt(get func(int) reflect.Type, n, i int) reflect.Type {
	if i >= n {
		return nil
	}
	return get(i)
}
