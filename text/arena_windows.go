//go:build windows

package text

import "gitlab.com/tozd/go/errors"

// codeArena is not available on Windows.
type codeArena struct{}

func (*codeArena) load([]byte) (uintptr, error) {
	return 0, errors.New("loading code is not supported on windows")
}

func (*codeArena) free(uintptr) error {
	return errors.New("loading code is not supported on windows")
}
