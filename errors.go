package livepatch

import (
	"gitlab.com/tozd/go/errors"
)

var (
	// ErrPatchRefused is returned when the entry of a function contains an
	// instruction that makes it unsafe to overwrite.
	ErrPatchRefused = errors.Base("patch refused")

	// ErrReadFault is returned when text can't be read.
	ErrReadFault = errors.Base("unable to read text")

	// ErrWriteFault is returned when text can't be written.
	ErrWriteFault = errors.Base("unable to write text")

	ErrPatchApplyFailed  = errors.Base("patch apply failed")
	ErrPatchRemoveFailed = errors.Base("patch remove failed")

	// ErrBusy is returned when a site already holds a breakpoint owned by
	// someone else.
	ErrBusy = errors.Base("breakpoint already present")

	// ErrSiteCorrupted is returned, or panicked with, when a failed patch
	// could not be rolled back.
	ErrSiteCorrupted = errors.Base("patch site corrupted")

	// ErrFatalInconsistency is panicked with when a trap is taken at a patch
	// site that has nowhere to go.
	ErrFatalInconsistency = errors.Base("no redirect target for patch site")

	// ErrNotApplied is returned when removing an entry that isn't on the
	// site's stack.
	ErrNotApplied = errors.Base("patch not applied")
)

// opError ties an operation failure to its cause so that both match with
// errors.Is.
type opError struct {
	op  error
	err error
}

func (e *opError) Error() string {
	return e.op.Error() + ": " + e.err.Error()
}

func (e *opError) Unwrap() []error {
	return []error{e.op, e.err}
}

func opFailed(op, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&opError{op: op, err: err})
}
