// Package calltrace checks that no thread is executing, or about to return
// into, code that is going to be changed.
//
// Every live thread and every per-CPU idle task has its stack walked and
// each return address is given to a predicate. The first address the
// predicate rejects is reported as a *ConflictError.
package calltrace

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

const defaultMaxEntries = 100

var (
	// ErrUnreliable is returned by Tasks.WalkStack when a stack can't be
	// walked reliably. The task is treated as a conflict.
	ErrUnreliable = errors.Base("unreliable stack")

	// ErrModuleBusy is wrapped by conflicts found by CheckModule.
	ErrModuleBusy = errors.Base("module is in use")
)

// Task is a schedulable thread.
type Task struct {
	PID  int
	Comm string

	// Exited is set for threads that are being torn down. Their stacks are
	// not walked.
	Exited bool

	// CPU is the CPU an idle task belongs to.
	CPU int

	// Idle is set for per-CPU idle tasks.
	Idle bool
}

func (t *Task) String() string {
	if t.Idle {
		return fmt.Sprintf("%s/%d", t.Comm, t.CPU)
	}
	return fmt.Sprintf("%s:%d", t.Comm, t.PID)
}

// Tasks is the set of threads to check.
type Tasks interface {
	// Threads yields every thread in the system.
	Threads() iter.Seq[*Task]

	// IdleTasks yields the idle task of every possible CPU.
	IdleTasks() iter.Seq[*Task]

	// WalkStack calls visit with each return address on t's stack, innermost
	// first, until visit returns false. It returns an error wrapping
	// ErrUnreliable if the stack could not be walked.
	WalkStack(t *Task, visit func(pc uintptr) bool) error
}

// Predicate reports whether a return address is safe.
type Predicate func(pc uintptr) bool

// ConflictError is returned when a task's stack holds an address rejected by
// the predicate, or could not be walked.
type ConflictError struct {
	PID  int
	Comm string

	// PC is the first rejected address. It is zero when Unreliable is set.
	PC uintptr

	// Trace is the saved stack trace of the task.
	Trace []uintptr

	Unreliable bool

	// Err is the cause, if any.
	Err error
}

func (e *ConflictError) Error() string {
	if e.Unreliable {
		return fmt.Sprintf("%s:%d has an unreliable stack", e.Comm, e.PID)
	}
	msg := fmt.Sprintf("%s:%d is running at %#x", e.Comm, e.PID, e.PC)
	if e.Err != nil {
		msg = e.Err.Error() + ": " + msg
	}
	return msg
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// FormatTrace renders a trace one frame per line.
func FormatTrace(trace []uintptr) string {
	var sb strings.Builder
	for _, pc := range trace {
		fmt.Fprintf(&sb, "[<%#x>]\n", pc)
	}
	return sb.String()
}

// Options control Check.
type Options struct {
	// Workers is the number of stacks walked in parallel.
	Workers int

	// MaxEntries limits the depth of saved traces. A deeper stack is
	// treated as unreliable.
	MaxEntries int

	Logger logrus.FieldLogger
}

// Option modifies Options.
type Option func(*Options)

// WithWorkers sets the number of parallel stack walks.
func WithWorkers(n int) Option {
	return func(o *Options) {
		o.Workers = n
	}
}

// WithMaxEntries sets the trace depth.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		o.MaxEntries = n
	}
}

// WithLogger sets where conflicts are logged.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Check walks every thread and idle task and returns the first conflict.
func Check(ctx context.Context, tasks Tasks, pred Predicate, opts ...Option) error {
	o := Options{
		Workers:    1,
		MaxEntries: defaultMaxEntries,
		Logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.MaxEntries < 1 {
		o.MaxEntries = defaultMaxEntries
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Workers)

	check := func(t *Task) bool {
		if gctx.Err() != nil {
			return false
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return checkTask(tasks, t, pred, &o)
		})
		return true
	}

	for t := range tasks.Threads() {
		if t.Exited || strings.HasPrefix(t.Comm, "migration/") {
			continue
		}
		if !check(t) {
			break
		}
	}
	for t := range tasks.IdleTasks() {
		if !check(t) {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func checkTask(tasks Tasks, t *Task, pred Predicate, o *Options) error {
	// One extra frame tells a full trace from a truncated one.
	trace := make([]uintptr, 0, o.MaxEntries+1)
	err := tasks.WalkStack(t, func(pc uintptr) bool {
		trace = append(trace, pc)
		return len(trace) <= o.MaxEntries
	})
	if err == nil && len(trace) > o.MaxEntries {
		trace = trace[:o.MaxEntries]
		err = errors.WithDetails(ErrUnreliable, "pid", t.PID, "reason", "stack too deep")
	}
	if err != nil {
		o.Logger.WithFields(logrus.Fields{
			"pid":  t.PID,
			"comm": t.Comm,
		}).WithError(err).Error("unable to walk stack")
		return &ConflictError{
			PID:        t.PID,
			Comm:       t.Comm,
			Trace:      trace,
			Unreliable: true,
			Err:        err,
		}
	}

	for _, pc := range trace {
		if pred(pc) {
			continue
		}
		o.Logger.WithFields(logrus.Fields{
			"pid":  t.PID,
			"comm": t.Comm,
			"pc":   fmt.Sprintf("%#x", pc),
		}).Errorf("call trace conflict, task %s:\n%s", t, FormatTrace(trace))
		return &ConflictError{
			PID:   t.PID,
			Comm:  t.Comm,
			PC:    pc,
			Trace: trace,
		}
	}
	return nil
}
