package livepatch

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"github.com/pboyd/livepatch/calltrace"
)

// Module is a unit of loaded code that can be unloaded.
type Module struct {
	Name   string
	Ranges []calltrace.Range
}

func (m *Manager) calltraceOptions() []calltrace.Option {
	return []calltrace.Option{
		calltrace.WithWorkers(m.cfg.CalltraceWorkers),
		calltrace.WithMaxEntries(m.cfg.MaxStackEntries),
		calltrace.WithLogger(m.log),
	}
}

// CheckCalltrace walks the stack of every task and returns a
// *calltrace.ConflictError for the first return address pred rejects.
func (m *Manager) CheckCalltrace(ctx context.Context, tasks calltrace.Tasks, pred calltrace.Predicate) error {
	return calltrace.Check(ctx, tasks, pred, m.calltraceOptions()...)
}

// CheckFuncsIdle returns an error if any task is running, or will return
// into, one of funcs. Call it before applying or removing patches on them.
func (m *Manager) CheckFuncsIdle(ctx context.Context, tasks calltrace.Tasks, funcs ...calltrace.Range) error {
	return m.CheckCalltrace(ctx, tasks, calltrace.NotIn(calltrace.NewRangeSet(funcs...)))
}

// CheckModule returns an error wrapping calltrace.ErrModuleBusy if any task
// is using code from mod.
func (m *Manager) CheckModule(ctx context.Context, tasks calltrace.Tasks, mod Module) error {
	err := m.CheckCalltrace(ctx, tasks, calltrace.NotIn(calltrace.NewRangeSet(mod.Ranges...)))

	var conflict *calltrace.ConflictError
	if errors.As(err, &conflict) && !conflict.Unreliable {
		conflict.Err = errors.WithDetails(calltrace.ErrModuleBusy, "module", mod.Name)
		m.log.WithField("module", mod.Name).Errorf("module %s is in use", mod.Name)
	}
	return err
}
