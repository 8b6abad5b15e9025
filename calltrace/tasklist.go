package calltrace

import (
	"iter"
	"slices"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// TaskList is a static Tasks built from recorded stacks.
type TaskList struct {
	mu     sync.Mutex
	tasks  []*Task
	stacks map[*Task][]uintptr
	broken map[*Task]bool
}

func NewTaskList() *TaskList {
	return &TaskList{
		stacks: make(map[*Task][]uintptr),
		broken: make(map[*Task]bool),
	}
}

// Add records a task with its stack, innermost frame first.
func (l *TaskList) Add(t *Task, stack ...uintptr) *TaskList {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
	l.stacks[t] = slices.Clone(stack)
	return l
}

// SetUnreliable makes WalkStack fail for t.
func (l *TaskList) SetUnreliable(t *Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.broken[t] = true
}

func (l *TaskList) snapshot(idle bool) []*Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Task
	for _, t := range l.tasks {
		if t.Idle == idle {
			out = append(out, t)
		}
	}
	return out
}

func (l *TaskList) Threads() iter.Seq[*Task] {
	return slices.Values(l.snapshot(false))
}

func (l *TaskList) IdleTasks() iter.Seq[*Task] {
	return slices.Values(l.snapshot(true))
}

func (l *TaskList) WalkStack(t *Task, visit func(pc uintptr) bool) error {
	l.mu.Lock()
	stack, ok := l.stacks[t]
	broken := l.broken[t]
	l.mu.Unlock()

	if !ok {
		return errors.WithDetails(ErrUnreliable, "pid", t.PID, "reason", "unknown task")
	}
	for _, pc := range stack {
		if !visit(pc) {
			return nil
		}
	}
	if broken {
		return errors.WithDetails(ErrUnreliable, "pid", t.PID)
	}
	return nil
}
