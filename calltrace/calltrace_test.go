package calltrace

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

func quietLogger() (logrus.FieldLogger, *test.Hook) {
	return test.NewNullLogger()
}

func TestCheck(t *testing.T) {
	fn := NewRangeSet(Range{Start: 0x1000, End: 0x1040, Name: "target"})

	cases := map[string]struct {
		stack    []uintptr
		conflict bool
	}{
		"idle":             {stack: []uintptr{0x5000, 0x6000}},
		"running":          {stack: []uintptr{0x1000, 0x5000}, conflict: true},
		"return into":      {stack: []uintptr{0x5000, 0x103c, 0x6000}, conflict: true},
		"just past the end": {stack: []uintptr{0x1040}},
		"empty":            {},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			logger, hook := quietLogger()
			tasks := NewTaskList().
				Add(&Task{PID: 1, Comm: "init"}, 0x7000).
				Add(&Task{PID: 42, Comm: "worker"}, tc.stack...)

			err := Check(context.Background(), tasks, NotIn(fn), WithLogger(logger))
			if !tc.conflict {
				assert.NoError(t, err)
				assert.Empty(t, hook.AllEntries())
				return
			}

			var conflict *ConflictError
			require.ErrorAs(t, err, &conflict)
			assert.Equal(t, 42, conflict.PID)
			assert.Equal(t, "worker", conflict.Comm)
			assert.True(t, fn.Contains(conflict.PC))
			assert.Equal(t, tc.stack, conflict.Trace)
			assert.False(t, conflict.Unreliable)

			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
			assert.Contains(t, hook.LastEntry().Message, "[<0x")
		})
	}
}

func TestCheck_SkippedTasks(t *testing.T) {
	logger, _ := quietLogger()
	pred := NotIn(NewRangeSet(Range{Start: 0x1000, End: 0x1010}))

	tasks := NewTaskList().
		Add(&Task{PID: 10, Comm: "migration/0"}, 0x1000).
		Add(&Task{PID: 11, Comm: "dying", Exited: true}, 0x1000)
	assert.NoError(t, Check(context.Background(), tasks, pred, WithLogger(logger)))

	tasks.Add(&Task{Comm: "swapper", CPU: 3, Idle: true}, 0x1008)
	var conflict *ConflictError
	require.ErrorAs(t, Check(context.Background(), tasks, pred, WithLogger(logger)), &conflict)
	assert.Equal(t, "swapper", conflict.Comm)
	assert.Equal(t, uintptr(0x1008), conflict.PC)
}

func TestCheck_Unreliable(t *testing.T) {
	logger, _ := quietLogger()

	task := &Task{PID: 7, Comm: "stuck"}
	tasks := NewTaskList().Add(task, 0x5000)
	tasks.SetUnreliable(task)

	err := Check(context.Background(), tasks, func(uintptr) bool { return true }, WithLogger(logger))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Unreliable)
	assert.Equal(t, 7, conflict.PID)
	assert.ErrorIs(t, err, ErrUnreliable)
	assert.Contains(t, err.Error(), "unreliable")
}

func TestCheck_MaxEntries(t *testing.T) {
	logger, _ := quietLogger()
	pred := NotIn(NewRangeSet(Range{Start: 0x1000, End: 0x1010}))

	t.Run("fits", func(t *testing.T) {
		tasks := NewTaskList().Add(&Task{PID: 1, Comm: "shallow"}, 0x5000, 0x5004, 0x5008)
		assert.NoError(t, Check(context.Background(), tasks, pred, WithLogger(logger), WithMaxEntries(3)))
	})

	t.Run("truncated", func(t *testing.T) {
		tasks := NewTaskList().Add(&Task{PID: 2, Comm: "deep"}, 0x5000, 0x5004, 0x5008, 0x5010)

		var conflict *ConflictError
		err := Check(context.Background(), tasks, pred, WithLogger(logger), WithMaxEntries(3))
		require.ErrorAs(t, err, &conflict)
		assert.True(t, conflict.Unreliable)
		assert.Equal(t, 2, conflict.PID)
		assert.Len(t, conflict.Trace, 3)
		assert.ErrorIs(t, err, ErrUnreliable)
	})

	t.Run("target below the limit", func(t *testing.T) {
		stack := make([]uintptr, 0, 151)
		for i := range 150 {
			stack = append(stack, uintptr(0x8000+i*4))
		}
		stack = append(stack, 0x1004)
		tasks := NewTaskList().Add(&Task{PID: 3, Comm: "recursive"}, stack...)

		var conflict *ConflictError
		require.ErrorAs(t, Check(context.Background(), tasks, pred, WithLogger(logger)), &conflict)
		assert.True(t, conflict.Unreliable)
		assert.Len(t, conflict.Trace, defaultMaxEntries)
	})
}

func TestCheck_Workers(t *testing.T) {
	logger, _ := quietLogger()

	tasks := NewTaskList()
	for i := range 64 {
		tasks.Add(&Task{PID: i, Comm: "t"}, 0x5000, uintptr(0x6000+i))
	}

	var visited atomic.Int64
	pred := func(uintptr) bool {
		visited.Add(1)
		return true
	}

	require.NoError(t, Check(context.Background(), tasks, pred, WithLogger(logger), WithWorkers(4)))
	assert.Equal(t, int64(128), visited.Load())
}

func TestCheck_Canceled(t *testing.T) {
	logger, _ := quietLogger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks := NewTaskList().Add(&Task{PID: 1, Comm: "t"}, 0x5000)
	err := Check(ctx, tasks, func(uintptr) bool { return true }, WithLogger(logger))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConflictError(t *testing.T) {
	err := &ConflictError{
		PID:  3,
		Comm: "kworker",
		PC:   0x1004,
		Err:  errors.WithDetails(ErrModuleBusy, "module", "foo"),
	}
	assert.ErrorIs(t, err, ErrModuleBusy)
	assert.Equal(t, "module is in use: kworker:3 is running at 0x1004", err.Error())

	assert.Equal(t, "[<0x1000>]\n[<0x2000>]\n", FormatTrace([]uintptr{0x1000, 0x2000}))
}
