//go:build linux && amd64

package livepatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pboyd/livepatch/arch"
	"github.com/pboyd/livepatch/calltrace"
	"github.com/pboyd/livepatch/text"
)

//go:noinline
func hostA() string {
	return "a"
}

//go:noinline
func hostB() string {
	return "b"
}

//go:noinline
func hostC() string {
	return "c"
}

//go:noinline
func hostAnswer() int {
	return 1
}

func newHostManager(t *testing.T) *Manager {
	t.Helper()
	return New(arch.X86{}, text.NewHost(), WithLogger(nullLogger()))
}

func TestHost_ApplyFunc(t *testing.T) {
	m := newHostManager(t)

	require.Equal(t, "a", hostA())
	b, err := m.ApplyFunc(hostA, hostB)
	require.NoError(t, err)
	assert.Equal(t, "b", hostA())

	c, err := m.ApplyFunc(hostA, hostC)
	require.NoError(t, err)
	assert.Equal(t, "c", hostA())

	site := c.Site()
	require.NoError(t, m.Remove(site, c))
	assert.Equal(t, "b", hostA())

	require.NoError(t, m.Remove(site, b))
	assert.Equal(t, "a", hostA())
}

func TestHost_LoadedReplacement(t *testing.T) {
	m := newHostManager(t)
	host := text.NewHost()

	addr, err := host.LoadCode([]byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}) // mov eax, 42; ret
	require.NoError(t, err)
	t.Cleanup(func() { host.FreeCode(addr) })

	pc, err := text.FuncPC(hostAnswer)
	require.NoError(t, err)
	site, err := m.Site(pc)
	require.NoError(t, err)

	entry, err := m.Apply(site, addr)
	require.NoError(t, err)
	assert.Equal(t, 42, hostAnswer())

	require.NoError(t, m.Remove(site, entry))
	assert.Equal(t, 1, hostAnswer())
}

func TestHost_FuncRange(t *testing.T) {
	m := newHostManager(t)

	r, err := FuncRange(hostA)
	require.NoError(t, err)
	assert.Contains(t, r.Name, "hostA")

	tasks := calltrace.NewTaskList().
		Add(&calltrace.Task{PID: 1, Comm: "main"}, r.Start+4)
	err = m.CheckFuncsIdle(context.Background(), tasks, r)
	var conflict *calltrace.ConflictError
	assert.ErrorAs(t, err, &conflict)

	other, err := FuncRange(hostB)
	require.NoError(t, err)
	assert.NoError(t, m.CheckFuncsIdle(context.Background(), tasks, other))
}
