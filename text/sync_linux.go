package text

import (
	"sync"

	"golang.org/x/sys/unix"
)

const (
	_MEMBARRIER_CMD_PRIVATE_EXPEDITED_SYNC_CORE          = 1 << 5
	_MEMBARRIER_CMD_REGISTER_PRIVATE_EXPEDITED_SYNC_CORE = 1 << 6
)

var (
	membarrierOnce sync.Once
	membarrierOK   bool
)

// syncCores runs a core serializing barrier on every CPU running a thread
// of this process. Kernels without membarrier sync-core support fall back
// to the cache flush done on every write.
func syncCores() {
	membarrierOnce.Do(func() {
		_, _, errno := unix.Syscall(unix.SYS_MEMBARRIER, _MEMBARRIER_CMD_REGISTER_PRIVATE_EXPEDITED_SYNC_CORE, 0, 0)
		membarrierOK = errno == 0
	})
	if !membarrierOK {
		return
	}
	unix.Syscall(unix.SYS_MEMBARRIER, _MEMBARRIER_CMD_PRIVATE_EXPEDITED_SYNC_CORE, 0, 0)
}
