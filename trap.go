package livepatch

import (
	"fmt"
	"sync"

	"gitlab.com/tozd/go/errors"
	"go.uber.org/atomic"

	"github.com/pboyd/livepatch/arch"
	"github.com/pboyd/livepatch/text"
)

// The redirect table maps every armed patch site to the address a trapped
// thread continues at. A site is entered when its first patch is armed and
// leaves when its original code is back. Each entry belongs to the Manager
// that patched it; one Manager owns the text at an address.
var (
	redirectMu sync.RWMutex
	redirects  = map[uintptr]redirect{}

	trapHits     = atomic.NewUint64(0)
	trapDeclined = atomic.NewUint64(0)
)

type redirect struct {
	owner  *Manager
	target uintptr
}

// claimSite enters addr in the table for m with the given target. It fails
// if another Manager has a site at addr.
func claimSite(m *Manager, addr, target uintptr) error {
	redirectMu.Lock()
	defer redirectMu.Unlock()
	if r, ok := redirects[addr]; ok && r.owner != m {
		return errors.WithDetails(ErrBusy, "addr", fmt.Sprintf("%#x", addr), "reason", "patched by another manager")
	}
	redirects[addr] = redirect{owner: m, target: target}
	return nil
}

// unregisterSite removes addr from the table if m owns it.
func unregisterSite(m *Manager, addr uintptr) {
	redirectMu.Lock()
	defer redirectMu.Unlock()
	if redirects[addr].owner == m {
		delete(redirects, addr)
	}
}

func setRedirect(addr, target uintptr) {
	redirectMu.Lock()
	defer redirectMu.Unlock()
	if r, ok := redirects[addr]; ok {
		r.target = target
		redirects[addr] = r
	}
}

func lookupRedirect(addr uintptr) (target uintptr, known bool) {
	redirectMu.RLock()
	defer redirectMu.RUnlock()
	r, known := redirects[addr]
	return r.target, known
}

func siteOwner(addr uintptr) *Manager {
	redirectMu.RLock()
	defer redirectMu.RUnlock()
	return redirects[addr].owner
}

func fatalTrap(addr uintptr) {
	panic(errors.WithDetails(ErrFatalInconsistency, "addr", fmt.Sprintf("%#x", addr)))
}

// HandleBreak handles a dedicated patch breakpoint (BRK on arm64, UDF on
// arm) reported at regs.PC. Every such trap belongs to a patch site, so a
// site without a target panics.
func HandleBreak(regs *text.Regs) bool {
	target, _ := lookupRedirect(regs.PC)
	if target == 0 {
		fatalTrap(regs.PC)
	}
	trapHits.Inc()
	regs.PC = target
	return true
}

// HandleInt3 handles an x86 INT3. regs.PC is the address after the INT3.
// Breakpoints that aren't at a patch site are left for someone else.
func HandleInt3(regs *text.Regs) bool {
	addr := regs.PC - 1
	target, known := lookupRedirect(addr)
	if !known {
		trapDeclined.Inc()
		return false
	}
	if target == 0 {
		fatalTrap(addr)
	}
	trapHits.Inc()
	regs.PC = target
	return true
}

// TrapCounts are the trap handler counters.
type TrapCounts struct {
	// Hits is the number of traps redirected to a replacement.
	Hits uint64

	// Declined is the number of INT3 traps that were not at a patch site.
	Declined uint64
}

// TrapStats returns the counters of HandleBreak and HandleInt3 since the
// process started.
func TrapStats() TrapCounts {
	return TrapCounts{
		Hits:     trapHits.Load(),
		Declined: trapDeclined.Load(),
	}
}

// Init registers the trap handler for a with host.
func Init(a arch.Arch, host text.TrapHost) {
	if a.SharedTrap() {
		host.RegisterTrap(a.Breakpoint(), HandleInt3)
		return
	}
	host.RegisterTrap(a.Breakpoint(), HandleBreak)
}
