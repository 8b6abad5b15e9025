package livepatch

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"
)

// patchText replaces the code at site with code while other CPUs may be
// executing it. m.textMu must be held.
//
// The first unit of the site is replaced with a breakpoint, so every thread
// that reaches the site traps and is redirected, while the rest of code is
// written. Then the first unit of code replaces the breakpoint. A Sync
// follows every step.
//
// Writes after the breakpoint is armed are attempted 1+retries times. If
// they still fail the prior code is restored. If that fails too the site is
// corrupted.
func (m *Manager) patchText(site *PatchSite, code []byte, op error, retries int) error {
	addr := site.Addr
	brk := m.arch.Breakpoint()
	unit := len(brk)
	log := m.siteLog(addr)

	prior := make([]byte, len(code))
	if err := m.mem.ReadNoFault(addr, prior); err != nil {
		return opFailed(op, opFailed(ErrReadFault, err))
	}
	if bytes.Equal(prior[:unit], brk) {
		return opFailed(op, errors.WithDetails(ErrBusy, "addr", fmt.Sprintf("%#x", addr)))
	}

	log.Debug("arming breakpoint")
	if err := m.mem.WriteText(addr, brk); err != nil {
		return opFailed(op, opFailed(ErrWriteFault, err))
	}
	m.mem.Sync()

	if len(code) > unit {
		log.Debugf("writing body:\n%s", m.arch.Disassemble(addr, code))
		if err := m.writeRetry(log, addr+uintptr(unit), code[unit:], retries); err != nil {
			return m.rollback(site, prior, op, err)
		}
	}
	// Nothing fetches the new first unit before every CPU sees the body.
	m.mem.Sync()

	log.Debug("activating")
	if err := m.writeRetry(log, addr, code[:unit], retries); err != nil {
		return m.rollback(site, prior, op, err)
	}
	m.mem.Sync()
	return nil
}

func (m *Manager) writeRetry(log logrus.FieldLogger, addr uintptr, data []byte, retries int) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = m.mem.WriteText(addr, data); err == nil {
			return nil
		}
		if attempt < retries {
			log.WithError(err).Warnf("write at %#x failed, retrying", addr)
		}
	}
	return opFailed(ErrWriteFault, err)
}

// rollback puts prior back with the breakpoint protocol still in place: the
// body first, then the saved first unit.
func (m *Manager) rollback(site *PatchSite, prior []byte, op, cause error) error {
	unit := len(m.arch.Breakpoint())
	log := m.siteLog(site.Addr)
	log.WithError(cause).Warn("rolling back patch")

	var err error
	if len(prior) > unit {
		err = m.mem.WriteText(site.Addr+uintptr(unit), prior[unit:])
		m.mem.Sync()
	}
	if err == nil {
		err = m.mem.WriteText(site.Addr, prior[:unit])
	}
	m.mem.Sync()
	if err == nil {
		return opFailed(op, cause)
	}

	m.mu.Lock()
	site.broken = true
	m.mu.Unlock()

	corrupted := errors.WithDetails(opFailed(ErrSiteCorrupted, errors.Join(cause, err)), "addr", fmt.Sprintf("%#x", site.Addr))
	log.WithError(corrupted).Error("patch site corrupted")
	if m.cfg.PanicOnCorruption {
		panic(corrupted)
	}
	return opFailed(op, corrupted)
}
