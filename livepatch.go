package livepatch

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"gitlab.com/tozd/go/errors"

	"github.com/pboyd/livepatch/arch"
	"github.com/pboyd/livepatch/text"
)

// Manager patches function entries in a text.Memory. Only one Manager may
// patch a given address at a time; the trap handlers are shared by the
// whole process.
type Manager struct {
	arch arch.Arch
	mem  text.Memory
	log  logrus.FieldLogger
	cfg  Config

	// textMu serializes every read-modify-write of text. It is taken
	// before mu.
	textMu sync.Mutex

	mu    sync.Mutex
	sites map[uintptr]*PatchSite
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithRemoveRetries sets how many times Remove retries a failed write
// before giving up.
func WithRemoveRetries(n int) Option {
	return func(m *Manager) {
		m.cfg.RemoveRetries = n
	}
}

// WithPanicOnCorruption sets whether a site that can't be rolled back
// panics with ErrSiteCorrupted. When false the site is marked broken and
// the error is returned.
func WithPanicOnCorruption(panicOnCorruption bool) Option {
	return func(m *Manager) {
		m.cfg.PanicOnCorruption = panicOnCorruption
	}
}

// WithCalltraceWorkers sets how many tasks CheckCalltrace walks at once.
func WithCalltraceWorkers(n int) Option {
	return func(m *Manager) {
		m.cfg.CalltraceWorkers = n
	}
}

// New returns a Manager for text of architecture a, with the default
// configuration.
func New(a arch.Arch, mem text.Memory, opts ...Option) *Manager {
	cfg := DefaultConfig()
	cfg.Arch = a.Name()
	return newManager(a, mem, cfg, opts)
}

func newManager(a arch.Arch, mem text.Memory, cfg Config, opts []Option) *Manager {
	m := &Manager{
		arch:  a,
		mem:   mem,
		log:   logrus.StandardLogger(),
		cfg:   cfg,
		sites: make(map[uintptr]*PatchSite),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("arch", a.Name())
	return m
}

// Arch returns the instruction set the manager patches.
func (m *Manager) Arch() arch.Arch {
	return m.arch
}

// Snapshot is a copy of the code at a function entry.
type Snapshot struct {
	Addr uintptr
	Code []byte
}

// PatchSite is a function entry with a stack of patches. The most recent
// patch is the one that runs.
type PatchSite struct {
	Addr uintptr

	snapshot Snapshot
	entries  []*PatchEntry // oldest first
	broken   bool
}

// Snapshot returns the code at the site before it was patched.
func (s *PatchSite) Snapshot() Snapshot {
	return Snapshot{Addr: s.snapshot.Addr, Code: bytes.Clone(s.snapshot.Code)}
}

// Entries returns the applied patches, most recent first. Must not be
// called concurrently with Apply or Remove on the same site.
func (s *PatchSite) Entries() []*PatchEntry {
	entries := slices.Clone(s.entries)
	slices.Reverse(entries)
	return entries
}

// Broken reports whether a failed rollback left the site in an unknown
// state.
func (s *PatchSite) Broken() bool {
	return s.broken
}

func (s *PatchSite) head() *PatchEntry {
	if len(s.entries) == 0 {
		return nil
	}
	return s.entries[len(s.entries)-1]
}

// PatchEntry is one patch applied to a site.
type PatchEntry struct {
	Replacement uintptr

	site *PatchSite
}

// Site returns the site e was applied to.
func (e *PatchEntry) Site() *PatchSite {
	return e.site
}

func (m *Manager) siteLog(addr uintptr) *logrus.Entry {
	return m.log.WithField("addr", fmt.Sprintf("%#x", addr))
}

// SaveSnapshot copies the code that a patch at addr may overwrite.
func (m *Manager) SaveSnapshot(addr uintptr) (Snapshot, error) {
	m.textMu.Lock()
	defer m.textMu.Unlock()
	return m.saveSnapshot(addr)
}

func (m *Manager) saveSnapshot(addr uintptr) (Snapshot, error) {
	code := make([]byte, m.arch.Footprint())
	if err := m.mem.ReadNoFault(addr, code); err != nil {
		return Snapshot{}, opFailed(ErrReadFault, err)
	}
	return Snapshot{Addr: addr, Code: code}, nil
}

// CheckJumpSafety reports whether the function entry at addr can be
// overwritten with a jump.
func (m *Manager) CheckJumpSafety(addr uintptr) bool {
	return m.CheckPatchable(addr) == nil
}

// CheckPatchable returns an error wrapping ErrPatchRefused if the entry at
// addr holds an instruction that leaves a return address inside the region
// a patch overwrites, or ErrReadFault if it can't be read.
func (m *Manager) CheckPatchable(addr uintptr) error {
	window := make([]byte, m.arch.ScanSize())
	if err := m.mem.ReadNoFault(addr, window); err != nil {
		// The function may end close to the end of the mapping. The
		// detector treats anything it can't decode in a short window
		// as unsafe.
		window = window[:m.arch.Footprint()]
		if err := m.mem.ReadNoFault(addr, window); err != nil {
			return errors.WithDetails(opFailed(ErrReadFault, err), "addr", fmt.Sprintf("%#x", addr))
		}
	}

	if m.arch.IsControlTransfer(window) {
		m.siteLog(addr).Debugf("refusing patch, entry contains a call:\n%s", m.arch.Disassemble(addr, window))
		return errors.WithDetails(ErrPatchRefused, "addr", fmt.Sprintf("%#x", addr))
	}
	return nil
}

// Site returns the patch site at addr, creating it if it doesn't exist.
// The original code is saved when the site is created.
func (m *Manager) Site(addr uintptr) (*PatchSite, error) {
	m.mu.Lock()
	site, ok := m.sites[addr]
	m.mu.Unlock()
	if ok {
		return site, nil
	}

	snapshot, err := m.SaveSnapshot(addr)
	if err != nil {
		return nil, errors.WithDetails(err, "addr", fmt.Sprintf("%#x", addr))
	}

	if err := m.checkOwner(addr); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if site, ok := m.sites[addr]; ok {
		return site, nil
	}
	site = &PatchSite{Addr: addr, snapshot: snapshot}
	m.sites[addr] = site
	return site, nil
}

// checkOwner returns ErrBusy if another Manager has patched addr.
func (m *Manager) checkOwner(addr uintptr) error {
	if owner := siteOwner(addr); owner != nil && owner != m {
		return errors.WithDetails(ErrBusy, "addr", fmt.Sprintf("%#x", addr), "reason", "patched by another manager")
	}
	return nil
}

// dropSite forgets a site whose first patch failed. The handle is inactive
// afterwards; call Site again to retry.
func (m *Manager) dropSite(site *PatchSite) {
	m.mu.Lock()
	if m.sites[site.Addr] == site && len(site.entries) == 0 {
		delete(m.sites, site.Addr)
	}
	m.mu.Unlock()
	unregisterSite(m, site.Addr)
}

// jumpCode encodes a jump from site to target and checks that it decodes
// back to target.
func (m *Manager) jumpCode(site *PatchSite, target uintptr) ([]byte, error) {
	code, err := m.arch.JumpCode(site.Addr, target)
	if err != nil {
		return nil, errors.WithDetails(err, "replacement", fmt.Sprintf("%#x", target))
	}
	if dest, ok := m.arch.JumpTarget(site.Addr, code); !ok || dest != target {
		return nil, errors.WithDetails(errors.New("jump does not decode to its target"), "replacement", fmt.Sprintf("%#x", target))
	}
	return code, nil
}

// Sites returns every site with at least one patch, or still waiting for
// its first one.
func (m *Manager) Sites() []*PatchSite {
	m.mu.Lock()
	defer m.mu.Unlock()

	sites := make([]*PatchSite, 0, len(m.sites))
	for _, site := range m.sites {
		sites = append(sites, site)
	}
	slices.SortFunc(sites, func(a, b *PatchSite) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return sites
}

// Target returns the address that runs when site is called, or 0 if the
// original code runs.
func (m *Manager) Target(site *PatchSite) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if head := site.head(); head != nil {
		return head.Replacement
	}
	return 0
}

// checkSite returns an error if site can't be modified. m.mu must be held.
func (m *Manager) checkSite(site *PatchSite) error {
	if site.broken {
		return errors.WithDetails(ErrSiteCorrupted, "addr", fmt.Sprintf("%#x", site.Addr))
	}
	if m.sites[site.Addr] != site {
		return errors.WithDetails(errors.New("patch site is not active"), "addr", fmt.Sprintf("%#x", site.Addr))
	}
	return nil
}

// Apply redirects site to replacement. The new patch runs on top of any
// already applied. On error the text is left as it was. If the site had
// no patches it is also forgotten, and Site must be called again.
func (m *Manager) Apply(site *PatchSite, replacement uintptr) (*PatchEntry, error) {
	m.textMu.Lock()
	defer m.textMu.Unlock()

	log := m.siteLog(site.Addr).WithField("replacement", fmt.Sprintf("%#x", replacement))

	m.mu.Lock()
	err := m.checkSite(site)
	prev := site.head()
	m.mu.Unlock()
	if err != nil {
		return nil, opFailed(ErrPatchApplyFailed, err)
	}

	if prev == nil {
		err := m.checkOwner(site.Addr)
		if err == nil {
			err = m.CheckPatchable(site.Addr)
		}
		if err != nil {
			m.dropSite(site)
			return nil, opFailed(ErrPatchApplyFailed, err)
		}
	}

	code, err := m.jumpCode(site, replacement)
	if err != nil {
		if prev == nil {
			m.dropSite(site)
		}
		return nil, opFailed(ErrPatchApplyFailed, err)
	}

	entry := &PatchEntry{Replacement: replacement, site: site}
	m.mu.Lock()
	site.entries = append(site.entries, entry)
	m.mu.Unlock()

	// Threads trapping while the jump is written go to the new target. The
	// first patch enters the site in the redirect table.
	if prev == nil {
		err = claimSite(m, site.Addr, replacement)
	} else {
		setRedirect(site.Addr, replacement)
	}
	if err == nil {
		err = m.patchText(site, code, ErrPatchApplyFailed, 0)
		if errors.Is(err, ErrSiteCorrupted) {
			return nil, err
		}
	} else {
		err = opFailed(ErrPatchApplyFailed, err)
	}
	if err != nil {
		m.mu.Lock()
		site.entries = site.entries[:len(site.entries)-1]
		m.mu.Unlock()

		if prev != nil {
			setRedirect(site.Addr, prev.Replacement)
		} else {
			m.dropSite(site)
		}
		return nil, err
	}

	log.WithField("depth", len(site.entries)).Info("patch applied")
	return entry, nil
}

// Remove removes entry from site. If entry is the running patch the site
// goes back to the previous patch, or to the original code when no patches
// are left. Removing any other entry doesn't touch the text.
func (m *Manager) Remove(site *PatchSite, entry *PatchEntry) error {
	m.textMu.Lock()
	defer m.textMu.Unlock()

	log := m.siteLog(site.Addr).WithField("replacement", fmt.Sprintf("%#x", entry.Replacement))

	m.mu.Lock()
	err := m.checkSite(site)
	i := slices.Index(site.entries, entry)
	if err == nil && (entry.site != site || i < 0) {
		err = errors.WithDetails(ErrNotApplied, "addr", fmt.Sprintf("%#x", site.Addr), "replacement", fmt.Sprintf("%#x", entry.Replacement))
	}
	if err != nil {
		m.mu.Unlock()
		return opFailed(ErrPatchRemoveFailed, err)
	}

	if i < len(site.entries)-1 {
		site.entries = slices.Delete(site.entries, i, i+1)
		m.mu.Unlock()
		log.Info("patch removed from stack")
		return nil
	}

	var next *PatchEntry
	if i > 0 {
		next = site.entries[i-1]
	}
	m.mu.Unlock()

	var code []byte
	if next != nil {
		code, err = m.jumpCode(site, next.Replacement)
		if err != nil {
			return opFailed(ErrPatchRemoveFailed, err)
		}
		setRedirect(site.Addr, next.Replacement)
	} else {
		// Until the original code is back, trapped threads keep going to
		// the outgoing replacement.
		code = site.snapshot.Code
	}

	if err := m.patchText(site, code, ErrPatchRemoveFailed, m.cfg.RemoveRetries); err != nil {
		if next != nil && !errors.Is(err, ErrSiteCorrupted) {
			setRedirect(site.Addr, entry.Replacement)
		}
		return err
	}

	m.mu.Lock()
	site.entries = site.entries[:i]
	empty := len(site.entries) == 0
	if empty {
		delete(m.sites, site.Addr)
	}
	m.mu.Unlock()

	if empty {
		unregisterSite(m, site.Addr)
		log.Info("patch removed, original code restored")
	} else {
		log.WithField("depth", i).Info("patch removed")
	}
	return nil
}
