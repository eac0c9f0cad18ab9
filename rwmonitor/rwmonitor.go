// Package rwmonitor implements a reader/writer monitor over a single
// integer counter, plus an atomic downgrade operation. biscuit's own
// packages reach for the standard library's sync.RWMutex for this kind of
// thing (see vm.Vm_t's embedded sync.Mutex and hashtable's per-bucket
// sync.RWMutex); a hand-rolled monitor is needed here only because callers
// need DowngradeToShared, an operation sync.RWMutex cannot express (there is
// no way to go from RLock-excluding to RLock-permitting without a window
// where neither holds).
package rwmonitor

import "sync"

// Monitor is a reader/writer monitor: i == 0 means idle, i > 0 counts active
// readers, i == -1 means a writer holds it.
type Monitor struct {
	mu sync.Mutex
	cv sync.Cond
	i  int
}

// New returns an idle Monitor.
func New() *Monitor {
	m := &Monitor{}
	m.cv.L = &m.mu
	return m
}

// AcquireShared waits while a writer holds the monitor, then registers one
// more reader.
func (m *Monitor) AcquireShared() {
	m.mu.Lock()
	for m.i < 0 {
		m.cv.Wait()
	}
	m.i++
	m.mu.Unlock()
}

// AcquireExclusive waits until the monitor is completely idle, then claims
// it for writing. A writer may starve under continuous readers; this is
// accepted because every reader here does bounded work (one sector memcpy).
func (m *Monitor) AcquireExclusive() {
	m.mu.Lock()
	for m.i != 0 {
		m.cv.Wait()
	}
	m.i = -1
	m.mu.Unlock()
}

// ReleaseShared drops one reader registration, waking a waiter if this was
// the last reader.
func (m *Monitor) ReleaseShared() {
	m.mu.Lock()
	m.i--
	if m.i < 0 {
		panic("rwmonitor: ReleaseShared without a held reader slot")
	}
	if m.i == 0 {
		m.cv.Signal()
	}
	m.mu.Unlock()
}

// ReleaseExclusive releases the writer claim and wakes every waiter, since
// any number of readers (or one writer) may now be able to proceed.
func (m *Monitor) ReleaseExclusive() {
	m.mu.Lock()
	if m.i != -1 {
		panic("rwmonitor: ReleaseExclusive without a held writer slot")
	}
	m.i = 0
	m.cv.Broadcast()
	m.mu.Unlock()
}

// DowngradeToShared atomically transitions from holding the monitor
// exclusively to holding it as one of (now) one reader, without ever
// dropping the internal mutex in between — so no other goroutine can
// observe the monitor as idle and race in with its own acquire. A
// disable-interrupts-around-release-acquire trick would only work on a
// single core; goroutines may genuinely run in parallel, so the downgrade
// has to be a real atomic operation instead.
func (m *Monitor) DowngradeToShared() {
	m.mu.Lock()
	if m.i != -1 {
		panic("rwmonitor: DowngradeToShared without a held writer slot")
	}
	m.i = 1
	m.cv.Broadcast()
	m.mu.Unlock()
}

// AssertHeld panics if the monitor is not currently held in any mode. Used
// the way biscuit's Vm_t.Lockassert_pmap is used: to catch missing-lock bugs
// at the call sites that require the caller to already hold the monitor.
func (m *Monitor) AssertHeld() {
	m.mu.Lock()
	held := m.i != 0
	m.mu.Unlock()
	if !held {
		panic("rwmonitor: monitor must be held")
	}
}

// State reports the raw counter value, for diagnostics and tests only.
func (m *Monitor) State() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.i
}
