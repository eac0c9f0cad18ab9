// Package frame implements a physical-frame registry: a fixed pool of
// kernel pages, second-chance (clock) victim selection with per-task
// working-set isolation and a bounded fallback to a global sweep, and
// pin/unpin for in-flight I/O. Grounded on biscuit's mem/physmem.go
// (Physmem_t: a fixed array of page records with a free/used bit and a weak
// back-reference used for eviction) adapted from biscuit's real physical
// RAM onto a plain simulated page pool, since this repo has no MMU to
// allocate real frames from.
package frame

import (
	"sync"

	"coreos/defs"
	"coreos/ferr"
)

// NoOwner is the sentinel owner of a frame with no current virtual-page
// association.
const NoOwner = defs.Tid_t(-1)

// Frame is one physical page of simulated RAM.
type Frame struct {
	data []byte

	present  bool // currently bound to a virtual page
	owner    defs.Tid_t
	vaddr    uintptr
	accessed bool // simulated MMU accessed bit
	pinned   bool
}

// Data returns the frame's PgSize-byte backing store.
func (f *Frame) Data() []byte { return f.data }

// Owner and Vaddr report the virtual page currently bound to this frame;
// valid only while Present is true.
func (f *Frame) Owner() defs.Tid_t { return f.owner }
func (f *Frame) Vaddr() uintptr    { return f.vaddr }
func (f *Frame) Present() bool     { return f.present }
func (f *Frame) Pinned() bool      { return f.pinned }

// MarkAccessed sets the simulated MMU accessed bit, called by fault's
// MarkDirty to model hardware setting the bit on a reference. Alloc sets
// the bit itself whenever it binds a frame to a virtual page.
func (f *Frame) MarkAccessed() { f.accessed = true }

// EvictFunc pages out a pinned victim frame's current virtual page (reading
// its owner/vaddr), writing it to swap or its backing file as appropriate.
// Supplied by package fault, which alone knows how to dispatch on a page's
// source kind — frame intentionally has no dependency on page or fault, to
// avoid an import cycle (fault depends on both frame and page).
type EvictFunc func(f *Frame) error

// Table is the fixed-size frame pool.
type Table struct {
	mu     sync.Mutex
	frames []*Frame
	cursor int
	evict  EvictFunc
}

// New builds a Table of n frames, all initially free.
func New(n int, evict EvictFunc) *Table {
	t := &Table{frames: make([]*Frame, n), evict: evict}
	for i := range t.frames {
		t.frames[i] = &Frame{data: make([]byte, defs.PgSize), owner: NoOwner}
	}
	return t
}

// Alloc returns a frame bound to (owner, vaddr): an already-free frame if
// one exists, otherwise the result of evicting a second-chance victim.
func (t *Table) Alloc(owner defs.Tid_t, vaddr uintptr) (*Frame, error) {
	t.mu.Lock()
	for _, f := range t.frames {
		if !f.present {
			t.bind(f, owner, vaddr)
			t.mu.Unlock()
			return f, nil
		}
	}
	victim, err := t.selectVictim(owner)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	victim.pinned = true
	t.mu.Unlock()

	// Page-I/O happens outside the table mutex: a task must never block on
	// disk while holding the structural lock, the same discipline the
	// buffer cache applies to its own per-entry leases.
	if err := t.evict(victim); err != nil {
		t.mu.Lock()
		victim.pinned = false
		t.mu.Unlock()
		return nil, err
	}

	t.mu.Lock()
	victim.pinned = false
	t.bind(victim, owner, vaddr)
	t.mu.Unlock()
	return victim, nil
}

func (t *Table) bind(f *Frame, owner defs.Tid_t, vaddr uintptr) {
	f.present = true
	f.owner = owner
	f.vaddr = vaddr
	f.accessed = true
}

// selectVictim runs second-chance clock scans: first restricted to frames
// owned by owner (working-set isolation), then — if that sweep finds
// nothing evictable — a global sweep over every unpinned frame. Caller must
// hold t.mu.
func (t *Table) selectVictim(owner defs.Tid_t) (*Frame, error) {
	if f := t.clockScan(func(f *Frame) bool { return f.owner == owner }); f != nil {
		return f, nil
	}
	if f := t.clockScan(func(*Frame) bool { return true }); f != nil {
		return f, nil
	}
	return nil, ferr.New(ferr.ResourceExhausted, "frame table: no evictable frame (pinned saturation)")
}

// clockScan advances the shared cursor, considering only present, unpinned,
// eligible frames. It bounds the scan at two full laps: the first lap
// clears accessed bits on candidates it passes over, the second lap is
// guaranteed to find a clear bit if one exists.
func (t *Table) clockScan(eligible func(*Frame) bool) *Frame {
	n := len(t.frames)
	if n == 0 {
		return nil
	}
	for i := 0; i < 2*n; i++ {
		f := t.frames[t.cursor]
		t.cursor = (t.cursor + 1) % n
		if f.pinned || !f.present || !eligible(f) {
			continue
		}
		if f.accessed {
			f.accessed = false
			continue
		}
		return f
	}
	return nil
}

// Release clears f's virtual-page association, returning it to the free
// pool. Called by supplemental-page-table cleanup.
func (t *Table) Release(f *Frame) {
	t.mu.Lock()
	f.present = false
	f.owner = NoOwner
	f.vaddr = 0
	f.accessed = false
	t.mu.Unlock()
}

// Pin and Unpin implement the syscall layer's buffer-safety pinning:
// pinned frames are never selected as eviction victims.
func (t *Table) Pin(f *Frame) {
	t.mu.Lock()
	f.pinned = true
	t.mu.Unlock()
}

func (t *Table) Unpin(f *Frame) {
	t.mu.Lock()
	f.pinned = false
	t.mu.Unlock()
}

// Len reports the frame pool's fixed size, for diagnostics and metrics.
func (t *Table) Len() int { return len(t.frames) }

// InUse reports how many frames currently hold a live virtual-page
// association, for diagnostics and metrics.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.frames {
		if f.present {
			n++
		}
	}
	return n
}
