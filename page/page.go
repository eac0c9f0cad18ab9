// Package page implements a supplemental page table: a per-task hash keyed
// by page-aligned virtual address, recording each page's demand-paging
// source (ZERO, FILE, MMAP, SWAP), its current frame (if resident), and the
// sticky dirty bit that survives eviction. Grounded on biscuit's vm/as.go
// (Vminfo_t: the {VANON, VFILE, VSANON} tagged source kinds and the
// per-address-space info map), generalized to a four-case tagged union and
// using internal/hashtable for the lookup structure.
package page

import (
	"sync"

	"coreos/defs"
	"coreos/ferr"
	"coreos/frame"
	"coreos/inode"
	"coreos/internal/hashtable"
	"coreos/internal/util"
)

// SourceKind tags how a page's contents are (re)materialized on fault-in.
type SourceKind int

const (
	// ZERO pages are anonymous memory: zero-filled on first fault.
	ZERO SourceKind = iota
	// FILE pages are backed by an executable's segment (set by the ELF
	// loader, outside this package's scope).
	FILE
	// MMAP pages are backed by a memory-mapped file.
	MMAP
	// SWAP names the state in which a page's bytes live in the swap area
	// instead of a frame. No code sets Source to SWAP: page-out leaves
	// Source unchanged and records swap residency in Private and SwapSlot.
	SWAP
)

// Page is one virtual page's demand-paging metadata.
type Page struct {
	Vaddr    uintptr
	Writable bool
	Source   SourceKind

	File       *inode.Inode
	FileOffset int64
	ReadBytes  int
	ZeroBytes  int
	MappingID  int

	Frame *frame.Frame

	Private  bool // true while the page's only valid copy is in swap
	SwapSlot int  // defs.NoneSector if none
	Dirty    bool // sticky: ORs with the frame's dirty state across evictions
}

// FaultInFunc brings vaddr's page into residence, used by Pin to fault in an
// absent page on demand. Supplied by package fault at construction time to
// avoid an import cycle (fault depends on page).
type FaultInFunc func(vaddr uintptr) (*Page, error)

// Table is a per-task supplemental page table.
type Table struct {
	mu      sync.Mutex
	tbl     *hashtable.Table
	faultIn FaultInFunc
}

// New builds an empty per-task Table. faultIn may be nil for tests that
// never call Pin.
func New(faultIn FaultInFunc) *Table {
	return &Table{tbl: hashtable.New(64), faultIn: faultIn}
}

func pageKey(vaddr uintptr) int { return int(vaddr / defs.PgSize) }

func alignDown(vaddr uintptr) uintptr { return util.Rounddown(vaddr, uintptr(defs.PgSize)) }

// Alloc returns the existing record for vaddr's page, or creates a fresh
// {ZERO, no frame, not dirty, no swap slot} record.
func (t *Table) Alloc(vaddr uintptr, writable bool) *Page {
	vaddr = alignDown(vaddr)
	key := pageKey(vaddr)

	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.tbl.Get(key); ok {
		return v.(*Page)
	}
	p := &Page{Vaddr: vaddr, Writable: writable, Source: ZERO, SwapSlot: defs.NoneSector}
	t.tbl.Set(key, p)
	return p
}

// Lookup returns vaddr's page record, if any.
func (t *Table) Lookup(vaddr uintptr) (*Page, bool) {
	v, ok := t.tbl.Get(pageKey(alignDown(vaddr)))
	if !ok {
		return nil, false
	}
	return v.(*Page), true
}

// Delete removes vaddr's record. The caller is responsible for first
// releasing any frame or swap slot the page held (package fault's Release
// does this, since it alone holds references to both the frame table and
// the swap area).
func (t *Table) Delete(vaddr uintptr) {
	t.mu.Lock()
	t.tbl.Del(pageKey(alignDown(vaddr)))
	t.mu.Unlock()
}

// Range calls f for every page record currently tracked. f may Delete the
// record it was given (fault's UnregisterTask does); a record added during
// the walk may or may not be visited.
func (t *Table) Range(f func(p *Page)) {
	t.tbl.Iter(func(_ int, v interface{}) { f(v.(*Page)) })
}

// Pin faults vaddr's page in if it is absent, then pins its frame so it
// cannot be chosen as an eviction victim. Used by the syscall layer around
// user-buffer I/O.
func (t *Table) Pin(vaddr uintptr, frames *frame.Table) error {
	p, ok := t.Lookup(vaddr)
	if !ok {
		if t.faultIn == nil {
			return ferr.New(ferr.InvalidArgument, "pin: no page record and no fault-in handler configured")
		}
		var err error
		p, err = t.faultIn(vaddr)
		if err != nil {
			return err
		}
	}
	if p.Frame == nil {
		return ferr.New(ferr.InvalidArgument, "pin: page has no resident frame")
	}
	frames.Pin(p.Frame)
	return nil
}

// Unpin clears the pin set by Pin.
func (t *Table) Unpin(vaddr uintptr, frames *frame.Table) error {
	p, ok := t.Lookup(vaddr)
	if !ok {
		return ferr.New(ferr.NotFound, "unpin: no such page")
	}
	if p.Frame != nil {
		frames.Unpin(p.Frame)
	}
	return nil
}
