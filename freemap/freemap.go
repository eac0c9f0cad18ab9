// Package freemap implements the persistent free-sector bitmap: a
// single-sector bitmap (sector 0) tracking which filesystem device sectors
// are allocated, with first-fit single-bit and contiguous-run allocation.
// Grounded on biscuit's fs/alloc.go (Balloc/Bfree scanning an in-memory
// bitmap cached from disk) and this repo's internal/bitset for the actual
// scan primitive.
package freemap

import (
	"sync"

	"coreos/cache"
	"coreos/defs"
	"coreos/ferr"
	"coreos/internal/bitset"
)

// Sector is the fixed on-disk location of the free-map bitmap.
const Sector = 0

// RootDirSector is the fixed on-disk location of the root directory inode.
const RootDirSector = 1

// Capacity is the maximum number of sectors a single bitmap sector can
// track: one bit per tracked sector, defs.SectorSize bytes of bitmap.
const Capacity = defs.SectorSize * 8

// Map is the process-global free-sector allocator. Every mutation is
// written back to Sector through the buffer cache before returning; like
// any cache write it reaches the disk on the next flusher sweep, an explicit
// flush, or cache shutdown.
type Map struct {
	mu    sync.Mutex
	c     *cache.Cache
	bits  *bitset.Set
	limit int // sectors beyond this index are never allocated (device size)
}

// Format initializes a fresh, empty free map over a device of nsectors
// sectors, marking sector 0 (the bitmap itself) and sector 1 (the root
// directory) permanently allocated, and persists it.
func Format(c *cache.Cache, nsectors int) (*Map, error) {
	limit := nsectors
	if limit > Capacity {
		limit = Capacity
	}
	m := &Map{c: c, bits: bitset.New(Capacity), limit: limit}
	m.bits.Set(Sector)
	m.bits.Set(RootDirSector)
	if err := m.persist(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open loads an existing free map from sector 0 of an already-formatted
// device.
func Open(c *cache.Cache, nsectors int) (*Map, error) {
	limit := nsectors
	if limit > Capacity {
		limit = Capacity
	}
	buf, err := c.Read(Sector)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	return &Map{c: c, bits: bitset.FromBytes(cp, Capacity), limit: limit}, nil
}

func (m *Map) persist() error {
	return m.c.Write(Sector, m.bits.Bytes())
}

// Alloc reserves and returns one free sector, first-fit.
func (m *Map) Alloc() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.bits.FirstClear()
	if idx < 0 || idx >= m.limit {
		return defs.NoneSector, ferr.New(ferr.ResourceExhausted, "free map: no free sectors")
	}
	m.bits.Set(idx)
	if err := m.persist(); err != nil {
		m.bits.Clear(idx)
		return defs.NoneSector, err
	}
	return idx, nil
}

// AllocRun reserves n contiguous sectors, first-fit.
func (m *Map) AllocRun(n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.bits.FirstClearRun(n)
	if start < 0 || start+n > m.limit {
		return defs.NoneSector, ferr.Newf(ferr.ResourceExhausted, "free map: no run of %d free sectors", n)
	}
	m.bits.SetRun(start, n)
	if err := m.persist(); err != nil {
		m.bits.ClearRun(start, n)
		return defs.NoneSector, err
	}
	return start, nil
}

// Free releases sector back to the pool. Freeing an already-free sector, or
// the sentinel NONE, is a silent no-op (mirrors release-scan code that walks
// holes and real pointers alike).
func (m *Map) Free(sector int) error {
	if sector == defs.NoneSector {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.bits.Test(sector) {
		return nil
	}
	m.bits.Clear(sector)
	return m.persist()
}

// FreeRun releases n contiguous sectors starting at start.
func (m *Map) FreeRun(start, n int) error {
	if start == defs.NoneSector {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bits.ClearRun(start, n)
	return m.persist()
}

// Used reports the number of currently allocated sectors, for diagnostics
// and metrics.
func (m *Map) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits.Count()
}

// Capacity reports how many sectors this map can track (device size, capped
// at the bitmap's fixed 4096-sector span).
func (m *Map) Capacity() int {
	return m.limit
}
