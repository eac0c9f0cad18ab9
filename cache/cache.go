// Package cache implements a fixed-size sector buffer cache: hash lookup,
// an LRU free list, a five-scenario lookup/acquire protocol (hit-idle,
// hit-busy, miss-with-free-entry, miss-with-dirty-victim,
// miss-with-empty-free-list), write-behind, and a background flusher. It is
// grounded on biscuit's fs/blk.go (Bdev_block_t: dirty/busy bookkeeping,
// Done/Tryevict) for the cache-entry shape and hashtable.go for the
// sector->entry index, adapted onto this repo's device.Disk and
// rwmonitor.Monitor.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"coreos/defs"
	"coreos/device"
	"coreos/ferr"
	"coreos/rwmonitor"
)

// NCache is the default fixed cache population.
const NCache = 64

// TFlush is the default interval between background flusher sweeps.
const TFlush = 200 * time.Millisecond

// PinnedSector0 and PinnedSector1 are the sectors that are never evicted:
// the free-map bitmap and the root directory inode.
const (
	PinnedSector0 = 0
	PinnedSector1 = 1
)

type entry struct {
	sector int
	data   []byte
	dirty  int32 // atomic bool: 1 = dirty, 0 = clean
	pinned bool
	seq    uint64 // diagnostic sequence number, bumped on every rebind
	lock   *rwmonitor.Monitor
	elem   *list.Element // this entry's node in the free list, nil if absent
}

func (e *entry) setDirty(v bool) {
	n := int32(0)
	if v {
		n = 1
	}
	atomic.StoreInt32(&e.dirty, n)
}

func (e *entry) isDirty() bool {
	return atomic.LoadInt32(&e.dirty) != 0
}

// Stats are the cache's diagnostic/metrics counters, read by package
// metrics and the test suite. All fields are accessed with sync/atomic.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Flushes    int64 // sectors written back by Flush, FlushAll, or the background flusher
	Readaheads int64
}

// Cache is the fixed-size sector buffer cache.
type Cache struct {
	disk *device.Disk

	hashMu sync.Mutex
	hash   map[int]*entry

	freeMu   sync.Mutex
	freeCond *sync.Cond
	free     *list.List

	entries []*entry

	stats Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Cache of n entries fronting disk, eagerly loading and pinning
// sectors 0 and 1 (the free-map bitmap and root directory), and starts the
// background flusher goroutine. Callers must call Close to stop the
// flusher and perform the final write-back sweep.
func New(disk *device.Disk, n int) (*Cache, error) {
	if n < 2 {
		panic("cache: need at least 2 entries to hold the pinned sectors")
	}
	c := &Cache{
		disk:    disk,
		hash:    make(map[int]*entry, n),
		free:    list.New(),
		entries: make([]*entry, n),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	c.freeCond = sync.NewCond(&c.freeMu)

	for i := range c.entries {
		c.entries[i] = &entry{
			sector: defs.NoneSector,
			data:   make([]byte, defs.SectorSize),
			lock:   rwmonitor.New(),
		}
	}

	for i, sec := range []int{PinnedSector0, PinnedSector1} {
		e := c.entries[i]
		e.sector = sec
		e.pinned = true
		buf, err := disk.ReadSector(sec)
		if err != nil {
			return nil, err
		}
		copy(e.data, buf)
		c.hash[sec] = e
	}
	for i := 2; i < len(c.entries); i++ {
		e := c.entries[i]
		e.elem = c.free.PushBack(e)
	}

	go c.flusherLoop()
	return c, nil
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       atomic.LoadInt64(&c.stats.Hits),
		Misses:     atomic.LoadInt64(&c.stats.Misses),
		Evictions:  atomic.LoadInt64(&c.stats.Evictions),
		Flushes:    atomic.LoadInt64(&c.stats.Flushes),
		Readaheads: atomic.LoadInt64(&c.stats.Readaheads),
	}
}

func (c *Cache) freeListRemove(e *entry) {
	if e.pinned {
		return
	}
	c.freeMu.Lock()
	if e.elem != nil {
		c.free.Remove(e.elem)
		e.elem = nil
	}
	c.freeMu.Unlock()
}

func (c *Cache) freeListPushBack(e *entry) {
	if e.pinned {
		return
	}
	c.freeMu.Lock()
	if e.elem == nil {
		e.elem = c.free.PushBack(e)
		c.freeCond.Signal()
	}
	c.freeMu.Unlock()
}

func (c *Cache) popFreeOrWait() *entry {
	c.freeMu.Lock()
	for c.free.Len() == 0 {
		c.freeCond.Wait()
	}
	el := c.free.Front()
	e := el.Value.(*entry)
	c.free.Remove(el)
	e.elem = nil
	c.freeMu.Unlock()
	return e
}

// acquire implements the cache's five-scenario lookup/acquire protocol
// and returns e with its monitor held exclusively, its data guaranteed to
// reflect sector's on-disk contents (freshly read on a miss, already
// resident on a hit).
func (c *Cache) acquire(sector int) (*entry, error) {
	for {
		c.hashMu.Lock()
		e, ok := c.hash[sector]
		c.hashMu.Unlock()

		if ok {
			// Scenario 1 (hit, idle) or 5 (hit, busy): AcquireExclusive
			// blocks here if another task currently holds e, exactly
			// modeling "wait on the entry's lock" from scenario 5.
			c.freeListRemove(e)
			e.lock.AcquireExclusive()
			if e.sector != sector {
				// Rebound out from under us while we waited: retry from
				// the top, per scenario 5.
				e.lock.ReleaseExclusive()
				continue
			}
			atomic.AddInt64(&c.stats.Hits, 1)
			return e, nil
		}

		// Scenarios 2-4 (miss): obtain a free entry, sleeping on free-list
		// availability if none exists (scenario 4).
		atomic.AddInt64(&c.stats.Misses, 1)
		e = c.popFreeOrWait()
		oldSector := e.sector

		if e.isDirty() {
			// Flush the victim under a shared lease: a memcpy-to-disk does
			// not mutate the cached bytes, so concurrent readers of the
			// (still hash-resident) old sector may proceed.
			e.lock.AcquireShared()
			if e.isDirty() && e.sector == oldSector {
				if err := c.disk.WriteSector(oldSector, e.data); err != nil {
					e.lock.ReleaseShared()
					c.freeListPushBack(e)
					return nil, err
				}
				e.setDirty(false)
				atomic.AddInt64(&c.stats.Evictions, 1)
			}
			e.lock.ReleaseShared()
		}

		e.lock.AcquireExclusive()
		c.hashMu.Lock()
		if c.hash[oldSector] == e {
			delete(c.hash, oldSector)
		}
		e.sector = sector
		e.seq++
		c.hash[sector] = e
		c.hashMu.Unlock()

		buf, err := c.disk.ReadSector(sector)
		if err != nil {
			e.lock.ReleaseExclusive()
			return nil, ferr.Wrapf(err, ferr.IoFailure, "fill cache entry for sector %d", sector)
		}
		copy(e.data, buf)
		e.setDirty(false)
		return e, nil
	}
}

func (c *Cache) releaseShared(e *entry) {
	e.lock.ReleaseShared()
	if !e.pinned && e.lock.State() == 0 {
		c.freeListPushBack(e)
	}
}

func (c *Cache) releaseExclusive(e *entry) {
	e.lock.ReleaseExclusive()
	if !e.pinned {
		c.freeListPushBack(e)
	}
}

// Read ensures sector is resident, then copies its bytes out under a shared
// lease so concurrent readers of the same sector proceed in parallel.
func (c *Cache) Read(sector int) ([]byte, error) {
	e, err := c.acquire(sector)
	if err != nil {
		return nil, err
	}
	e.lock.DowngradeToShared()
	out := make([]byte, defs.SectorSize)
	copy(out, e.data)
	c.releaseShared(e)
	return out, nil
}

// Write obtains an exclusive lease on sector's entry, copies buf in, and
// marks it dirty for write-behind.
func (c *Cache) Write(sector int, buf []byte) error {
	if len(buf) != defs.SectorSize {
		return defs.EINVAL
	}
	e, err := c.acquire(sector)
	if err != nil {
		return err
	}
	copy(e.data, buf)
	e.setDirty(true)
	c.releaseExclusive(e)
	return nil
}

// Zero writes an all-zero sector, used by the inode engine's lazy
// allocation path to materialize a freshly allocated (hole) sector.
func (c *Cache) Zero(sector int) error {
	return c.Write(sector, make([]byte, defs.SectorSize))
}

// Readahead speculatively pulls the next sector into the cache on a
// background goroutine, best-effort (errors are swallowed), matching
// Pintos's cache.c read-ahead daemon. The inode engine does not call it;
// read-ahead happens only when a caller invokes it directly.
func (c *Cache) Readahead(sector int) {
	go func() {
		e, err := c.acquire(sector)
		if err != nil {
			return
		}
		atomic.AddInt64(&c.stats.Readaheads, 1)
		c.releaseExclusive(e)
	}()
}

// flushEntry writes e back to disk if dirty, taking only a shared lease
// (concurrent readers are unaffected; a concurrent writer's exclusive lease
// correctly blocks the flusher until released).
func (c *Cache) flushEntry(e *entry) {
	if !e.isDirty() {
		return
	}
	e.lock.AcquireShared()
	if e.isDirty() {
		if err := c.disk.WriteSector(e.sector, e.data); err == nil {
			e.setDirty(false)
			atomic.AddInt64(&c.stats.Flushes, 1)
		}
		// The flusher swallows per-entry I/O errors and continues; the
		// entry remains dirty and is retried on the next sweep.
	}
	e.lock.ReleaseShared()
}

// Flush writes back sector if it is currently cache-resident and dirty. A
// sector that was never read or written through this cache is a no-op: it
// cannot be dirty if it was never materialized.
func (c *Cache) Flush(sector int) error {
	c.hashMu.Lock()
	e, ok := c.hash[sector]
	c.hashMu.Unlock()
	if !ok {
		return nil
	}
	c.flushEntry(e)
	return nil
}

// FlushAll writes back every dirty entry. Called on filesystem shutdown for
// a final full sweep so no dirty sector is lost.
func (c *Cache) FlushAll() {
	for _, e := range c.entries {
		c.flushEntry(e)
	}
}

func (c *Cache) flusherLoop() {
	defer close(c.doneCh)
	t := time.NewTicker(TFlush)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			c.FlushAll()
			return
		case <-t.C:
			c.FlushAll()
		}
	}
}

// Close stops the background flusher, performs one final full write-back
// sweep, and returns. It does not close the underlying device.Disk.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}
