// Package fault implements page-in/page-out orchestration: the only
// component that holds references to both the frame table and per-task
// supplemental page tables, so it is where victim eviction
// (frame.EvictFunc) and on-demand fault-in (page.FaultInFunc) are actually
// wired together — avoiding the import cycle that would exist if frame or
// page tried to call each other directly. Grounded on biscuit's
// vm.Sys_pgfault (the fault dispatch switch over Vminfo_t's source tag) and
// Pintos's vm/page.c and vm/frame.c for the page_in/page_out state machine
// itself.
package fault

import (
	"sync"

	"coreos/defs"
	"coreos/ferr"
	"coreos/frame"
	"coreos/internal/util"
	"coreos/page"
	"coreos/swap"
)

// System is the process-global page-fault handler: one frame.Table and
// swap.Map shared by every task, plus a registry of each task's
// supplemental page table and current stack pointer (needed for stack
// growth detection).
type System struct {
	frames  *frame.Table
	swapMap *swap.Map

	mu       sync.Mutex
	tasks    map[defs.Tid_t]*page.Table
	stackPtr map[defs.Tid_t]uintptr
}

// NewSystem builds a System with a fresh frame.Table of nframes frames
// backed by swapMap for eviction write-back.
func NewSystem(nframes int, swapMap *swap.Map) *System {
	s := &System{
		swapMap:  swapMap,
		tasks:    make(map[defs.Tid_t]*page.Table),
		stackPtr: make(map[defs.Tid_t]uintptr),
	}
	s.frames = frame.New(nframes, s.evictFrame)
	return s
}

// Frames exposes the shared frame table, for diagnostics and metrics.
func (s *System) Frames() *frame.Table { return s.frames }

// RegisterTask creates and returns a fresh supplemental page table for tid,
// recording its initial stack pointer for stack-growth detection.
func (s *System) RegisterTask(tid defs.Tid_t, stackPointer uintptr) *page.Table {
	pt := page.New(func(vaddr uintptr) (*page.Page, error) { return s.PageIn(tid, vaddr) })
	s.mu.Lock()
	s.tasks[tid] = pt
	s.stackPtr[tid] = stackPointer
	s.mu.Unlock()
	return pt
}

// SetStackPointer updates tid's current stack pointer, called by the
// (external) scheduler on every context switch into tid.
func (s *System) SetStackPointer(tid defs.Tid_t, sp uintptr) {
	s.mu.Lock()
	s.stackPtr[tid] = sp
	s.mu.Unlock()
}

// UnregisterTask releases every page tid's supplemental page table still
// holds (frame and/or swap slot) and forgets tid, called on process exit.
func (s *System) UnregisterTask(tid defs.Tid_t) error {
	s.mu.Lock()
	pt, ok := s.tasks[tid]
	delete(s.tasks, tid)
	delete(s.stackPtr, tid)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var firstErr error
	pt.Range(func(p *page.Page) {
		if err := s.releasePage(pt, p); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

func isStackGrowth(vaddr, stackPointer uintptr) bool {
	if vaddr >= defs.PhysBase {
		return false
	}
	if vaddr < defs.PhysBase-defs.StackMax {
		return false
	}
	// Accommodate PUSHA, which can touch up to 32 bytes below the current
	// stack pointer before it is adjusted.
	return vaddr+32 >= stackPointer
}

// PageIn normalizes vaddr to a page boundary, detects stack growth for a
// never-seen address, obtains a frame, and fills it according to the
// page's source.
func (s *System) PageIn(tid defs.Tid_t, vaddr uintptr) (*page.Page, error) {
	s.mu.Lock()
	pt, ok := s.tasks[tid]
	sp := s.stackPtr[tid]
	s.mu.Unlock()
	if !ok {
		return nil, ferr.New(ferr.NotFound, "page-in: unknown task")
	}

	aligned := util.Rounddown(vaddr, uintptr(defs.PgSize))
	p, existed := pt.Lookup(aligned)
	if !existed {
		if !isStackGrowth(vaddr, sp) {
			return nil, ferr.New(ferr.InvalidArgument, "page-in: unmapped address")
		}
		p = pt.Alloc(aligned, true)
	}
	if p.Frame != nil {
		return p, nil
	}

	f, err := s.frames.Alloc(tid, aligned)
	if err != nil {
		return nil, err
	}
	if err := s.fill(p, f); err != nil {
		s.frames.Release(f)
		return nil, err
	}
	p.Frame = f
	return p, nil
}

func (s *System) fill(p *page.Page, f *frame.Frame) error {
	switch {
	case p.Private:
		data, err := s.swapMap.SwapIn(p.SwapSlot)
		if err != nil {
			return err
		}
		copy(f.Data(), data)
		p.SwapSlot = defs.NoneSector
		p.Private = false
		return nil

	case p.File == nil:
		buf := f.Data()
		for i := range buf {
			buf[i] = 0
		}
		return nil

	default: // FILE or MMAP
		s.frames.Pin(f)
		buf := f.Data()
		n, err := p.File.ReadAt(buf[:p.ReadBytes], p.FileOffset)
		if err != nil {
			s.frames.Unpin(f)
			return err
		}
		for i := n; i < p.ReadBytes+p.ZeroBytes; i++ {
			buf[i] = 0
		}
		if p.Writable {
			s.frames.Unpin(f)
		}
		// Read-only (text) pages stay pinned: they are never evicted and
		// never dirtied, so reloading them is pure waste.
		return nil
	}
}

// evictFrame is frame.Table's EvictFunc: it looks up f's current virtual
// page in its owning task's supplemental page table and pages it out.
func (s *System) evictFrame(f *frame.Frame) error {
	s.mu.Lock()
	pt, ok := s.tasks[f.Owner()]
	s.mu.Unlock()
	if !ok {
		// Owning task already exited; its pages were released at that time.
		return nil
	}
	p, ok := pt.Lookup(f.Vaddr())
	if !ok {
		return nil
	}
	return s.pageOut(p, f)
}

// pageOut writes back a dirty page by source (swap for anonymous/stack/FILE
// pages, the backing file for MMAP pages), then clears the frame
// association. Clean pages skip the write but still unmap.
func (s *System) pageOut(p *page.Page, f *frame.Frame) error {
	if p.Dirty {
		switch p.Source {
		case page.MMAP:
			if _, err := p.File.WriteAt(f.Data()[:p.ReadBytes], p.FileOffset); err != nil {
				return err
			}
		default:
			slot, err := s.swapMap.SwapOut(f.Data())
			if err != nil {
				return err
			}
			p.SwapSlot = slot
			p.Private = true
		}
		p.Dirty = false
	}
	p.Frame = nil
	return nil
}

// MarkDirty records that vaddr's page was written through its resident
// frame. This repo has no real MMU to set a hardware dirty bit, so callers
// that mutate a frame's bytes directly (the syscall write path, test
// harnesses simulating a CPU store) must call this explicitly; it stands in
// for a hardware MMU combining its dirty bit into the page's sticky dirty
// flag.
func (s *System) MarkDirty(tid defs.Tid_t, vaddr uintptr) error {
	s.mu.Lock()
	pt, ok := s.tasks[tid]
	s.mu.Unlock()
	if !ok {
		return ferr.New(ferr.NotFound, "mark-dirty: unknown task")
	}
	p, ok := pt.Lookup(vaddr)
	if !ok {
		return ferr.New(ferr.NotFound, "mark-dirty: no such page")
	}
	p.Dirty = true
	if p.Frame != nil {
		p.Frame.MarkAccessed()
	}
	return nil
}

// Release frees vaddr's page record entirely: its frame (if resident) and
// swap slot (if any) are released, and the record is removed from tid's
// supplemental page table. Used by munmap and explicit page-region teardown
// (process exit uses UnregisterTask instead, which does this for every page
// at once).
func (s *System) Release(tid defs.Tid_t, vaddr uintptr) error {
	s.mu.Lock()
	pt, ok := s.tasks[tid]
	s.mu.Unlock()
	if !ok {
		return ferr.New(ferr.NotFound, "release: unknown task")
	}
	p, ok := pt.Lookup(vaddr)
	if !ok {
		return nil
	}
	return s.releasePage(pt, p)
}

func (s *System) releasePage(pt *page.Table, p *page.Page) error {
	if p.Frame != nil {
		s.frames.Release(p.Frame)
		p.Frame = nil
	}
	if p.SwapSlot != defs.NoneSector {
		if err := s.swapMap.Clear(p.SwapSlot); err != nil {
			return err
		}
		p.SwapSlot = defs.NoneSector
	}
	pt.Delete(p.Vaddr)
	return nil
}

// ValidateUser models a speculative user-pointer load: an address at or
// above PHYS_BASE is always invalid; any other address is faulted in
// (allocating on stack growth, failing on a true unmapped hole), mirroring
// how a real CPU's page-fault handler would resolve the speculative load
// before it is allowed to complete.
func (s *System) ValidateUser(tid defs.Tid_t, vaddr uintptr) error {
	if vaddr >= defs.PhysBase {
		return ferr.New(ferr.InvalidArgument, "user pointer at or above PHYS_BASE")
	}
	_, err := s.PageIn(tid, vaddr)
	return err
}
