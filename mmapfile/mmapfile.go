// Package mmapfile implements the memory-mapped file manager: mapping a
// file region into a task's address space as a run of MMAP-sourced page
// records, and writing dirty resident pages back to the file on unmap.
// Grounded on biscuit's mmap handling in fs/fs.go (Fs_mmapi, which walks an
// inode's extents to build a Mmapinfo_t per covered page) adapted onto this
// repo's page.Table/fault.System split, since reopening the file handle per
// mapping (as biscuit does to keep its own reference count) is modeled here
// by holding the already-open *inode.Inode the caller supplies.
package mmapfile

import (
	"sync"

	"coreos/defs"
	"coreos/fault"
	"coreos/ferr"
	"coreos/inode"
	"coreos/internal/util"
	"coreos/page"
)

// Mapping is one active mmap: an id equal to the originating file
// descriptor, the backing inode, the starting virtual address, and the
// mapped length in bytes.
type Mapping struct {
	ID     int
	File   *inode.Inode
	Vaddr  uintptr
	Length int64
}

// Manager tracks every task's active mappings and coordinates with a
// fault.System to populate and tear down the underlying page records.
type Manager struct {
	sys *fault.System

	mu       sync.Mutex
	mappings map[defs.Tid_t]map[int]*Mapping
}

// New builds a Manager backed by sys.
func New(sys *fault.System) *Manager {
	return &Manager{sys: sys, mappings: make(map[defs.Tid_t]map[int]*Mapping)}
}

func pageAligned(vaddr uintptr) bool { return vaddr%defs.PgSize == 0 }

func inStackRegion(vaddr uintptr) bool {
	return vaddr >= defs.PhysBase-defs.StackMax && vaddr < defs.PhysBase
}

// Mmap maps file starting at vaddr, using fd as the mapping id (per
// convention, a mapping's id equals the file descriptor that created it).
// The target address is chosen by the caller (the syscall layer owns
// address-space layout); Mmap only validates and populates page records.
// It fails if vaddr is not page-aligned, is null, falls within the stack
// region, the file is zero-length, or any covered page already has a page
// record.
func (m *Manager) Mmap(tid defs.Tid_t, pt *page.Table, fd int, file *inode.Inode, vaddr uintptr) (int, error) {
	if vaddr == 0 || !pageAligned(vaddr) {
		return 0, ferr.New(ferr.InvalidArgument, "mmap: address not page-aligned or null")
	}
	if inStackRegion(vaddr) {
		return 0, ferr.New(ferr.InvalidArgument, "mmap: address falls within the stack region")
	}
	length := file.Length()
	if length == 0 {
		return 0, ferr.New(ferr.InvalidArgument, "mmap: zero-length file")
	}

	numPages := int(util.Roundup(length, int64(defs.PgSize)) / defs.PgSize)
	for i := 0; i < numPages; i++ {
		if _, ok := pt.Lookup(vaddr + uintptr(i)*defs.PgSize); ok {
			return 0, ferr.New(ferr.Conflict, "mmap: overlaps an existing page record")
		}
	}

	m.mu.Lock()
	if _, ok := m.mappings[tid]; !ok {
		m.mappings[tid] = make(map[int]*Mapping)
	}
	if _, exists := m.mappings[tid][fd]; exists {
		m.mu.Unlock()
		return 0, ferr.New(ferr.Conflict, "mmap: id already in use")
	}
	m.mappings[tid][fd] = &Mapping{ID: fd, File: file, Vaddr: vaddr, Length: length}
	m.mu.Unlock()

	var remaining = length
	for i := 0; i < numPages; i++ {
		pageVaddr := vaddr + uintptr(i)*defs.PgSize
		readBytes := defs.PgSize
		if remaining < defs.PgSize {
			readBytes = int(remaining)
		}
		p := pt.Alloc(pageVaddr, true)
		p.Source = page.MMAP
		p.File = file
		p.FileOffset = int64(i) * defs.PgSize
		p.ReadBytes = readBytes
		p.ZeroBytes = defs.PgSize - readBytes
		p.MappingID = fd
		remaining -= int64(readBytes)
	}
	return fd, nil
}

// Munmap writes back every dirty resident page of mapping id, releases its
// page records, and forgets the mapping.
func (m *Manager) Munmap(tid defs.Tid_t, pt *page.Table, id int) error {
	m.mu.Lock()
	byID, ok := m.mappings[tid]
	var mp *Mapping
	if ok {
		mp, ok = byID[id]
	}
	m.mu.Unlock()
	if !ok {
		return ferr.New(ferr.NotFound, "munmap: no such mapping")
	}

	numPages := int(util.Roundup(mp.Length, int64(defs.PgSize)) / defs.PgSize)
	for i := 0; i < numPages; i++ {
		vaddr := mp.Vaddr + uintptr(i)*defs.PgSize
		if err := m.sys.WriteBack(tid, vaddr); err != nil {
			return err
		}
		if err := m.sys.Release(tid, vaddr); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.mappings[tid], id)
	m.mu.Unlock()
	return nil
}

// MunmapAll tears down every mapping tid still holds, called on process
// exit.
func (m *Manager) MunmapAll(tid defs.Tid_t, pt *page.Table) error {
	m.mu.Lock()
	byID := m.mappings[tid]
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Munmap(tid, pt, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
