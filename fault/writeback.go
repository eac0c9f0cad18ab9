package fault

import (
	"coreos/defs"
	"coreos/ferr"
	"coreos/page"
)

// WriteBack writes vaddr's page back to its backing file if it is
// currently resident, dirty, and MMAP-sourced, without releasing the frame
// or clearing the page record. Used by the mmap manager to flush a
// mapping's dirty pages ahead of releasing them on munmap, matching the
// write-back half of pageOut without the accompanying unmap.
func (s *System) WriteBack(tid defs.Tid_t, vaddr uintptr) error {
	s.mu.Lock()
	pt, ok := s.tasks[tid]
	s.mu.Unlock()
	if !ok {
		return ferr.New(ferr.NotFound, "write-back: unknown task")
	}
	p, ok := pt.Lookup(vaddr)
	if !ok {
		return nil
	}
	if p.Frame == nil || !p.Dirty || p.Source != page.MMAP {
		return nil
	}
	if _, err := p.File.WriteAt(p.Frame.Data()[:p.ReadBytes], p.FileOffset); err != nil {
		return err
	}
	p.Dirty = false
	return nil
}
