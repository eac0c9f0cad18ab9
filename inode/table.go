package inode

import (
	"sync"

	"coreos/cache"
	"coreos/ferr"
	"coreos/freemap"
)

// Table is the process-wide open-inode table: it coalesces repeated opens
// of the same sector onto a single in-memory Inode, and frees a removed
// inode's blocks once its last reference closes.
type Table struct {
	mu    sync.Mutex
	cache *cache.Cache
	fm    *freemap.Map
	open  map[int]*Inode
}

// NewTable builds an empty open-inode table over cache/fm.
func NewTable(c *cache.Cache, fm *freemap.Map) *Table {
	return &Table{cache: c, fm: fm, open: make(map[int]*Inode)}
}

// Open returns the in-memory Inode for sector, reading it from disk (through
// the buffer cache) on first reference and coalescing subsequent opens onto
// the same object.
func (t *Table) Open(sector int) (*Inode, error) {
	t.mu.Lock()
	if ino, ok := t.open[sector]; ok {
		ino.mu.Lock()
		ino.openCnt++
		ino.mu.Unlock()
		t.mu.Unlock()
		return ino, nil
	}
	t.mu.Unlock()

	buf, err := t.cache.Read(sector)
	if err != nil {
		return nil, err
	}
	disk := decodeOnDisk(buf)
	if disk.Magic != Magic {
		return nil, ferr.New(ferr.NotFound, "sector is not a valid inode")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ino, ok := t.open[sector]; ok {
		// Lost the race against a concurrent first-opener.
		ino.mu.Lock()
		ino.openCnt++
		ino.mu.Unlock()
		return ino, nil
	}
	ino := &Inode{sector: sector, cache: t.cache, fm: t.fm, disk: disk, openCnt: 1}
	t.open[sector] = ino
	return ino, nil
}

// Create formats a fresh inode at sector (already reserved by the caller
// via the free map) with the given initial length and directory flag, and
// registers it in the open table with one reference.
func (t *Table) Create(sector int, length int64, isDir bool) (*Inode, error) {
	disk := onDisk{Magic: Magic}
	if isDir {
		disk.IsDir = 1
	}
	for i := range disk.Block {
		disk.Block[i] = None32
	}
	ino := &Inode{sector: sector, cache: t.cache, fm: t.fm, disk: disk, openCnt: 1}

	if length > 0 {
		// Plant placeholder holes by growing length without materializing
		// sectors (see WriteAt's doc comment: unallocated length reads as
		// zero, so no allocation is required here).
		if length > MaxFileSize {
			return nil, ferr.New(ferr.FileTooLarge, "initial length exceeds max file size")
		}
		ino.disk.Length = uint32(length)
	}
	if err := ino.flushDiskStruct(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.open[sector] = ino
	t.mu.Unlock()
	return ino, nil
}

// Close drops one reference to ino; once the reference count reaches zero,
// it is unlinked from the table, and if it was marked removed, every sector
// it owns (including itself) is released to the free map.
func (t *Table) Close(ino *Inode) error {
	ino.mu.Lock()
	ino.openCnt--
	cnt := ino.openCnt
	removed := ino.removed
	ino.mu.Unlock()

	if cnt > 0 {
		return nil
	}

	t.mu.Lock()
	delete(t.open, ino.sector)
	t.mu.Unlock()

	if removed {
		return ino.releaseAllBlocks()
	}
	return ino.Flush()
}

// Remove marks ino for deletion; its blocks are actually released once its
// last open reference closes.
func (t *Table) Remove(ino *Inode) error {
	if ino.sector == freemap.RootDirSector {
		return ferr.New(ferr.InvalidArgument, "cannot remove root directory")
	}
	ino.mu.Lock()
	ino.removed = true
	ino.mu.Unlock()
	return nil
}

// CreateFile allocates a fresh inode sector, formats it, links "." and ".."
// for a new directory, and adds a directory entry for name under parent.
func (t *Table) CreateFile(parent *Inode, name string, isDir bool) (*Inode, error) {
	if len(name) == 0 || len(name) > nameMax {
		return nil, ferr.New(ferr.InvalidArgument, "invalid file name")
	}
	if _, ok, err := Lookup(parent, name); err != nil {
		return nil, err
	} else if ok {
		return nil, ferr.New(ferr.Conflict, "already exists: "+name)
	}

	sector, err := t.fm.Alloc()
	if err != nil {
		return nil, err
	}
	ino, err := t.Create(sector, 0, isDir)
	if err != nil {
		t.fm.Free(sector)
		return nil, err
	}
	if isDir {
		if err := Add(ino, ".", sector); err != nil {
			return nil, err
		}
		if err := Add(ino, "..", parent.Sector()); err != nil {
			return nil, err
		}
	}
	if err := Add(parent, name, sector); err != nil {
		return nil, err
	}
	return ino, nil
}

// InitRoot formats the fixed root-directory sector (freemap.RootDirSector)
// as a fresh, empty directory self-linked via "." and "..". Called exactly
// once, by the disk formatter.
func InitRoot(t *Table) (*Inode, error) {
	root, err := t.Create(freemap.RootDirSector, 0, true)
	if err != nil {
		return nil, err
	}
	if err := Add(root, ".", freemap.RootDirSector); err != nil {
		return nil, err
	}
	if err := Add(root, "..", freemap.RootDirSector); err != nil {
		return nil, err
	}
	return root, nil
}

// OpenPath resolves path (tokenized on '/', with '\\' accepted as an
// equivalent separator) to its containing directory, returning that
// directory's Inode (reference owned by the caller — Close it when done)
// plus the final path component's name. The empty name result signals path
// was the root itself.
func (t *Table) OpenPath(path string) (*Inode, string, error) {
	comps := splitPath(path)
	cur, err := t.Open(freemap.RootDirSector)
	if err != nil {
		return nil, "", err
	}
	if len(comps) == 0 {
		return cur, "", nil
	}
	for i := 0; i < len(comps)-1; i++ {
		sector, ok, err := Lookup(cur, comps[i])
		if err != nil {
			t.Close(cur)
			return nil, "", err
		}
		if !ok {
			t.Close(cur)
			return nil, "", ferr.New(ferr.NotFound, "no such directory: "+comps[i])
		}
		next, err := t.Open(sector)
		t.Close(cur)
		if err != nil {
			return nil, "", err
		}
		if !next.IsDir() {
			t.Close(next)
			return nil, "", ferr.New(ferr.InvalidArgument, comps[i]+" is not a directory")
		}
		cur = next
	}
	return cur, comps[len(comps)-1], nil
}

func splitPath(path string) []string {
	var comps []string
	start := 0
	norm := make([]byte, len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' {
			norm[i] = '/'
		} else {
			norm[i] = path[i]
		}
	}
	path = string(norm)
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				comps = append(comps, path[start:i])
			}
			start = i + 1
		}
	}
	return comps
}

// RemovePath resolves path and marks the named entry removed, unlinking it
// from its containing directory. Actual block release is deferred to the
// inode's last Close.
func (t *Table) RemovePath(path string) error {
	dir, name, err := t.OpenPath(path)
	if err != nil {
		return err
	}
	defer t.Close(dir)
	if name == "" {
		return ferr.New(ferr.InvalidArgument, "cannot remove root directory")
	}
	sector, ok, err := Lookup(dir, name)
	if err != nil {
		return err
	}
	if !ok {
		return ferr.New(ferr.NotFound, "no such file: "+name)
	}
	ino, err := t.Open(sector)
	if err != nil {
		return err
	}
	if err := t.Remove(ino); err != nil {
		t.Close(ino)
		return err
	}
	if err := RemoveEntry(dir, name); err != nil {
		t.Close(ino)
		return err
	}
	return t.Close(ino)
}
