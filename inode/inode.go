// Package inode implements a multi-level indexed inode engine:
// direct/indirect/doubly-indirect sector maps, lazy allocation of holes,
// grow-on-write, and the process-wide open-inode table. Grounded on
// biscuit's fs/ufs.go (Idaemon_t / the inode-level lock protecting length
// extension) and Pintos's inode.c for the on-disk layout and byte_to_sector
// indexing scheme, adapted onto this repo's cache.Cache and freemap.Map
// instead of a raw block device.
package inode

import (
	"encoding/binary"
	"sync"

	"coreos/cache"
	"coreos/defs"
	"coreos/ferr"
	"coreos/freemap"
)

const (
	// D is the count of direct block pointers per inode.
	D = 123
	// S is the number of sector pointers held by one indirect sector
	// (512 bytes / 4-byte pointer).
	S = defs.SectorSize / 4
	// Magic tags a valid on-disk inode sector.
	Magic = 0x494E4F44
	// None32 is the on-disk hole sentinel for a 4-byte sector pointer.
	None32 = 0xFFFFFFFF
	// MaxFileSectors bounds a file to the direct+indirect+double-indirect
	// reach (16635 sectors, 8,517,120 bytes).
	MaxFileSectors = D + S + S*S
	// MaxFileSize is MaxFileSectors expressed in bytes.
	MaxFileSize = int64(MaxFileSectors) * defs.SectorSize
)

// onDisk mirrors the on-disk inode layout exactly: one 512-byte sector,
// little-endian.
type onDisk struct {
	Length uint32
	Magic  uint32
	IsDir  uint32
	Block  [D + 2]uint32 // 0..122 direct, 123 indirect, 124 double-indirect
}

func decodeOnDisk(buf []byte) onDisk {
	var d onDisk
	d.Length = binary.LittleEndian.Uint32(buf[0:4])
	d.Magic = binary.LittleEndian.Uint32(buf[4:8])
	d.IsDir = binary.LittleEndian.Uint32(buf[8:12])
	for i := range d.Block {
		off := 12 + i*4
		d.Block[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return d
}

func (d onDisk) encode() []byte {
	buf := make([]byte, defs.SectorSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.Length)
	binary.LittleEndian.PutUint32(buf[4:8], d.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], d.IsDir)
	for i, v := range d.Block {
		off := 12 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], v)
	}
	return buf
}

func readPtrSector(c *cache.Cache, sector int) ([]uint32, error) {
	buf, err := c.Read(sector)
	if err != nil {
		return nil, err
	}
	ptrs := make([]uint32, S)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return ptrs, nil
}

func writePtrSector(c *cache.Cache, sector int, ptrs []uint32) error {
	buf := make([]byte, defs.SectorSize)
	for i, v := range ptrs {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return c.Write(sector, buf)
}

func newNoneArray() []uint32 {
	a := make([]uint32, S)
	for i := range a {
		a[i] = None32
	}
	return a
}

// Inode is the in-memory representation of an open file or directory.
type Inode struct {
	sector int

	mu        sync.Mutex // protects disk, length extension, denyWrite
	cache     *cache.Cache
	fm        *freemap.Map
	disk      onDisk
	openCnt   int
	removed   bool
	denyWrite int
}

// Sector reports the inode's own on-disk sector, used as its identity (e.g.
// inumber, directory entries).
func (ino *Inode) Sector() int { return ino.sector }

// Length reports the file length in bytes.
func (ino *Inode) Length() int64 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return int64(ino.disk.Length)
}

// IsDir reports whether this inode is a directory.
func (ino *Inode) IsDir() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.disk.IsDir != 0
}

// DenyWrite increments the deny-write count (used while an executable image
// backing this inode is running).
func (ino *Inode) DenyWrite() {
	ino.mu.Lock()
	ino.denyWrite++
	ino.mu.Unlock()
}

// AllowWrite decrements the deny-write count.
func (ino *Inode) AllowWrite() {
	ino.mu.Lock()
	if ino.denyWrite > 0 {
		ino.denyWrite--
	}
	ino.mu.Unlock()
}

// allocZeroSector allocates a fresh sector from the free map and zero-fills
// it through the cache, rolling the allocation back on I/O failure. Caller
// must hold ino.mu.
func (ino *Inode) allocZeroSector() (int, error) {
	s, err := ino.fm.Alloc()
	if err != nil {
		return defs.NoneSector, err
	}
	if err := ino.cache.Zero(s); err != nil {
		ino.fm.Free(s)
		return defs.NoneSector, err
	}
	return s, nil
}

func (ino *Inode) flushDiskStruct() error {
	return ino.cache.Write(ino.sector, ino.disk.encode())
}

// byteToSector translates a byte offset to a data sector, lazily
// allocating the path to it (each
// intervening indirect level and the leaf) when alloc is true. Caller must
// hold ino.mu.
func (ino *Inode) byteToSector(pos int64, alloc bool) (int, error) {
	if pos < 0 {
		return defs.NoneSector, defs.EINVAL
	}
	p := int(pos / defs.SectorSize)
	switch {
	case p < D:
		return ino.directSlot(p, alloc)
	case p < D+S:
		return ino.indirectSlot(p-D, alloc)
	case p < MaxFileSectors:
		return ino.doubleIndirectSlot(p-D-S, alloc)
	default:
		return defs.NoneSector, ferr.New(ferr.FileTooLarge, "offset beyond max file size")
	}
}

func (ino *Inode) directSlot(i int, alloc bool) (int, error) {
	if ino.disk.Block[i] != None32 {
		return int(ino.disk.Block[i]), nil
	}
	if !alloc {
		return defs.NoneSector, nil
	}
	s, err := ino.allocZeroSector()
	if err != nil {
		return defs.NoneSector, err
	}
	ino.disk.Block[i] = uint32(s)
	if err := ino.flushDiskStruct(); err != nil {
		return defs.NoneSector, err
	}
	return s, nil
}

// ensureIndirect returns the sector of the indirect block at ino.disk.Block[slot],
// allocating and initializing it (all entries None32) if absent and alloc.
func (ino *Inode) ensureIndirect(slot int, alloc bool) (int, error) {
	if ino.disk.Block[slot] != None32 {
		return int(ino.disk.Block[slot]), nil
	}
	if !alloc {
		return defs.NoneSector, nil
	}
	s, err := ino.fm.Alloc()
	if err != nil {
		return defs.NoneSector, err
	}
	if err := writePtrSector(ino.cache, s, newNoneArray()); err != nil {
		ino.fm.Free(s)
		return defs.NoneSector, err
	}
	ino.disk.Block[slot] = uint32(s)
	if err := ino.flushDiskStruct(); err != nil {
		return defs.NoneSector, err
	}
	return s, nil
}

func (ino *Inode) indirectSlot(idx int, alloc bool) (int, error) {
	indSec, err := ino.ensureIndirect(D, alloc)
	if err != nil || indSec == defs.NoneSector {
		return defs.NoneSector, err
	}
	arr, err := readPtrSector(ino.cache, indSec)
	if err != nil {
		return defs.NoneSector, err
	}
	if arr[idx] != None32 {
		return int(arr[idx]), nil
	}
	if !alloc {
		return defs.NoneSector, nil
	}
	leaf, err := ino.allocZeroSector()
	if err != nil {
		return defs.NoneSector, err
	}
	arr[idx] = uint32(leaf)
	if err := writePtrSector(ino.cache, indSec, arr); err != nil {
		return defs.NoneSector, err
	}
	return leaf, nil
}

func (ino *Inode) doubleIndirectSlot(idx int, alloc bool) (int, error) {
	outer := idx / S
	inner := idx % S

	dblSec, err := ino.ensureIndirect(D+1, alloc)
	if err != nil || dblSec == defs.NoneSector {
		return defs.NoneSector, err
	}
	outerArr, err := readPtrSector(ino.cache, dblSec)
	if err != nil {
		return defs.NoneSector, err
	}
	indSec := int(outerArr[outer])
	if indSec == None32 {
		if !alloc {
			return defs.NoneSector, nil
		}
		s, err := ino.fm.Alloc()
		if err != nil {
			return defs.NoneSector, err
		}
		if err := writePtrSector(ino.cache, s, newNoneArray()); err != nil {
			ino.fm.Free(s)
			return defs.NoneSector, err
		}
		outerArr[outer] = uint32(s)
		if err := writePtrSector(ino.cache, dblSec, outerArr); err != nil {
			return defs.NoneSector, err
		}
		indSec = s
	}
	innerArr, err := readPtrSector(ino.cache, indSec)
	if err != nil {
		return defs.NoneSector, err
	}
	if innerArr[inner] != None32 {
		return int(innerArr[inner]), nil
	}
	if !alloc {
		return defs.NoneSector, nil
	}
	leaf, err := ino.allocZeroSector()
	if err != nil {
		return defs.NoneSector, err
	}
	innerArr[inner] = uint32(leaf)
	if err := writePtrSector(ino.cache, indSec, innerArr); err != nil {
		return defs.NoneSector, err
	}
	return leaf, nil
}

// ReadAt reads up to len(buf) bytes starting at offset, clamped to the
// inode's length, returning the number of bytes actually read. Holes read
// as zero without touching the free map or the cache.
func (ino *Inode) ReadAt(buf []byte, offset int64) (int, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	length := int64(ino.disk.Length)
	if offset >= length {
		return 0, nil
	}
	if offset+int64(len(buf)) > length {
		buf = buf[:length-offset]
	}

	n := 0
	for n < len(buf) {
		pos := offset + int64(n)
		sector, err := ino.byteToSector(pos, false)
		if err != nil {
			return n, err
		}
		sectorOff := int(pos % defs.SectorSize)
		chunk := defs.SectorSize - sectorOff
		if rem := len(buf) - n; chunk > rem {
			chunk = rem
		}
		if sector == defs.NoneSector {
			for i := 0; i < chunk; i++ {
				buf[n+i] = 0
			}
		} else {
			data, err := ino.cache.Read(sector)
			if err != nil {
				return n, err
			}
			copy(buf[n:n+chunk], data[sectorOff:sectorOff+chunk])
		}
		n += chunk
	}
	return n, nil
}

// WriteAt writes len(buf) bytes at offset, growing the file and lazily
// allocating the sectors the write covers (plus any indirect sectors on the
// way to them) as needed. The gap between the
// old length and offset is never separately materialized: it remains a run
// of unallocated sectors that read as zero, which is observationally
// identical to eagerly zero-filling it.
func (ino *Inode) WriteAt(buf []byte, offset int64) (int, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	if ino.denyWrite > 0 {
		return 0, defs.EBUSY
	}
	end := offset + int64(len(buf))
	if end > MaxFileSize {
		return 0, ferr.New(ferr.FileTooLarge, "write beyond max file size")
	}

	n := 0
	for n < len(buf) {
		pos := offset + int64(n)
		sector, err := ino.byteToSector(pos, true)
		if err != nil {
			return n, err
		}
		sectorOff := int(pos % defs.SectorSize)
		chunk := defs.SectorSize - sectorOff
		if rem := len(buf) - n; chunk > rem {
			chunk = rem
		}
		if chunk == defs.SectorSize {
			if err := ino.cache.Write(sector, buf[n:n+chunk]); err != nil {
				return n, err
			}
		} else {
			data, err := ino.cache.Read(sector)
			if err != nil {
				return n, err
			}
			copy(data[sectorOff:sectorOff+chunk], buf[n:n+chunk])
			if err := ino.cache.Write(sector, data); err != nil {
				return n, err
			}
		}
		n += chunk
	}
	if end > int64(ino.disk.Length) {
		ino.disk.Length = uint32(end)
		if err := ino.flushDiskStruct(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// walkSectors visits every sector this inode currently owns: its own
// metadata sector is not included (callers add it explicitly, since Flush
// and releaseAllBlocks treat it slightly differently). Caller must hold
// ino.mu.
func (ino *Inode) walkSectors(visit func(sector int)) error {
	for _, b := range ino.disk.Block[:D] {
		if b != None32 {
			visit(int(b))
		}
	}
	if ind := ino.disk.Block[D]; ind != None32 {
		visit(int(ind))
		arr, err := readPtrSector(ino.cache, int(ind))
		if err != nil {
			return err
		}
		for _, leaf := range arr {
			if leaf != None32 {
				visit(int(leaf))
			}
		}
	}
	if dbl := ino.disk.Block[D+1]; dbl != None32 {
		visit(int(dbl))
		outer, err := readPtrSector(ino.cache, int(dbl))
		if err != nil {
			return err
		}
		for _, indSec := range outer {
			if indSec == None32 {
				continue
			}
			visit(int(indSec))
			inner, err := readPtrSector(ino.cache, int(indSec))
			if err != nil {
				return err
			}
			for _, leaf := range inner {
				if leaf != None32 {
					visit(int(leaf))
				}
			}
		}
	}
	return nil
}

// Flush writes back every cache entry this inode has materialized: its own
// sector plus every direct/indirect/leaf data sector.
func (ino *Inode) Flush() error {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := ino.walkSectors(func(s int) { ino.cache.Flush(s) }); err != nil {
		return err
	}
	return ino.cache.Flush(ino.sector)
}

// releaseAllBlocks frees every sector this inode owns (its data tree, then
// itself) back to the free map, called once open_cnt reaches zero on a
// removed inode.
func (ino *Inode) releaseAllBlocks() error {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	var owned []int
	if err := ino.walkSectors(func(s int) { owned = append(owned, s) }); err != nil {
		return err
	}
	for _, s := range owned {
		if err := ino.fm.Free(s); err != nil {
			return err
		}
	}
	return ino.fm.Free(ino.sector)
}
