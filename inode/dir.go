package inode

import (
	"bytes"
	"encoding/binary"

	"coreos/defs"
	"coreos/ferr"
)

// nameMax bounds a directory entry's file name; entrySize is nameMax plus a
// 4-byte sector pointer and a 4-byte in-use flag.
const (
	nameMax   = 60
	entrySize = nameMax + 8
)

func encodeEntry(name string, sector int, inUse bool) []byte {
	buf := make([]byte, entrySize)
	copy(buf[:nameMax], name)
	binary.LittleEndian.PutUint32(buf[nameMax:nameMax+4], uint32(sector))
	if inUse {
		binary.LittleEndian.PutUint32(buf[nameMax+4:nameMax+8], 1)
	}
	return buf
}

func decodeEntry(buf []byte) (name string, sector int, inUse bool) {
	nz := bytes.IndexByte(buf[:nameMax], 0)
	if nz < 0 {
		nz = nameMax
	}
	name = string(buf[:nz])
	sector = int(binary.LittleEndian.Uint32(buf[nameMax : nameMax+4]))
	inUse = binary.LittleEndian.Uint32(buf[nameMax+4:nameMax+8]) != 0
	return
}

// Lookup scans dir (which must be a directory inode) for name, returning
// its sector if found.
func Lookup(dir *Inode, name string) (int, bool, error) {
	length := dir.Length()
	buf := make([]byte, entrySize)
	for off := int64(0); off < length; off += entrySize {
		n, err := dir.ReadAt(buf, off)
		if err != nil {
			return 0, false, err
		}
		if n < entrySize {
			break
		}
		ename, sector, inUse := decodeEntry(buf)
		if inUse && ename == name {
			return sector, true, nil
		}
	}
	return 0, false, nil
}

// Add inserts a directory entry name -> sector, reusing the first tombstoned
// (not-in-use) slot if one exists, otherwise appending. Fails with
// ferr.Conflict if name already exists.
func Add(dir *Inode, name string, sector int) error {
	if len(name) == 0 || len(name) > nameMax {
		return defs.EINVAL
	}
	if _, ok, err := Lookup(dir, name); err != nil {
		return err
	} else if ok {
		return ferr.New(ferr.Conflict, "directory entry exists: "+name)
	}

	length := dir.Length()
	buf := make([]byte, entrySize)
	for off := int64(0); off < length; off += entrySize {
		n, err := dir.ReadAt(buf, off)
		if err != nil {
			return err
		}
		if n < entrySize {
			break
		}
		if _, _, inUse := decodeEntry(buf); !inUse {
			_, err := dir.WriteAt(encodeEntry(name, sector, true), off)
			return err
		}
	}
	_, err := dir.WriteAt(encodeEntry(name, sector, true), length)
	return err
}

// RemoveEntry tombstones name's slot in dir, if present.
func RemoveEntry(dir *Inode, name string) error {
	length := dir.Length()
	buf := make([]byte, entrySize)
	for off := int64(0); off < length; off += entrySize {
		n, err := dir.ReadAt(buf, off)
		if err != nil {
			return err
		}
		if n < entrySize {
			break
		}
		ename, _, inUse := decodeEntry(buf)
		if inUse && ename == name {
			_, err := dir.WriteAt(encodeEntry("", defs.NoneSector, false), off)
			return err
		}
	}
	return ferr.New(ferr.NotFound, "no such directory entry: "+name)
}

// List returns every in-use entry name in dir, in on-disk order.
func List(dir *Inode) ([]string, error) {
	length := dir.Length()
	buf := make([]byte, entrySize)
	var names []string
	for off := int64(0); off < length; off += entrySize {
		n, err := dir.ReadAt(buf, off)
		if err != nil {
			return nil, err
		}
		if n < entrySize {
			break
		}
		if name, _, inUse := decodeEntry(buf); inUse {
			names = append(names, name)
		}
	}
	return names, nil
}
