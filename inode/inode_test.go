package inode

import (
	"bytes"
	"path/filepath"
	"testing"

	"coreos/cache"
	"coreos/device"
	"coreos/freemap"
)

func newTestFS(t *testing.T, nsectors int) (*Table, *cache.Cache, *freemap.Map) {
	t.Helper()
	dir := t.TempDir()
	d, err := device.Create(filepath.Join(dir, "fs.img"), nsectors, device.RoleFilesystem)
	if err != nil {
		t.Fatalf("device.Create: %v", err)
	}
	c, err := cache.New(d, 32)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	fm, err := freemap.Format(c, nsectors)
	if err != nil {
		t.Fatalf("freemap.Format: %v", err)
	}
	tbl := NewTable(c, fm)
	if _, err := InitRoot(tbl); err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		d.Close()
	})
	return tbl, c, fm
}

func TestSparseWriteReadsZeroBeforeWrittenByte(t *testing.T) {
	tbl, _, fm := newTestFS(t, 4096)
	sector, err := fm.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ino, err := tbl.Create(sector, 0, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := ino.WriteAt([]byte("Z"), 4096); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 4098)
	n, err := ino.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 4097 {
		t.Fatalf("ReadAt returned %d bytes, want 4097 (length)", n)
	}
	for i := 0; i < 4096; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d not zero in sparse region", i)
		}
	}
	if buf[4096] != 'Z' {
		t.Fatalf("byte 4096 = %q, want 'Z'", buf[4096])
	}
}

func TestDoubleIndirectGrowthAndReopen(t *testing.T) {
	tbl, c, fm := newTestFS(t, 1<<16)
	sector, err := fm.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ino, err := tbl.Create(sector, 0, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const off = 1_000_000
	if _, err := ino.WriteAt([]byte("Q"), off); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if got, want := ino.Length(), int64(off+1); got != want {
		t.Fatalf("Length() = %d, want %d", got, want)
	}

	buf := make([]byte, 1)
	if _, err := ino.ReadAt(buf, off); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if buf[0] != 'Q' {
		t.Fatalf("byte at offset %d = %q, want 'Q'", off, buf[0])
	}

	if err := ino.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := tbl.Close(ino); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c.FlushAll()

	reopened, err := tbl.Open(sector)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, want := reopened.Length(), int64(off+1); got != want {
		t.Fatalf("reopened Length() = %d, want %d", got, want)
	}
	if _, err := reopened.ReadAt(buf, off); err != nil {
		t.Fatalf("reopened ReadAt: %v", err)
	}
	if buf[0] != 'Q' {
		t.Fatalf("reopened byte at offset %d = %q, want 'Q'", off, buf[0])
	}
}

func TestDirectoryAddLookupRemove(t *testing.T) {
	tbl, _, _ := newTestFS(t, 4096)
	root, err := tbl.Open(freemap.RootDirSector)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	defer tbl.Close(root)

	child, err := tbl.CreateFile(root, "hello.txt", false)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer tbl.Close(child)

	sector, ok, err := Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || sector != child.Sector() {
		t.Fatalf("Lookup returned (%d, %v), want (%d, true)", sector, ok, child.Sector())
	}

	if _, err := tbl.CreateFile(root, "hello.txt", false); err == nil {
		t.Fatal("expected Conflict creating a duplicate name")
	}

	if err := RemoveEntry(root, "hello.txt"); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	if _, ok, err := Lookup(root, "hello.txt"); err != nil || ok {
		t.Fatalf("Lookup after remove: ok=%v err=%v, want not found", ok, err)
	}
}

func TestOpenPathResolvesNestedDirectories(t *testing.T) {
	tbl, _, _ := newTestFS(t, 4096)
	root, err := tbl.Open(freemap.RootDirSector)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	sub, err := tbl.CreateFile(root, "sub", true)
	if err != nil {
		t.Fatalf("CreateFile(sub): %v", err)
	}
	file, err := tbl.CreateFile(sub, "leaf.txt", false)
	if err != nil {
		t.Fatalf("CreateFile(leaf.txt): %v", err)
	}
	tbl.Close(root)
	tbl.Close(sub)
	tbl.Close(file)

	dir, name, err := tbl.OpenPath("/sub/leaf.txt")
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	defer tbl.Close(dir)
	if name != "leaf.txt" {
		t.Fatalf("OpenPath name = %q, want leaf.txt", name)
	}
	sector, ok, err := Lookup(dir, name)
	if err != nil || !ok || sector != file.Sector() {
		t.Fatalf("Lookup in resolved dir: sector=%d ok=%v err=%v", sector, ok, err)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tbl, _, fm := newTestFS(t, 4096)
	sector, err := fm.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	ino, err := tbl.Create(sector, 0, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := bytes.Repeat([]byte("abcdefgh"), 200) // spans multiple sectors
	if n, err := ino.WriteAt(payload, 100); err != nil || n != len(payload) {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	got := make([]byte, len(payload))
	if n, err := ino.ReadAt(got, 100); err != nil || n != len(payload) {
		t.Fatalf("ReadAt: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round-tripped bytes differ from what was written")
	}
}
