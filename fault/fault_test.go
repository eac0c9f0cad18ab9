package fault

import (
	"bytes"
	"path/filepath"
	"testing"

	"coreos/cache"
	"coreos/defs"
	"coreos/device"
	"coreos/freemap"
	"coreos/inode"
	"coreos/page"
	"coreos/swap"
)

func newTestSystem(t *testing.T, nframes, nswapSectors int) *System {
	t.Helper()
	dir := t.TempDir()
	swapDisk, err := device.Create(filepath.Join(dir, "swap.img"), nswapSectors, device.RoleSwap)
	if err != nil {
		t.Fatalf("device.Create(swap): %v", err)
	}
	t.Cleanup(func() { swapDisk.Close() })
	return NewSystem(nframes, swap.New(swapDisk))
}

func TestStackGrowthAllocatesZeroPage(t *testing.T) {
	sys := newTestSystem(t, 8, 64)
	sp := defs.PhysBase - 4096
	sys.RegisterTask(defs.Tid_t(1), uintptr(sp))

	vaddr := uintptr(defs.PhysBase - 4100)
	p, err := sys.PageIn(defs.Tid_t(1), vaddr)
	if err != nil {
		t.Fatalf("PageIn: %v", err)
	}
	if p.Frame == nil {
		t.Fatal("expected a resident frame after stack-growth fault-in")
	}
	for _, b := range p.Frame.Data() {
		if b != 0 {
			t.Fatal("freshly grown stack page must be zero-filled")
		}
	}
}

func TestPageInRejectsTrueUnmappedHole(t *testing.T) {
	sys := newTestSystem(t, 8, 64)
	sys.RegisterTask(defs.Tid_t(1), defs.PhysBase)

	if _, err := sys.PageIn(defs.Tid_t(1), 0x1000); err == nil {
		t.Fatal("expected an error for an address with no page record and no stack-growth eligibility")
	}
}

func TestValidateUserRejectsAddressAtOrAbovePhysBase(t *testing.T) {
	sys := newTestSystem(t, 8, 64)
	sys.RegisterTask(defs.Tid_t(1), defs.PhysBase)

	if err := sys.ValidateUser(defs.Tid_t(1), defs.PhysBase); err == nil {
		t.Fatal("expected an error validating an address at PHYS_BASE")
	}
}

func TestSwapRoundTripPreservesBytes(t *testing.T) {
	// One frame forces every second allocation to evict the first.
	sys := newTestSystem(t, 1, 64)
	pt := sys.RegisterTask(defs.Tid_t(1), defs.PhysBase)
	pt.Alloc(0, true)
	pt.Alloc(defs.PgSize, true)

	a, err := sys.PageIn(defs.Tid_t(1), 0)
	if err != nil {
		t.Fatalf("PageIn a: %v", err)
	}
	copy(a.Frame.Data(), bytes.Repeat([]byte{0x42}, defs.PgSize))
	if err := sys.MarkDirty(defs.Tid_t(1), 0); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}

	// Forces eviction of a's frame (the only frame in the pool) to swap.
	if _, err := sys.PageIn(defs.Tid_t(1), defs.PgSize); err != nil {
		t.Fatalf("PageIn b: %v", err)
	}

	aAfter, ok := pt.Lookup(0)
	if !ok {
		t.Fatal("page record for a vanished")
	}
	if aAfter.Frame != nil {
		t.Fatal("a should have been evicted once its frame was reclaimed")
	}
	if !aAfter.Private || aAfter.SwapSlot == defs.NoneSector {
		t.Fatal("evicted dirty anonymous page should be swapped out and marked private")
	}

	back, err := sys.PageIn(defs.Tid_t(1), 0)
	if err != nil {
		t.Fatalf("PageIn a (after eviction): %v", err)
	}
	for _, b := range back.Frame.Data() {
		if b != 0x42 {
			t.Fatal("swap round trip did not preserve page contents")
		}
	}
}

func TestUnregisterTaskReleasesSwapSlot(t *testing.T) {
	sys := newTestSystem(t, 1, 64)
	pt := sys.RegisterTask(defs.Tid_t(1), defs.PhysBase)
	pt.Alloc(0, true)
	pt.Alloc(defs.PgSize, true)

	a, err := sys.PageIn(defs.Tid_t(1), 0)
	if err != nil {
		t.Fatalf("PageIn a: %v", err)
	}
	copy(a.Frame.Data(), bytes.Repeat([]byte{0x7}, defs.PgSize))
	sys.MarkDirty(defs.Tid_t(1), 0)
	if _, err := sys.PageIn(defs.Tid_t(1), defs.PgSize); err != nil {
		t.Fatalf("PageIn b: %v", err)
	}

	if err := sys.UnregisterTask(defs.Tid_t(1)); err != nil {
		t.Fatalf("UnregisterTask: %v", err)
	}
	if sys.swapMap.Used() != 0 {
		t.Fatalf("swap slot leaked after task teardown: used=%d", sys.swapMap.Used())
	}
}

func newTestInode(t *testing.T) (*inode.Table, *inode.Inode) {
	t.Helper()
	dir := t.TempDir()
	d, err := device.Create(filepath.Join(dir, "fs.img"), 4096, device.RoleFilesystem)
	if err != nil {
		t.Fatalf("device.Create: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	c, err := cache.New(d, 32)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	fm, err := freemap.Format(c, 4096)
	if err != nil {
		t.Fatalf("freemap.Format: %v", err)
	}
	tbl := inode.NewTable(c, fm)
	root, err := inode.InitRoot(tbl)
	if err != nil {
		t.Fatalf("InitRoot: %v", err)
	}
	return tbl, root
}

func TestFilePageInReadsThroughInode(t *testing.T) {
	tbl, root := newTestInode(t)
	file, err := tbl.CreateFile(root, "text.bin", false)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	payload := bytes.Repeat([]byte("hi"), 100)
	if _, err := file.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	sys := newTestSystem(t, 8, 64)
	pt := sys.RegisterTask(defs.Tid_t(1), defs.PhysBase)
	p := pt.Alloc(0x400000, false)
	p.Source = page.FILE
	p.File = file
	p.FileOffset = 0
	p.ReadBytes = len(payload)
	p.ZeroBytes = defs.PgSize - len(payload)

	got, err := sys.PageIn(defs.Tid_t(1), 0x400000)
	if err != nil {
		t.Fatalf("PageIn: %v", err)
	}
	if !bytes.Equal(got.Frame.Data()[:len(payload)], payload) {
		t.Fatal("FILE-sourced page did not read back the inode's bytes")
	}
	for _, b := range got.Frame.Data()[len(payload):] {
		if b != 0 {
			t.Fatal("tail of a FILE-sourced page must be zero-filled")
		}
	}
}
