package cache

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coreos/defs"
	"coreos/device"
)

func newTestCache(t *testing.T, nsectors, nentries int) (*Cache, *device.Disk) {
	t.Helper()
	dir := t.TempDir()
	d, err := device.Create(filepath.Join(dir, "fs.img"), nsectors, device.RoleFilesystem)
	if err != nil {
		t.Fatalf("device.Create: %v", err)
	}
	c, err := New(d, nentries)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		d.Close()
	})
	return c, d
}

func TestReadWriteRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, 32, 8)

	buf := bytes.Repeat([]byte{0x7e}, defs.SectorSize)
	if err := c.Write(10, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := c.Read(10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatal("read back different bytes than written")
	}
}

func TestDirtyWritebackOnEviction(t *testing.T) {
	// 4 usable entries (plus 2 pinned), so the 5th distinct unpinned sector
	// forces an eviction of one of the first four.
	c, d := newTestCache(t, 32, 6)

	buf := bytes.Repeat([]byte{0x11}, defs.SectorSize)
	for _, sec := range []int{2, 3, 4, 5} {
		if err := c.Write(sec, buf); err != nil {
			t.Fatalf("Write(%d): %v", sec, err)
		}
	}
	// Force eviction of one of the four by touching a fifth distinct sector.
	if err := c.Write(6, buf); err != nil {
		t.Fatalf("Write(6): %v", err)
	}

	c.FlushAll()

	onDisk, err := d.ReadSector(2)
	if err != nil {
		t.Fatalf("ReadSector(2): %v", err)
	}
	// Whichever sector got evicted, FlushAll guarantees every dirty entry
	// (including any still cache-resident) reaches disk.
	if !bytes.Equal(onDisk, buf) {
		t.Fatalf("sector 2 has unexpected content after flush")
	}

	for _, sec := range []int{2, 3, 4, 5, 6} {
		got, err := c.Read(sec)
		if err != nil {
			t.Fatalf("Read(%d): %v", sec, err)
		}
		if !bytes.Equal(got, buf) {
			t.Fatalf("sector %d lost its data across eviction", sec)
		}
	}
}

func TestConcurrentReadsOfSameSectorHitOnce(t *testing.T) {
	c, _ := newTestCache(t, 32, 8)

	buf := bytes.Repeat([]byte{0x42}, defs.SectorSize)
	if err := c.Write(20, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before := c.Stats().Misses

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Read(20)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, buf) {
				errs <- errBadRead
			}
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent reads did not complete")
	}
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	after := c.Stats().Misses
	if after != before {
		t.Fatalf("expected no additional misses on a warm sector, before=%d after=%d", before, after)
	}
}

var errBadRead = bytesMismatchError{}

type bytesMismatchError struct{}

func (bytesMismatchError) Error() string { return "read returned unexpected bytes" }

func TestPinnedSectorsNeverEvicted(t *testing.T) {
	c, _ := newTestCache(t, 32, 4)

	// Drive many distinct sectors through the cache; sectors 0 and 1 must
	// still be servable without error (they are pinned and never touch the
	// free list).
	buf := make([]byte, defs.SectorSize)
	for sec := 2; sec < 20; sec++ {
		if err := c.Write(sec, buf); err != nil {
			t.Fatalf("Write(%d): %v", sec, err)
		}
	}
	if _, err := c.Read(0); err != nil {
		t.Fatalf("Read(0) after churn: %v", err)
	}
	if _, err := c.Read(1); err != nil {
		t.Fatalf("Read(1) after churn: %v", err)
	}
}
