package swap

import (
	"bytes"
	"path/filepath"
	"testing"

	"coreos/defs"
	"coreos/device"
)

func newTestMap(t *testing.T, nsectors int) *Map {
	t.Helper()
	dir := t.TempDir()
	d, err := device.Create(filepath.Join(dir, "swap.img"), nsectors, device.RoleSwap)
	if err != nil {
		t.Fatalf("device.Create: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(d)
}

func TestSwapOutInRoundTrip(t *testing.T) {
	m := newTestMap(t, defs.PageBlocks*4)

	page := bytes.Repeat([]byte{0x5a}, defs.PgSize)
	slot, err := m.SwapOut(page)
	if err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	if m.Used() != 1 {
		t.Fatalf("Used() = %d, want 1", m.Used())
	}

	got, err := m.SwapIn(slot)
	if err != nil {
		t.Fatalf("SwapIn: %v", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatal("swap round trip did not preserve page contents")
	}
	if m.Used() != 0 {
		t.Fatalf("Used() = %d after SwapIn, want 0 (slot released)", m.Used())
	}
}

func TestSwapOutRejectsWrongSizedBuffer(t *testing.T) {
	m := newTestMap(t, defs.PageBlocks*4)
	if _, err := m.SwapOut(make([]byte, defs.PgSize-1)); err == nil {
		t.Fatal("expected an error for a buffer shorter than one page")
	}
}

func TestSwapOutExhaustsSlotsThenFails(t *testing.T) {
	m := newTestMap(t, defs.PageBlocks*1)
	page := bytes.Repeat([]byte{0x1}, defs.PgSize)

	if _, err := m.SwapOut(page); err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	if _, err := m.SwapOut(page); err == nil {
		t.Fatal("expected ResourceExhausted once the single slot is occupied")
	}
}

func TestClearReleasesSlotWithoutReading(t *testing.T) {
	m := newTestMap(t, defs.PageBlocks*2)
	slot, err := m.SwapOut(bytes.Repeat([]byte{0x9}, defs.PgSize))
	if err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	if err := m.Clear(slot); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if m.Used() != 0 {
		t.Fatalf("Used() = %d after Clear, want 0", m.Used())
	}
}

func TestClearOfNoneSectorIsNoop(t *testing.T) {
	m := newTestMap(t, defs.PageBlocks*2)
	if err := m.Clear(defs.NoneSector); err != nil {
		t.Fatalf("Clear(NoneSector): %v", err)
	}
}
