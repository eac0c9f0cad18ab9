package metrics

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"coreos/cache"
	"coreos/device"
	"coreos/frame"
	"coreos/swap"
)

func TestCacheCollectorReportsHitsAfterRead(t *testing.T) {
	dir := t.TempDir()
	d, err := device.Create(filepath.Join(dir, "fs.img"), 16, device.RoleFilesystem)
	if err != nil {
		t.Fatalf("device.Create: %v", err)
	}
	defer d.Close()
	c, err := cache.New(d, 4)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	defer c.Close()

	if _, err := c.Read(0); err != nil {
		t.Fatalf("Read: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCacheCollector(c))
	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 5 {
		t.Fatalf("got %d metrics, want 5", n)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var foundHits bool
	for _, mf := range mfs {
		if mf.GetName() == "coreos_cache_hits_total" {
			foundHits = true
			if got := mf.Metric[0].GetCounter().GetValue(); got != 1 {
				t.Fatalf("hits_total = %v, want 1", got)
			}
		}
	}
	if !foundHits {
		t.Fatal("coreos_cache_hits_total metric not found")
	}
}

func TestFrameCollectorReportsOccupancy(t *testing.T) {
	ft := frame.New(4, func(*frame.Frame) error { return nil })
	if _, err := ft.Alloc(0, 0x1000); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewFrameCollector(ft))
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var foundInUse bool
	for _, mf := range mfs {
		if mf.GetName() == "coreos_frames_in_use" {
			foundInUse = true
			if got := mf.Metric[0].GetGauge().GetValue(); got != 1 {
				t.Fatalf("in_use = %v, want 1", got)
			}
		}
	}
	if !foundInUse {
		t.Fatal("coreos_frames_in_use metric not found")
	}
}

func TestSwapCollectorReportsSlotCounts(t *testing.T) {
	dir := t.TempDir()
	d, err := device.Create(filepath.Join(dir, "swap.img"), 64, device.RoleSwap)
	if err != nil {
		t.Fatalf("device.Create: %v", err)
	}
	defer d.Close()
	m := swap.New(d)

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewSwapCollector(m))
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 2 {
		t.Fatalf("GatherAndCount: n=%d err=%v", n, err)
	}
}
