// Package device simulates the block device this subsystem treats as an
// external collaborator: a sector-addressed, file-backed disk. It is
// grounded on biscuit's ufs/driver.go ahci_disk_t, which
// serializes a single *os.File's shared seek pointer behind a mutex; this
// version instead uses ReadAt/WriteAt (golang.org/x/sys/unix pread/pwrite
// semantics) so concurrent sector accesses never race on a shared offset,
// and takes an advisory flock so two processes can't open the same image.
package device

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"coreos/defs"
	"coreos/ferr"
)

// Role tags a Disk with the subsystem that owns it, distinguishing the
// filesystem device from the swap device.
type Role int

const (
	RoleFilesystem Role = iota
	RoleSwap
)

// Disk is a sector-addressed block device backed by a regular file.
type Disk struct {
	f    *os.File
	role Role

	mu       sync.Mutex // serializes Fdatasync with in-flight writes
	nsectors int
}

// Open opens (without creating) the disk image at path and locks it
// exclusively for this process's lifetime.
func Open(path string, role Role) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, ferr.Wrapf(err, ferr.IoFailure, "open disk image %q", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, ferr.Wrapf(err, ferr.Conflict, "disk image %q already locked", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ferr.Wrapf(err, ferr.IoFailure, "stat disk image %q", path)
	}
	return &Disk{f: f, role: role, nsectors: int(fi.Size() / defs.SectorSize)}, nil
}

// Create makes a new disk image of the given sector count, zero-filled.
func Create(path string, nsectors int, role Role) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, ferr.Wrapf(err, ferr.IoFailure, "create disk image %q", path)
	}
	if err := f.Truncate(int64(nsectors) * defs.SectorSize); err != nil {
		f.Close()
		return nil, ferr.Wrapf(err, ferr.IoFailure, "truncate disk image %q", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, ferr.Wrapf(err, ferr.Conflict, "disk image %q already locked", path)
	}
	return &Disk{f: f, role: role, nsectors: nsectors}, nil
}

// Role reports which subsystem owns this device.
func (d *Disk) Role() Role { return d.role }

// SectorCount reports the number of addressable sectors.
func (d *Disk) SectorCount() int { return d.nsectors }

// ReadSector reads sector idx into a freshly allocated defs.SectorSize
// buffer.
func (d *Disk) ReadSector(idx int) ([]byte, error) {
	if idx < 0 || idx >= d.nsectors {
		return nil, errors.Errorf("device: sector %d out of range [0,%d)", idx, d.nsectors)
	}
	buf := make([]byte, defs.SectorSize)
	n, err := d.f.ReadAt(buf, int64(idx)*defs.SectorSize)
	if err != nil || n != defs.SectorSize {
		return nil, ferr.Wrapf(err, ferr.IoFailure, "read sector %d", idx)
	}
	return buf, nil
}

// WriteSector writes buf (which must be exactly defs.SectorSize bytes) to
// sector idx.
func (d *Disk) WriteSector(idx int, buf []byte) error {
	if idx < 0 || idx >= d.nsectors {
		return errors.Errorf("device: sector %d out of range [0,%d)", idx, d.nsectors)
	}
	if len(buf) != defs.SectorSize {
		return errors.Errorf("device: write sector %d: buffer is %d bytes, want %d", idx, len(buf), defs.SectorSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.WriteAt(buf, int64(idx)*defs.SectorSize)
	if err != nil || n != defs.SectorSize {
		return ferr.Wrapf(err, ferr.IoFailure, "write sector %d", idx)
	}
	return nil
}

// Sync flushes outstanding writes to stable storage via fdatasync.
func (d *Disk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return ferr.Wrap(err, ferr.IoFailure, "fdatasync disk image")
	}
	return nil
}

// Close releases the advisory lock and closes the backing file.
func (d *Disk) Close() error {
	unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	return d.f.Close()
}
