// Command mkdisk formats a new filesystem image: a zero-filled,
// sector-addressed file with a free-block bitmap and an empty root
// directory inode, ready for device.Open and cache.New to mount.
//
// Grounded on calvinalkan-agent-task's CLI command style (a pflag.FlagSet,
// an explicit --help/-h check ahead of parsing, and a usage-string
// constant) and its natefinch/atomic write pattern for producing the image
// file without ever leaving a half-written one on disk.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"coreos/cache"
	"coreos/defs"
	"coreos/device"
	"coreos/freemap"
	"coreos/inode"
)

const mkdiskHelp = `Usage: mkdisk --out <path> [options]

Format a new filesystem image.

Options:
  -o, --out         Output image path (required)
  -n, --sectors     Image size in sectors [default: 4096]
  -f, --force       Overwrite an existing file at --out`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	for _, a := range args {
		if a == "-h" || a == "--help" {
			fmt.Fprintln(out, mkdiskHelp)
			return 0
		}
	}

	fs := flag.NewFlagSet("mkdisk", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.StringP("out", "o", "", "output image path")
	nsectors := fs.IntP("sectors", "n", 4096, "image size in sectors")
	force := fs.BoolP("force", "f", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(errOut, "mkdisk:", err)
		return 1
	}

	if *path == "" {
		fmt.Fprintln(errOut, "mkdisk: --out is required")
		return 1
	}
	if *nsectors <= int(freemap.RootDirSector) {
		fmt.Fprintln(errOut, "mkdisk: --sectors must be large enough to hold the free-block bitmap and root directory")
		return 1
	}
	if !*force {
		if _, err := os.Stat(*path); err == nil {
			fmt.Fprintf(errOut, "mkdisk: %s already exists (use --force to overwrite)\n", *path)
			return 1
		}
	}

	if err := format(*path, *nsectors); err != nil {
		fmt.Fprintln(errOut, "mkdisk:", err)
		return 1
	}

	// The image carries no on-disk volume field; this id is purely an
	// operator-facing label for telling formatting runs apart in logs.
	volumeID, err := uuid.NewV7()
	if err != nil {
		fmt.Fprintln(errOut, "mkdisk:", err)
		return 1
	}
	fmt.Fprintf(out, "formatted %s: %d sectors (%d bytes), root directory at sector %d, volume id %s\n",
		*path, *nsectors, int64(*nsectors)*defs.SectorSize, freemap.RootDirSector, volumeID)
	return 0
}

// format builds the image in a scratch file, then atomically replaces
// path with the finished result so a crash or interrupted run never
// leaves a partially-formatted image where a caller expects one.
func format(path string, nsectors int) error {
	scratch, err := os.CreateTemp("", "mkdisk-*.img")
	if err != nil {
		return err
	}
	scratchPath := scratch.Name()
	scratch.Close()
	defer os.Remove(scratchPath)

	d, err := device.Create(scratchPath, nsectors, device.RoleFilesystem)
	if err != nil {
		return err
	}

	c, err := cache.New(d, cache.NCache)
	if err != nil {
		d.Close()
		return err
	}

	fm, err := freemap.Format(c, nsectors)
	if err != nil {
		c.Close()
		d.Close()
		return err
	}
	tbl := inode.NewTable(c, fm)
	if _, err := inode.InitRoot(tbl); err != nil {
		c.Close()
		d.Close()
		return err
	}

	c.FlushAll()
	c.Close()
	d.Close()

	raw, err := os.ReadFile(scratchPath)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(raw))
}
