//go:build unix

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultPath places a named segment in /dev/shm when it exists and in the
// temporary directory otherwise.
func DefaultPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "shmcounters-"+name)
	}
	return filepath.Join(os.TempDir(), "shmcounters-"+name)
}

// Create makes a new file-backed segment at path. It fails if the file exists.
func Create(path string, maxCounters int) (*Segment, error) {
	layout, err := CalculateLayout(maxCounters)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}
	cleanup := func() {
		_ = file.Close()
		_ = os.Remove(path)
	}

	if err := file.Truncate(int64(layout.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, layout.TotalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	s := &Segment{
		mem:    mem,
		layout: layout,
		path:   path,
		file:   file,
		owner:  true,
		unmap:  unix.Munmap,
	}
	s.initHeader()
	return s, nil
}

// Open maps an existing segment. A read-only mapping is enough for
// inspection tools; clients that update counter values need read-write.
func Open(path string, readOnly bool) (*Segment, error) {
	flag, prot := os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	if readOnly {
		flag, prot = os.O_RDONLY, unix.PROT_READ
	}

	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	if info.Size() < SegmentHeaderSize {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, info.Size())
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	layout, err := readLayout(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		_ = file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}

	s := &Segment{
		mem:    mem,
		layout: layout,
		path:   path,
		file:   file,
		unmap:  unix.Munmap,
	}
	if !s.Ready() {
		_ = s.Close()
		return nil, ErrNotReady
	}
	return s, nil
}
