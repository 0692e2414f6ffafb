//go:build !unix

package shm

import (
	"os"
	"path/filepath"
)

func DefaultPath(name string) string {
	return filepath.Join(os.TempDir(), "shmcounters-"+name)
}

func Create(string, int) (*Segment, error) {
	return nil, ErrUnsupported
}

func Open(string, bool) (*Segment, error) {
	return nil, ErrUnsupported
}
