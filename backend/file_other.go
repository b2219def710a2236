//go:build !linux

package backend

import (
	"errors"

	"github.com/behrlich/go-nvmf/internal/bdev"
)

// File is only available on Linux, where it is driven by io_uring.
type File struct {
	bdev.Device
}

// OpenFile always fails off Linux.
func OpenFile(path string, blockSize uint32) (*File, error) {
	return nil, errors.New("file backend requires linux io_uring")
}

// Close is a no-op.
func (d *File) Close() error { return nil }
