// Package bufpool provides pooled byte slices for device-owned data buffers.
//
// Zero-copy sessions hand device buffers to the transport and get them back
// at end time, and the memory backend stages copy and compare-and-write data
// through scratch buffers. Both are sized in whole blocks, so three power-of-16
// buckets (4KB, 64KB, 1MB) cover them. Larger requests are allocated directly.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.
package bufpool

import "sync"

// Bucket sizes
const (
	Size4K  = 4 * 1024
	Size64K = 64 * 1024
	Size1M  = 1024 * 1024
)

var pools = struct {
	p4k  sync.Pool
	p64k sync.Pool
	p1m  sync.Pool
}{
	p4k:  sync.Pool{New: func() any { b := make([]byte, Size4K); return &b }},
	p64k: sync.Pool{New: func() any { b := make([]byte, Size64K); return &b }},
	p1m:  sync.Pool{New: func() any { b := make([]byte, Size1M); return &b }},
}

// Get returns a buffer of length size. Contents are unspecified.
// Caller must call Put when done.
func Get(size int) []byte {
	switch {
	case size <= Size4K:
		return (*pools.p4k.Get().(*[]byte))[:size]
	case size <= Size64K:
		return (*pools.p64k.Get().(*[]byte))[:size]
	case size <= Size1M:
		return (*pools.p1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// GetZeroed is Get with the returned bytes cleared.
func GetZeroed(size int) []byte {
	b := Get(size)
	clear(b)
	return b
}

// Put returns a buffer to the pool.
// The buffer's capacity determines which pool it goes to.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case Size4K:
		pools.p4k.Put(&buf)
	case Size64K:
		pools.p64k.Put(&buf)
	case Size1M:
		pools.p1m.Put(&buf)
		// Buffers with non-standard capacity are left to the GC
	}
}

// Split carves total bytes into segments no larger than segSize, each drawn
// from the pool. It returns nil if more than maxSegs segments would be needed.
func Split(total, segSize, maxSegs int, zeroed bool) [][]byte {
	if total <= 0 || segSize <= 0 {
		return nil
	}
	n := (total + segSize - 1) / segSize
	if n > maxSegs {
		return nil
	}
	segs := make([][]byte, 0, n)
	for total > 0 {
		sz := min(total, segSize)
		if zeroed {
			segs = append(segs, GetZeroed(sz))
		} else {
			segs = append(segs, Get(sz))
		}
		total -= sz
	}
	return segs
}

// PutAll returns every segment of a list to the pool.
func PutAll(segs [][]byte) {
	for _, s := range segs {
		Put(s)
	}
}
