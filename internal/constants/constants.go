package constants

import "time"

// Default configuration constants
const (
	// DefaultQueueDepth is the default number of commands a queue pair may
	// have outstanding at once
	DefaultQueueDepth = 128

	// DefaultNumQueues is the default number of I/O queue pairs per target
	DefaultNumQueues = 1

	// DefaultLogicalBlockSize is the default logical block size in bytes
	DefaultLogicalBlockSize = 512

	// DefaultMaxIOSize is the default maximum data transfer per command (128KB)
	DefaultMaxIOSize = 128 * 1024

	// DefaultMaxDiscardSizeKiB limits a single deallocate range; 0 means no limit
	DefaultMaxDiscardSizeKiB = 0

	// DefaultMaxWriteZeroesSizeKiB limits a single write zeroes; 0 means no limit
	DefaultMaxWriteZeroesSizeKiB = 0

	// DefaultChannelIOs is the number of device operations a memory channel
	// can hold in flight before submissions fail with ENOMEM
	DefaultChannelIOs = 256

	// DefaultACWU is the atomic compare and write unit in blocks
	DefaultACWU = 1
)

// Request limits
const (
	// MaxSGLEntries is the number of SGL descriptors a transport may map
	MaxSGLEntries = 16

	// MaxBuffersPerRequest bounds the buffer list attached to a request,
	// including zero-copy buffers provided by the device
	MaxBuffersPerRequest = MaxSGLEntries*2 + 1

	// ZeroCopySegmentSize is the size of each device buffer handed out by
	// a zero-copy start
	ZeroCopySegmentSize = 64 * 1024
)

// Timing constants for the queue workers
const (
	// PollInterval is how long an idle worker sleeps between completion polls
	PollInterval = 50 * time.Microsecond

	// StopTimeout bounds how long Stop waits for a worker to drain
	StopTimeout = 5 * time.Second
)
