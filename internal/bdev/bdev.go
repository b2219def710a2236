// Package bdev defines the block-device abstraction the target core submits to.
//
// A Device is a read-only description of a namespace's backing store. All
// submissions go through a Channel, which is owned by exactly one worker: the
// worker that submits on a channel is the same worker that polls it, so every
// completion callback for a channel runs on its submitting goroutine.
package bdev

import (
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-nvmf/internal/nvme"
)

// Submission errors. Any other error returned by a Channel method is treated
// as a device failure.
var (
	// ErrNoMemory reports a transient lack of submission resources. The caller
	// may register an IOWaitEntry and replay the submission later.
	ErrNoMemory error = unix.ENOMEM

	// ErrNotSupported reports that the device cannot execute the request at all.
	ErrNotSupported error = unix.ENOTSUP
)

// IOType identifies a class of device operation.
type IOType int

const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeCompare
	IOTypeCompareAndWrite
	IOTypeWriteZeroes
	IOTypeFlush
	IOTypeUnmap
	IOTypeCopy
	IOTypeNVMeIO
	IOTypeNVMeAdmin
	IOTypeAbort
	IOTypeZeroCopy
	numIOTypes
)

var ioTypeNames = [numIOTypes]string{
	"read", "write", "compare", "compare_and_write", "write_zeroes",
	"flush", "unmap", "copy", "nvme_io", "nvme_admin", "abort", "zcopy",
}

func (t IOType) String() string {
	if t < 0 || t >= numIOTypes {
		return "unknown"
	}
	return ioTypeNames[t]
}

// DIFType is the end-to-end protection information type of a namespace.
type DIFType int

const (
	DIFDisabled DIFType = iota
	DIFType1
	DIFType2
	DIFType3
)

// DIFParams describes the metadata layout and protection checks of a device.
type DIFParams struct {
	Type           DIFType
	MetadataSize   uint32
	Interleaved    bool // metadata stored inline with each block
	HeadOfMetadata bool // protection tuple in the first bytes of the metadata
	CheckGuard     bool
	CheckRefTag    bool
	CheckAppTag    bool
}

// Device describes a backing block device.
type Device interface {
	// Name returns a human readable identifier for logs.
	Name() string

	// BlockSize returns the logical block size in bytes.
	BlockSize() uint32

	// NumBlocks returns the device capacity in logical blocks.
	NumBlocks() uint64

	// PhysicalBlockSize returns the physical block size in bytes.
	PhysicalBlockSize() uint32

	// IOTypeSupported reports whether the device implements an operation class.
	IOTypeSupported(t IOType) bool

	// MaxCopy returns the largest copy in blocks, or 0 for no limit.
	MaxCopy() uint32

	// ACWU returns the atomic compare and write unit in blocks.
	ACWU() uint16

	// OptimalIOBoundary returns the preferred I/O boundary in blocks, or 0.
	OptimalIOBoundary() uint32

	// WriteUnitSize returns the minimum write granularity in blocks.
	WriteUnitSize() uint32

	// DIF returns the protection information parameters.
	DIF() DIFParams

	// OpenChannel creates a submission channel for one worker.
	OpenChannel() (Channel, error)
}

// IO is a completed device operation handed to a Callback. The IO stays
// valid until Free is called.
type IO interface {
	// NVMeStatus returns the NVMe view of the operation's outcome.
	NVMeStatus() (cdw0 uint32, sct, sc uint8)

	// FusedNVMeStatus returns the compare and write halves of a
	// compare-and-write outcome.
	FusedNVMeStatus() (cdw0 uint32, cmpSCT, cmpSC, wrSCT, wrSC uint8)

	// Buffers returns the data buffers owned by a zero-copy operation.
	Buffers() [][]byte

	// Free returns the operation to its channel.
	Free()
}

// Callback receives the outcome of a submission. arg is the value passed at
// submit time.
type Callback func(io IO, success bool, arg any)

// IOWaitEntry is registered with a channel after ErrNoMemory. The channel
// invokes Callback(Arg) exactly once when resources become available.
type IOWaitEntry struct {
	Device   Device
	Callback func(arg any)
	Arg      any
}

// ExtIOOpts carries per-command options through to the device unchanged.
type ExtIOOpts struct {
	CDW12           uint32
	CDW13           uint32
	MemoryDomain    any
	MemoryDomainCtx any
	AccelSequence   any
}

// Channel is a per-worker submission context. Submit methods return nil when
// the operation was accepted; cb is then invoked exactly once from Poll.
type Channel interface {
	ReadBlocks(bufs [][]byte, offset, num uint64, cb Callback, arg any, opts *ExtIOOpts) error
	WriteBlocks(bufs [][]byte, offset, num uint64, cb Callback, arg any, opts *ExtIOOpts) error
	CompareBlocks(bufs [][]byte, offset, num uint64, cb Callback, arg any) error
	CompareAndWriteBlocks(cmpBufs, writeBufs [][]byte, offset, num uint64, cb Callback, arg any) error
	WriteZeroesBlocks(offset, num uint64, cb Callback, arg any) error
	FlushBlocks(offset, num uint64, cb Callback, arg any) error
	UnmapBlocks(offset, num uint64, cb Callback, arg any) error
	CopyBlocks(dst, src, num uint64, cb Callback, arg any) error

	// NVMeIOPassthru forwards a raw I/O command.
	NVMeIOPassthru(cmd *nvme.Command, bufs [][]byte, length uint32, cb Callback, arg any) error

	// NVMeAdminPassthru forwards a raw admin command with a single data buffer.
	NVMeAdminPassthru(cmd *nvme.Command, buf []byte, length uint32, cb Callback, arg any) error

	// Abort requests cancellation of every in-flight operation whose submit
	// arg equals target.
	Abort(target any, cb Callback, arg any) error

	// ZeroCopyStart reserves device buffers for a block range. With populate
	// set the buffers are filled with the current block contents. The
	// completed IO must later be passed to ZeroCopyEnd.
	ZeroCopyStart(offset, num uint64, populate bool, cb Callback, arg any) error

	// ZeroCopyEnd releases buffers obtained by ZeroCopyStart, writing them
	// back to the device when commit is set.
	ZeroCopyEnd(io IO, commit bool, cb Callback, arg any) error

	// QueueIOWait registers entry to be resumed once submissions can succeed.
	QueueIOWait(entry *IOWaitEntry) error

	// Poll reaps finished operations, running their callbacks, and returns
	// how many completed.
	Poll() int

	// Close releases the channel.
	Close() error
}
