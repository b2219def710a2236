//go:build linux

package backend

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/constants"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// File is a block device backed by a regular file or block special file.
// Each channel drives its own io_uring; reads and writes are issued as
// readv/writev straight from the request buffers.
type File struct {
	f         *os.File
	fd        int
	size      int64
	blockSize uint32
	ringSize  uint32
}

// OpenFile opens path as a device with the given logical block size. The
// device capacity is the file size rounded down to whole blocks.
func OpenFile(path string, blockSize uint32) (*File, error) {
	if blockSize == 0 {
		blockSize = constants.DefaultLogicalBlockSize
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := st.Size()
	size -= size % int64(blockSize)
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("%s: smaller than one %d byte block", path, blockSize)
	}
	return &File{
		f:         f,
		fd:        int(f.Fd()),
		size:      size,
		blockSize: blockSize,
		ringSize:  constants.DefaultQueueDepth,
	}, nil
}

func (d *File) Name() string              { return d.f.Name() }
func (d *File) BlockSize() uint32         { return d.blockSize }
func (d *File) NumBlocks() uint64         { return uint64(d.size) / uint64(d.blockSize) }
func (d *File) PhysicalBlockSize() uint32 { return d.blockSize }
func (d *File) MaxCopy() uint32           { return 0 }
func (d *File) ACWU() uint16              { return 0 }
func (d *File) OptimalIOBoundary() uint32 { return 0 }
func (d *File) WriteUnitSize() uint32     { return 1 }
func (d *File) DIF() bdev.DIFParams       { return bdev.DIFParams{} }

// IOTypeSupported reports read, write and flush.
func (d *File) IOTypeSupported(t bdev.IOType) bool {
	switch t {
	case bdev.IOTypeRead, bdev.IOTypeWrite, bdev.IOTypeFlush:
		return true
	}
	return false
}

// OpenChannel creates a ring for one worker.
func (d *File) OpenChannel() (bdev.Channel, error) {
	ring, err := giouring.CreateRing(d.ringSize)
	if err != nil {
		return nil, fmt.Errorf("create io_uring: %w", err)
	}
	c := &FileChannel{
		dev:  d,
		ring: ring,
		ops:  make([]fileOp, d.ringSize),
		free: make([]*fileOp, 0, d.ringSize),
	}
	for i := range c.ops {
		c.ops[i].ch = c
		c.ops[i].idx = uint64(i)
		c.free = append(c.free, &c.ops[i])
	}
	return c, nil
}

// Close closes the underlying file.
func (d *File) Close() error {
	return d.f.Close()
}

type fileOp struct {
	ch     *FileChannel
	idx    uint64
	typ    bdev.IOType
	iovecs [constants.MaxBuffersPerRequest]unix.Iovec
	bufs   [][]byte // kept reachable while the kernel uses them
	want   int64
	res    int32
	cb     bdev.Callback
	arg    any
}

func (o *fileOp) NVMeStatus() (uint32, uint8, uint8) {
	switch {
	case o.res >= 0 && int64(o.res) >= o.want:
		return 0, nvme.SCTGeneric, nvme.SCSuccess
	case o.res >= 0:
		return 0, nvme.SCTGeneric, nvme.SCDataTransferError
	case unix.Errno(-o.res) == unix.EIO && o.typ == bdev.IOTypeRead:
		return 0, nvme.SCTMediaError, nvme.SCUnrecoveredReadError
	case unix.Errno(-o.res) == unix.EIO:
		return 0, nvme.SCTMediaError, nvme.SCWriteFaults
	default:
		return 0, nvme.SCTGeneric, nvme.SCInternalDeviceError
	}
}

func (o *fileOp) FusedNVMeStatus() (uint32, uint8, uint8, uint8, uint8) {
	cdw0, sct, sc := o.NVMeStatus()
	return cdw0, sct, sc, sct, sc
}

func (o *fileOp) Buffers() [][]byte { return nil }

func (o *fileOp) Free() { o.ch.release(o) }

func (o *fileOp) ok() bool {
	_, sct, sc := o.NVMeStatus()
	return sct == nvme.SCTGeneric && sc == nvme.SCSuccess
}

// FileChannel submits to one io_uring. Submissions are batched and flushed
// to the kernel by Poll.
type FileChannel struct {
	dev      *File
	ring     *giouring.Ring
	ops      []fileOp
	free     []*fileOp
	queued   int // prepared SQEs not yet submitted
	inflight int
	waiters  waitQueue
	closed   bool
}

func (c *FileChannel) get(t bdev.IOType) (*fileOp, *giouring.SubmissionQueueEntry, error) {
	if c.closed {
		return nil, nil, unix.EBADF
	}
	if !c.dev.IOTypeSupported(t) {
		return nil, nil, bdev.ErrNotSupported
	}
	if len(c.free) == 0 {
		return nil, nil, bdev.ErrNoMemory
	}
	sqe := c.ring.GetSQE()
	if sqe == nil {
		return nil, nil, bdev.ErrNoMemory
	}
	op := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	op.typ = t
	sqe.UserData = op.idx
	return op, sqe, nil
}

func (c *FileChannel) release(op *fileOp) {
	op.bufs, op.cb, op.arg = nil, nil, nil
	c.free = append(c.free, op)
}

func (c *FileChannel) queue(op *fileOp, cb bdev.Callback, arg any) {
	op.cb, op.arg = cb, arg
	c.queued++
	c.inflight++
}

// vectors fills op.iovecs with the first n bytes of bufs.
func (op *fileOp) vectors(bufs [][]byte, n int64) (int, error) {
	cnt := 0
	left := n
	for _, b := range bufs {
		if left == 0 {
			break
		}
		if len(b) == 0 {
			continue
		}
		if cnt == len(op.iovecs) {
			return 0, unix.EINVAL
		}
		k := min(int64(len(b)), left)
		op.iovecs[cnt].Base = &b[0]
		op.iovecs[cnt].SetLen(int(k))
		cnt++
		left -= k
	}
	if left > 0 {
		return 0, unix.EFAULT
	}
	return cnt, nil
}

func (c *FileChannel) rw(t bdev.IOType, bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any) error {
	if offset > c.dev.NumBlocks() || num > c.dev.NumBlocks()-offset {
		return unix.EINVAL
	}
	n := int64(num) * int64(c.dev.blockSize)
	op, sqe, err := c.get(t)
	if err != nil {
		return err
	}
	cnt, err := op.vectors(bufs, n)
	if err != nil {
		// the SQE is already reserved; turn it into a no-op
		sqe.PrepareNop()
		op.want = 0
		c.queue(op, func(io bdev.IO, _ bool, _ any) { io.Free() }, nil)
		return err
	}
	op.bufs, op.want = bufs, n
	iov := uintptr(unsafe.Pointer(&op.iovecs[0]))
	off := offset * uint64(c.dev.blockSize)
	if t == bdev.IOTypeRead {
		sqe.PrepareReadv(c.dev.fd, iov, uint32(cnt), off)
	} else {
		sqe.PrepareWritev(c.dev.fd, iov, uint32(cnt), off)
	}
	c.queue(op, cb, arg)
	return nil
}

func (c *FileChannel) ReadBlocks(bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any, opts *bdev.ExtIOOpts) error {
	return c.rw(bdev.IOTypeRead, bufs, offset, num, cb, arg)
}

func (c *FileChannel) WriteBlocks(bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any, opts *bdev.ExtIOOpts) error {
	return c.rw(bdev.IOTypeWrite, bufs, offset, num, cb, arg)
}

func (c *FileChannel) FlushBlocks(offset, num uint64, cb bdev.Callback, arg any) error {
	op, sqe, err := c.get(bdev.IOTypeFlush)
	if err != nil {
		return err
	}
	op.want = 0
	sqe.PrepareFsync(c.dev.fd, 0)
	c.queue(op, cb, arg)
	return nil
}

func (c *FileChannel) CompareBlocks([][]byte, uint64, uint64, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) CompareAndWriteBlocks([][]byte, [][]byte, uint64, uint64, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) WriteZeroesBlocks(uint64, uint64, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) UnmapBlocks(uint64, uint64, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) CopyBlocks(uint64, uint64, uint64, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) NVMeIOPassthru(*nvme.Command, [][]byte, uint32, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) NVMeAdminPassthru(*nvme.Command, []byte, uint32, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) Abort(any, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) ZeroCopyStart(uint64, uint64, bool, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) ZeroCopyEnd(bdev.IO, bool, bdev.Callback, any) error {
	return bdev.ErrNotSupported
}

func (c *FileChannel) QueueIOWait(entry *bdev.IOWaitEntry) error {
	if c.closed {
		return unix.EBADF
	}
	c.waiters.add(entry)
	return nil
}

// Poll submits prepared SQEs, reaps available CQEs and resumes parked
// submitters once slots are free.
func (c *FileChannel) Poll() int {
	if c.queued > 0 {
		if n, err := c.ring.Submit(); err == nil {
			c.queued -= int(n)
		} else if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EBUSY) {
			c.queued = 0
		}
	}

	done := 0
	for c.inflight > 0 {
		cqe, err := c.ring.PeekCQE()
		if err != nil || cqe == nil {
			break
		}
		c.reap(cqe)
		done++
	}

	if len(c.free) > 0 {
		c.waiters.resume()
	}
	return done
}

func (c *FileChannel) reap(cqe *giouring.CompletionQueueEvent) {
	idx, res := cqe.UserData, cqe.Res
	c.ring.CQESeen(cqe)
	c.inflight--
	if idx >= uint64(len(c.ops)) {
		return
	}
	op := &c.ops[idx]
	op.res = res
	op.cb(op, op.ok(), op.arg)
}

// Close waits for in-flight operations and tears the ring down. Parked
// submitters are resumed once more; their replays fail against the closed
// channel.
func (c *FileChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.queued > 0 {
		c.ring.Submit()
		c.queued = 0
	}
	for c.inflight > 0 {
		cqe, err := c.ring.WaitCQE()
		if err != nil {
			break
		}
		c.reap(cqe)
	}
	c.waiters.resume()
	c.ring.QueueExit()
	return nil
}

var (
	_ bdev.Device  = (*File)(nil)
	_ bdev.Channel = (*FileChannel)(nil)
	_ bdev.IO      = (*fileOp)(nil)
)
