package backend

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/bufpool"
	"github.com/behrlich/go-nvmf/internal/constants"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// memOp is one operation slot of a MemoryChannel. Work is deferred to Poll so
// completions are always asynchronous and can be aborted until then.
type memOp struct {
	ch   *MemoryChannel
	typ  bdev.IOType
	exec func(op *memOp)
	cb   bdev.Callback
	arg  any

	fault   *Fault
	aborted bool
	ok      bool

	cdw0          uint32
	sct, sc       uint8
	cmpSCT, cmpSC uint8

	// operands
	bufs     [][]byte
	cmpBufs  [][]byte
	offset   uint64
	num      uint64
	src      uint64
	cmd      nvme.Command
	populate bool
}

func (o *memOp) NVMeStatus() (uint32, uint8, uint8) { return o.cdw0, o.sct, o.sc }

func (o *memOp) FusedNVMeStatus() (uint32, uint8, uint8, uint8, uint8) {
	return o.cdw0, o.cmpSCT, o.cmpSC, o.sct, o.sc
}

// Buffers returns the device buffers of a zero-copy operation.
func (o *memOp) Buffers() [][]byte {
	if o.typ != bdev.IOTypeZeroCopy {
		return nil
	}
	return o.bufs
}

func (o *memOp) Free() { o.ch.release(o) }

func (o *memOp) setStatus(sct, sc uint8) {
	o.sct, o.sc = sct, sc
	o.ok = sct == nvme.SCTGeneric && sc == nvme.SCSuccess
}

// setError maps a device error onto an NVMe status.
func (o *memOp) setError(err error) {
	switch {
	case err == nil:
		o.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
	case errors.Is(err, errOutOfRange):
		o.setStatus(nvme.SCTGeneric, nvme.SCLBAOutOfRange)
	case errors.Is(err, unix.EFAULT):
		o.setStatus(nvme.SCTGeneric, nvme.SCDataSGLLengthInvalid)
	case errors.Is(err, unix.ENODEV):
		o.setStatus(nvme.SCTGeneric, nvme.SCNamespaceNotReady)
	default:
		o.setStatus(nvme.SCTGeneric, nvme.SCInternalDeviceError)
	}
}

// MemoryChannel is a submission channel on a Memory device. Each channel owns
// a fixed pool of operation slots; a submission with no free slot fails with
// bdev.ErrNoMemory and the submitter may park on QueueIOWait until Poll
// frees one.
type MemoryChannel struct {
	mem     *Memory
	slots   []memOp
	free    []*memOp
	pending []*memOp
	waiters waitQueue
	closed  bool
}

func newMemoryChannel(m *Memory, ios int) *MemoryChannel {
	c := &MemoryChannel{
		mem:   m,
		slots: make([]memOp, ios),
		free:  make([]*memOp, 0, ios),
	}
	for i := range c.slots {
		c.slots[i].ch = c
		c.free = append(c.free, &c.slots[i])
	}
	return c
}

// InFlight returns the number of slots in use.
func (c *MemoryChannel) InFlight() int { return len(c.slots) - len(c.free) }

// Waiting returns the number of parked submitters.
func (c *MemoryChannel) Waiting() int { return c.waiters.len() }

// get takes a slot for an operation of class t, or reports why it cannot.
func (c *MemoryChannel) get(t bdev.IOType) (*memOp, error) {
	if c.closed {
		return nil, unix.EBADF
	}
	if !c.mem.IOTypeSupported(t) {
		return nil, bdev.ErrNotSupported
	}
	if len(c.free) == 0 {
		return nil, bdev.ErrNoMemory
	}
	var fault *Fault
	if f, ok := c.mem.takeFault(t); ok {
		if f.SubmitErr != nil {
			return nil, f.SubmitErr
		}
		fault = &f
	}

	op := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	*op = memOp{ch: c, typ: t, fault: fault}
	return op, nil
}

func (c *MemoryChannel) queue(op *memOp, cb bdev.Callback, arg any) {
	op.cb, op.arg = cb, arg
	c.pending = append(c.pending, op)
	c.mem.count(op.typ)
}

func (c *MemoryChannel) release(op *memOp) {
	if op.typ == bdev.IOTypeZeroCopy && op.bufs != nil {
		bufpool.PutAll(op.bufs)
	}
	*op = memOp{ch: c}
	c.free = append(c.free, op)
}

func (c *MemoryChannel) ReadBlocks(bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any, opts *bdev.ExtIOOpts) error {
	op, err := c.get(bdev.IOTypeRead)
	if err != nil {
		return err
	}
	op.bufs, op.offset, op.num = bufs, offset, num
	op.exec = func(op *memOp) {
		op.setError(c.mem.readBlocks(op.bufs, op.offset, op.num))
	}
	c.queue(op, cb, arg)
	return nil
}

func (c *MemoryChannel) WriteBlocks(bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any, opts *bdev.ExtIOOpts) error {
	op, err := c.get(bdev.IOTypeWrite)
	if err != nil {
		return err
	}
	op.bufs, op.offset, op.num = bufs, offset, num
	op.exec = func(op *memOp) {
		op.setError(c.mem.writeBlocks(op.bufs, op.offset, op.num))
	}
	c.queue(op, cb, arg)
	return nil
}

func (c *MemoryChannel) CompareBlocks(bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any) error {
	op, err := c.get(bdev.IOTypeCompare)
	if err != nil {
		return err
	}
	op.bufs, op.offset, op.num = bufs, offset, num
	op.exec = func(op *memOp) {
		equal, err := c.mem.compareBlocks(op.bufs, op.offset, op.num)
		if err == nil && !equal {
			op.setStatus(nvme.SCTMediaError, nvme.SCCompareFailure)
			return
		}
		op.setError(err)
	}
	c.queue(op, cb, arg)
	return nil
}

func (c *MemoryChannel) CompareAndWriteBlocks(cmpBufs, writeBufs [][]byte, offset, num uint64, cb bdev.Callback, arg any) error {
	op, err := c.get(bdev.IOTypeCompareAndWrite)
	if err != nil {
		return err
	}
	op.cmpBufs, op.bufs, op.offset, op.num = cmpBufs, writeBufs, offset, num
	op.exec = func(op *memOp) {
		equal, err := c.mem.compareAndWrite(op.cmpBufs, op.bufs, op.offset, op.num)
		switch {
		case err != nil:
			op.setError(err)
			op.cmpSCT, op.cmpSC = op.sct, op.sc
			op.setStatus(nvme.SCTGeneric, nvme.SCAbortedFailedFused)
		case !equal:
			op.cmpSCT, op.cmpSC = nvme.SCTMediaError, nvme.SCCompareFailure
			op.setStatus(nvme.SCTGeneric, nvme.SCAbortedFailedFused)
		default:
			op.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
		}
	}
	c.queue(op, cb, arg)
	return nil
}

func (c *MemoryChannel) WriteZeroesBlocks(offset, num uint64, cb bdev.Callback, arg any) error {
	return c.zeroes(bdev.IOTypeWriteZeroes, offset, num, cb, arg)
}

func (c *MemoryChannel) UnmapBlocks(offset, num uint64, cb bdev.Callback, arg any) error {
	return c.zeroes(bdev.IOTypeUnmap, offset, num, cb, arg)
}

// zeroes serves write zeroes and deallocate; deallocated blocks read back
// as zeroes.
func (c *MemoryChannel) zeroes(t bdev.IOType, offset, num uint64, cb bdev.Callback, arg any) error {
	op, err := c.get(t)
	if err != nil {
		return err
	}
	op.offset, op.num = offset, num
	op.exec = func(op *memOp) {
		op.setError(c.mem.zeroBlocks(op.offset, op.num))
	}
	c.queue(op, cb, arg)
	return nil
}

func (c *MemoryChannel) FlushBlocks(offset, num uint64, cb bdev.Callback, arg any) error {
	op, err := c.get(bdev.IOTypeFlush)
	if err != nil {
		return err
	}
	op.exec = func(op *memOp) {
		op.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
	}
	c.queue(op, cb, arg)
	return nil
}

func (c *MemoryChannel) CopyBlocks(dst, src, num uint64, cb bdev.Callback, arg any) error {
	op, err := c.get(bdev.IOTypeCopy)
	if err != nil {
		return err
	}
	op.offset, op.src, op.num = dst, src, num
	op.exec = func(op *memOp) {
		op.setError(c.mem.copyBlocks(op.offset, op.src, op.num))
	}
	c.queue(op, cb, arg)
	return nil
}

func (c *MemoryChannel) NVMeIOPassthru(cmd *nvme.Command, bufs [][]byte, length uint32, cb bdev.Callback, arg any) error {
	return c.passthru(bdev.IOTypeNVMeIO, c.mem.opts.IOPassthru, cmd, bufs, cb, arg)
}

func (c *MemoryChannel) NVMeAdminPassthru(cmd *nvme.Command, buf []byte, length uint32, cb bdev.Callback, arg any) error {
	var bufs [][]byte
	if buf != nil {
		bufs = [][]byte{buf}
	}
	return c.passthru(bdev.IOTypeNVMeAdmin, c.mem.opts.AdminPassthru, cmd, bufs, cb, arg)
}

func (c *MemoryChannel) passthru(t bdev.IOType, fn PassthruFunc, cmd *nvme.Command, bufs [][]byte, cb bdev.Callback, arg any) error {
	op, err := c.get(t)
	if err != nil {
		return err
	}
	op.cmd, op.bufs = *cmd, bufs
	op.exec = func(op *memOp) {
		var sct, sc uint8
		op.cdw0, sct, sc = fn(&op.cmd, op.bufs)
		op.setStatus(sct, sc)
	}
	c.queue(op, cb, arg)
	return nil
}

// Abort cancels every pending operation submitted with arg == target. The
// abort succeeds if at least one was cancelled. Cancelled operations still
// complete through their own callbacks, with Aborted By Request status.
func (c *MemoryChannel) Abort(target any, cb bdev.Callback, arg any) error {
	op, err := c.get(bdev.IOTypeAbort)
	if err != nil {
		return err
	}
	found := 0
	for _, p := range c.pending {
		if p.arg == target && !p.aborted {
			p.aborted = true
			found++
		}
	}
	op.exec = func(op *memOp) {
		op.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
		op.ok = found > 0
	}
	c.queue(op, cb, arg)
	return nil
}

// ZeroCopyStart lends pooled buffers covering the block range. The buffers
// are returned to the pool when the operation is freed after ZeroCopyEnd.
func (c *MemoryChannel) ZeroCopyStart(offset, num uint64, populate bool, cb bdev.Callback, arg any) error {
	if err := c.mem.checkSpan(offset, num); err != nil {
		return err
	}
	op, err := c.get(bdev.IOTypeZeroCopy)
	if err != nil {
		return err
	}
	total := num * uint64(c.mem.blockSize)
	bufs := bufpool.Split(int(total), constants.ZeroCopySegmentSize, constants.MaxBuffersPerRequest, !populate)
	if bufs == nil {
		c.release(op)
		return unix.EINVAL
	}
	op.bufs, op.offset, op.num, op.populate = bufs, offset, num, populate
	op.exec = func(op *memOp) {
		if op.populate {
			op.setError(c.mem.readBlocks(op.bufs, op.offset, op.num))
			return
		}
		op.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
	}
	c.queue(op, cb, arg)
	return nil
}

// ZeroCopyEnd finishes a session on the same slot that started it.
func (c *MemoryChannel) ZeroCopyEnd(io bdev.IO, commit bool, cb bdev.Callback, arg any) error {
	op, ok := io.(*memOp)
	if !ok || op.ch != c || op.typ != bdev.IOTypeZeroCopy || op.bufs == nil {
		return unix.EINVAL
	}
	if c.closed {
		return unix.EBADF
	}
	op.aborted, op.fault = false, nil
	op.exec = func(op *memOp) {
		if commit {
			op.setError(c.mem.writeBlocks(op.bufs, op.offset, op.num))
			return
		}
		op.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
	}
	c.queue(op, cb, arg)
	return nil
}

// QueueIOWait parks entry until the next Poll that finds a free slot.
func (c *MemoryChannel) QueueIOWait(entry *bdev.IOWaitEntry) error {
	if c.closed {
		return unix.EBADF
	}
	c.waiters.add(entry)
	return nil
}

// Poll executes every pending operation, runs its callback, then resumes
// parked submitters if slots are free.
func (c *MemoryChannel) Poll() int {
	batch := c.pending
	c.pending = nil
	for _, op := range batch {
		c.run(op)
		op.cb(op, op.ok, op.arg)
	}
	if len(c.free) > 0 {
		c.waiters.resume()
	}
	return len(batch)
}

func (c *MemoryChannel) run(op *memOp) {
	switch {
	case op.aborted:
		op.setStatus(nvme.SCTGeneric, nvme.SCAbortedByRequest)
	case op.fault != nil:
		op.setStatus(op.fault.SCT, op.fault.SC)
		if op.typ == bdev.IOTypeCompareAndWrite && !op.ok {
			op.cmpSCT, op.cmpSC = op.fault.SCT, op.fault.SC
			op.sct, op.sc = nvme.SCTGeneric, nvme.SCAbortedFailedFused
		}
	default:
		op.exec(op)
	}
}

// Close fails pending operations with Aborted SQ Deletion. Parked submitters
// are resumed once more; their replays fail against the closed channel.
func (c *MemoryChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	batch := c.pending
	c.pending = nil
	for _, op := range batch {
		op.setStatus(nvme.SCTGeneric, nvme.SCAbortedSQDeletion)
		op.cb(op, false, op.arg)
	}
	c.waiters.resume()

	c.mem.mu.Lock()
	c.mem.channels--
	c.mem.mu.Unlock()
	return nil
}

var (
	_ bdev.Channel = (*MemoryChannel)(nil)
	_ bdev.IO      = (*memOp)(nil)
)
