package ctrlr

import (
	"errors"
	"testing"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/logging"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

type fakeDevice struct {
	blockSize   uint32
	numBlocks   uint64
	unsupported map[bdev.IOType]bool
	dif         bdev.DIFParams
}

func (f *fakeDevice) Name() string                       { return "fake0" }
func (f *fakeDevice) BlockSize() uint32                  { return f.blockSize }
func (f *fakeDevice) NumBlocks() uint64                  { return f.numBlocks }
func (f *fakeDevice) PhysicalBlockSize() uint32          { return f.blockSize }
func (f *fakeDevice) IOTypeSupported(t bdev.IOType) bool { return !f.unsupported[t] }
func (f *fakeDevice) MaxCopy() uint32                    { return 0 }
func (f *fakeDevice) ACWU() uint16                       { return 1 }
func (f *fakeDevice) OptimalIOBoundary() uint32          { return 0 }
func (f *fakeDevice) WriteUnitSize() uint32              { return 1 }
func (f *fakeDevice) DIF() bdev.DIFParams                { return f.dif }
func (f *fakeDevice) OpenChannel() (bdev.Channel, error) { return nil, bdev.ErrNotSupported }

var errChannelClosed = errors.New("channel closed")

type fakeIO struct {
	cdw0          uint32
	sct, sc       uint8
	cmpSCT, cmpSC uint8
	bufs          [][]byte
	freed         int
}

func (io *fakeIO) NVMeStatus() (uint32, uint8, uint8) { return io.cdw0, io.sct, io.sc }
func (io *fakeIO) FusedNVMeStatus() (uint32, uint8, uint8, uint8, uint8) {
	return io.cdw0, io.cmpSCT, io.cmpSC, io.sct, io.sc
}
func (io *fakeIO) Buffers() [][]byte { return io.bufs }
func (io *fakeIO) Free()             { io.freed++ }

func okIO() *fakeIO { return &fakeIO{} }

func failIO(sct, sc uint8) *fakeIO { return &fakeIO{sct: sct, sc: sc} }

// submission records one accepted or rejected channel call.
type submission struct {
	op       bdev.IOType
	offset   uint64
	num      uint64
	src      uint64
	bufs     [][]byte
	cmpBufs  [][]byte
	buf      []byte
	length   uint32
	populate bool
	commit   bool
	opts     *bdev.ExtIOOpts
	cmd      *nvme.Command
	target   any
	io       bdev.IO
	cb       bdev.Callback
	arg      any
	err      error
}

// fakeChannel accepts submissions and lets the test decide when and how
// each one completes.
type fakeChannel struct {
	attempts []*submission // every call, including rejected ones
	subs     []*submission // accepted calls
	errs     []error       // results for upcoming calls, nil when empty
	waits    []*bdev.IOWaitEntry
	onSubmit func(s *submission)

	// refuseWaits makes QueueIOWait fail as a closed channel does
	refuseWaits bool
}

func (c *fakeChannel) submit(s *submission) error {
	c.attempts = append(c.attempts, s)
	if len(c.errs) > 0 {
		s.err, c.errs = c.errs[0], c.errs[1:]
		if s.err != nil {
			return s.err
		}
	}
	c.subs = append(c.subs, s)
	if c.onSubmit != nil {
		c.onSubmit(s)
	}
	return nil
}

// finish completes accepted submission i.
func (c *fakeChannel) finish(i int, io *fakeIO, success bool) {
	s := c.subs[i]
	s.cb(io, success, s.arg)
}

// wake resumes every parked request in registration order.
func (c *fakeChannel) wake() {
	waits := c.waits
	c.waits = nil
	for _, w := range waits {
		w.Callback(w.Arg)
	}
}

// wakeReverse resumes every parked request newest first.
func (c *fakeChannel) wakeReverse() {
	waits := c.waits
	c.waits = nil
	for i := len(waits) - 1; i >= 0; i-- {
		waits[i].Callback(waits[i].Arg)
	}
}

func (c *fakeChannel) ReadBlocks(bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any, opts *bdev.ExtIOOpts) error {
	return c.submit(&submission{op: bdev.IOTypeRead, bufs: bufs, offset: offset, num: num, cb: cb, arg: arg, opts: opts})
}

func (c *fakeChannel) WriteBlocks(bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any, opts *bdev.ExtIOOpts) error {
	return c.submit(&submission{op: bdev.IOTypeWrite, bufs: bufs, offset: offset, num: num, cb: cb, arg: arg, opts: opts})
}

func (c *fakeChannel) CompareBlocks(bufs [][]byte, offset, num uint64, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeCompare, bufs: bufs, offset: offset, num: num, cb: cb, arg: arg})
}

func (c *fakeChannel) CompareAndWriteBlocks(cmpBufs, writeBufs [][]byte, offset, num uint64, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeCompareAndWrite, cmpBufs: cmpBufs, bufs: writeBufs, offset: offset, num: num, cb: cb, arg: arg})
}

func (c *fakeChannel) WriteZeroesBlocks(offset, num uint64, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeWriteZeroes, offset: offset, num: num, cb: cb, arg: arg})
}

func (c *fakeChannel) FlushBlocks(offset, num uint64, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeFlush, offset: offset, num: num, cb: cb, arg: arg})
}

func (c *fakeChannel) UnmapBlocks(offset, num uint64, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeUnmap, offset: offset, num: num, cb: cb, arg: arg})
}

func (c *fakeChannel) CopyBlocks(dst, src, num uint64, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeCopy, offset: dst, src: src, num: num, cb: cb, arg: arg})
}

func (c *fakeChannel) NVMeIOPassthru(cmd *nvme.Command, bufs [][]byte, length uint32, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeNVMeIO, cmd: cmd, bufs: bufs, length: length, cb: cb, arg: arg})
}

func (c *fakeChannel) NVMeAdminPassthru(cmd *nvme.Command, buf []byte, length uint32, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeNVMeAdmin, cmd: cmd, buf: buf, length: length, cb: cb, arg: arg})
}

func (c *fakeChannel) Abort(target any, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeAbort, target: target, cb: cb, arg: arg})
}

func (c *fakeChannel) ZeroCopyStart(offset, num uint64, populate bool, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeZeroCopy, offset: offset, num: num, populate: populate, cb: cb, arg: arg})
}

func (c *fakeChannel) ZeroCopyEnd(io bdev.IO, commit bool, cb bdev.Callback, arg any) error {
	return c.submit(&submission{op: bdev.IOTypeZeroCopy, io: io, commit: commit, cb: cb, arg: arg})
}

func (c *fakeChannel) QueueIOWait(entry *bdev.IOWaitEntry) error {
	if c.refuseWaits {
		return errChannelClosed
	}
	c.waits = append(c.waits, entry)
	return nil
}

func (c *fakeChannel) Poll() int    { return 0 }
func (c *fakeChannel) Close() error { return nil }

var (
	_ bdev.Device  = (*fakeDevice)(nil)
	_ bdev.Channel = (*fakeChannel)(nil)
	_ bdev.IO      = (*fakeIO)(nil)
)

type harness struct {
	dev  *fakeDevice
	ch   *fakeChannel
	d    *Dispatcher
	qp   *Qpair
	done []*Request
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dev: &fakeDevice{blockSize: 512, numBlocks: 1000, unsupported: map[bdev.IOType]bool{}},
		ch:  &fakeChannel{},
	}
	h.d = NewDispatcher(h.dev, h.ch, logging.Nop())
	h.qp = &Qpair{
		ID:        1,
		Subsystem: &Subsystem{NQN: "nqn.2016-06.io.spdk:test"},
		Completer: CompleterFunc(func(r *Request) { h.done = append(h.done, r) }),
	}
	return h
}

// completions counts deliveries of req to the queue pair.
func (h *harness) completions(req *Request) int {
	n := 0
	for _, r := range h.done {
		if r == req {
			n++
		}
	}
	return n
}

// rw builds a read/write style command. nlb is the block count (1-based).
func (h *harness) rw(opc uint8, slba uint64, nlb uint32, length uint32) *Request {
	req := &Request{Qpair: h.qp, Length: length}
	req.Cmd.SetHeader(opc, nvme.FuseNone, uint16(len(h.done)+1))
	req.Cmd.SetCDW10_11(slba)
	req.Cmd.Dwords[12] = nlb - 1
	if length > 0 {
		req.Buffers = [][]byte{make([]byte, length)}
	}
	return req
}

func (h *harness) fused(opc, fuse uint8, slba uint64, nlb uint32) *Request {
	req := h.rw(opc, slba, nlb, nlb*h.dev.blockSize)
	req.Cmd.SetHeader(opc, fuse, req.Cmd.CID())
	return req
}
