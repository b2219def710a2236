package backend

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

type result struct {
	io      bdev.IO
	success bool
	arg     any
}

// recorder collects callbacks and frees each IO unless told to keep it.
type recorder struct {
	results []result
	keep    bool
}

func (r *recorder) cb(io bdev.IO, success bool, arg any) {
	r.results = append(r.results, result{io, success, arg})
	if !r.keep {
		io.Free()
	}
}

func openMem(t *testing.T, opts MemoryOptions) (*Memory, *MemoryChannel) {
	t.Helper()
	mem := NewMemoryWithOptions(64*512, opts)
	ch, err := mem.OpenChannel()
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return mem, ch.(*MemoryChannel)
}

func status(io bdev.IO) (uint8, uint8) {
	_, sct, sc := io.NVMeStatus()
	return sct, sc
}

func TestMemoryChannelReadWrite(t *testing.T) {
	_, ch := openMem(t, MemoryOptions{})
	rec := &recorder{}

	data := bytes.Repeat([]byte("nvmf"), 256)
	require.NoError(t, ch.WriteBlocks([][]byte{data[:300], data[300:]}, 4, 2, rec.cb, "w", nil))
	assert.Empty(t, rec.results, "completion is deferred to Poll")
	assert.Equal(t, 1, ch.InFlight())

	assert.Equal(t, 1, ch.Poll())
	require.Len(t, rec.results, 1)
	assert.True(t, rec.results[0].success)
	assert.Equal(t, "w", rec.results[0].arg)
	assert.Equal(t, 0, ch.InFlight())

	out := make([]byte, 1024)
	require.NoError(t, ch.ReadBlocks([][]byte{out}, 4, 2, rec.cb, "r", nil))
	ch.Poll()
	assert.Equal(t, data, out)
}

func TestMemoryChannelOutOfRange(t *testing.T) {
	_, ch := openMem(t, MemoryOptions{})
	rec := &recorder{keep: true}

	require.NoError(t, ch.ReadBlocks([][]byte{make([]byte, 1024)}, 63, 2, rec.cb, nil, nil))
	ch.Poll()

	require.Len(t, rec.results, 1)
	assert.False(t, rec.results[0].success)
	sct, sc := status(rec.results[0].io)
	assert.Equal(t, nvme.SCTGeneric, sct)
	assert.Equal(t, nvme.SCLBAOutOfRange, sc)
}

func TestMemoryChannelBoundedPool(t *testing.T) {
	_, ch := openMem(t, MemoryOptions{ChannelIOs: 2})
	rec := &recorder{}
	buf := [][]byte{make([]byte, 512)}

	require.NoError(t, ch.ReadBlocks(buf, 0, 1, rec.cb, 1, nil))
	require.NoError(t, ch.ReadBlocks(buf, 1, 1, rec.cb, 2, nil))
	err := ch.ReadBlocks(buf, 2, 1, rec.cb, 3, nil)
	require.ErrorIs(t, err, bdev.ErrNoMemory)

	resumed := 0
	require.NoError(t, ch.QueueIOWait(&bdev.IOWaitEntry{
		Callback: func(arg any) {
			resumed++
			assert.Equal(t, "retry", arg)
			assert.NoError(t, ch.ReadBlocks(buf, 2, 1, rec.cb, 3, nil))
		},
		Arg: "retry",
	}))
	assert.Equal(t, 1, ch.Waiting())

	ch.Poll()
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 0, ch.Waiting())
	assert.Len(t, rec.results, 2)

	ch.Poll()
	assert.Equal(t, 1, resumed, "resumed exactly once")
	assert.Len(t, rec.results, 3)
}

func TestMemoryChannelWaitersRunOncePerPoll(t *testing.T) {
	_, ch := openMem(t, MemoryOptions{ChannelIOs: 1})

	calls := 0
	var entry *bdev.IOWaitEntry
	entry = &bdev.IOWaitEntry{Callback: func(any) {
		calls++
		// parking again must not loop within the same Poll
		ch.QueueIOWait(entry)
	}}
	require.NoError(t, ch.QueueIOWait(entry))

	ch.Poll()
	assert.Equal(t, 1, calls)
	ch.Poll()
	assert.Equal(t, 2, calls)
}

func TestMemoryChannelWaitersHeldWhileFull(t *testing.T) {
	_, ch := openMem(t, MemoryOptions{ChannelIOs: 1})
	rec := &recorder{keep: true}

	require.NoError(t, ch.FlushBlocks(0, 64, rec.cb, nil))
	calls := 0
	require.NoError(t, ch.QueueIOWait(&bdev.IOWaitEntry{Callback: func(any) { calls++ }}))

	ch.Poll()
	assert.Equal(t, 0, calls, "no free slot while the flush IO is held")

	rec.results[0].io.Free()
	ch.Poll()
	assert.Equal(t, 1, calls)
}

func TestMemoryChannelFaults(t *testing.T) {
	mem, ch := openMem(t, MemoryOptions{})
	rec := &recorder{keep: true}
	boom := errors.New("boom")

	mem.InjectFault(bdev.IOTypeWrite, Fault{SubmitErr: boom})
	mem.InjectFault(bdev.IOTypeWrite, Fault{SCT: nvme.SCTMediaError, SC: nvme.SCWriteFaults})

	buf := [][]byte{make([]byte, 512)}
	assert.ErrorIs(t, ch.WriteBlocks(buf, 0, 1, rec.cb, nil, nil), boom)
	assert.Equal(t, 0, ch.InFlight())

	require.NoError(t, ch.WriteBlocks(buf, 0, 1, rec.cb, nil, nil))
	require.NoError(t, ch.WriteBlocks(buf, 0, 1, rec.cb, nil, nil))
	ch.Poll()

	require.Len(t, rec.results, 2)
	assert.False(t, rec.results[0].success)
	sct, sc := status(rec.results[0].io)
	assert.Equal(t, nvme.SCTMediaError, sct)
	assert.Equal(t, nvme.SCWriteFaults, sc)
	assert.True(t, rec.results[1].success, "faults are one-shot")
}

func TestMemoryChannelCompare(t *testing.T) {
	mem, ch := openMem(t, MemoryOptions{})
	rec := &recorder{keep: true}

	block := bytes.Repeat([]byte{7}, 512)
	_, err := mem.WriteAt(block, 512)
	require.NoError(t, err)

	require.NoError(t, ch.CompareBlocks([][]byte{block}, 1, 1, rec.cb, nil))
	require.NoError(t, ch.CompareBlocks([][]byte{make([]byte, 512)}, 1, 1, rec.cb, nil))
	ch.Poll()

	assert.True(t, rec.results[0].success)
	assert.False(t, rec.results[1].success)
	sct, sc := status(rec.results[1].io)
	assert.Equal(t, nvme.SCTMediaError, sct)
	assert.Equal(t, nvme.SCCompareFailure, sc)
}

func TestMemoryChannelCompareAndWrite(t *testing.T) {
	mem, ch := openMem(t, MemoryOptions{})
	rec := &recorder{keep: true}

	old := bytes.Repeat([]byte{1}, 512)
	next := bytes.Repeat([]byte{2}, 512)
	mem.WriteAt(old, 0)

	require.NoError(t, ch.CompareAndWriteBlocks([][]byte{next}, [][]byte{next}, 0, 1, rec.cb, "miss"))
	require.NoError(t, ch.CompareAndWriteBlocks([][]byte{old}, [][]byte{next}, 0, 1, rec.cb, "hit"))
	ch.Poll()

	_, cmpSCT, cmpSC, wrSCT, wrSC := rec.results[0].io.FusedNVMeStatus()
	assert.False(t, rec.results[0].success)
	assert.Equal(t, nvme.SCTMediaError, cmpSCT)
	assert.Equal(t, nvme.SCCompareFailure, cmpSC)
	assert.Equal(t, nvme.SCTGeneric, wrSCT)
	assert.Equal(t, nvme.SCAbortedFailedFused, wrSC)

	_, cmpSCT, cmpSC, wrSCT, wrSC = rec.results[1].io.FusedNVMeStatus()
	assert.True(t, rec.results[1].success)
	assert.Zero(t, cmpSCT|cmpSC|wrSCT|wrSC)

	got := make([]byte, 512)
	mem.ReadAt(got, 0)
	assert.Equal(t, next, got)
}

func TestMemoryChannelZeroesAndCopy(t *testing.T) {
	mem, ch := openMem(t, MemoryOptions{})
	rec := &recorder{}

	fill := bytes.Repeat([]byte{0xff}, 4*512)
	mem.WriteAt(fill, 0)

	require.NoError(t, ch.CopyBlocks(10, 0, 4, rec.cb, nil))
	ch.Poll()
	require.NoError(t, ch.WriteZeroesBlocks(0, 1, rec.cb, nil))
	require.NoError(t, ch.UnmapBlocks(3, 1, rec.cb, nil))
	ch.Poll()

	got := make([]byte, 4*512)
	mem.ReadAt(got, 0)
	assert.Equal(t, make([]byte, 512), got[:512])
	assert.Equal(t, fill[:1024], got[512:1536])
	assert.Equal(t, make([]byte, 512), got[1536:])

	mem.ReadAt(got, 10*512)
	assert.Equal(t, fill, got)
}

func TestMemoryChannelAbort(t *testing.T) {
	mem, ch := openMem(t, MemoryOptions{})
	rec := &recorder{keep: true}
	target := &struct{ id int }{1}

	data := bytes.Repeat([]byte{9}, 512)
	require.NoError(t, ch.WriteBlocks([][]byte{data}, 0, 1, rec.cb, target, nil))
	require.NoError(t, ch.Abort(target, rec.cb, "abort"))
	require.NoError(t, ch.Abort(&struct{ id int }{2}, rec.cb, "miss"))
	ch.Poll()

	require.Len(t, rec.results, 3)
	assert.False(t, rec.results[0].success)
	_, sc := status(rec.results[0].io)
	assert.Equal(t, nvme.SCAbortedByRequest, sc)
	assert.True(t, rec.results[1].success)
	assert.False(t, rec.results[2].success)

	got := make([]byte, 512)
	mem.ReadAt(got, 0)
	assert.Equal(t, make([]byte, 512), got, "aborted write never ran")
}

func TestMemoryChannelZeroCopy(t *testing.T) {
	mem, ch := openMem(t, MemoryOptions{})
	rec := &recorder{keep: true}

	src := bytes.Repeat([]byte{3}, 2*512)
	mem.WriteAt(src, 512)

	require.NoError(t, ch.ZeroCopyStart(1, 2, true, rec.cb, nil))
	ch.Poll()
	require.True(t, rec.results[0].success)
	io := rec.results[0].io
	bufs := io.Buffers()
	require.NotEmpty(t, bufs)
	assert.Equal(t, 1024, nvme.BuffersLen(bufs))
	assert.Equal(t, src, bufs[0][:1024])

	bufs[0][0] = 0x42
	require.NoError(t, ch.ZeroCopyEnd(io, true, rec.cb, nil))
	assert.Equal(t, 1, ch.InFlight(), "end reuses the start slot")
	ch.Poll()
	require.True(t, rec.results[1].success)
	io.Free()
	assert.Equal(t, 0, ch.InFlight())

	got := make([]byte, 1)
	mem.ReadAt(got, 512)
	assert.Equal(t, byte(0x42), got[0])
}

func TestMemoryChannelZeroCopyWithoutCommit(t *testing.T) {
	mem, ch := openMem(t, MemoryOptions{})
	rec := &recorder{keep: true}

	require.NoError(t, ch.ZeroCopyStart(0, 1, false, rec.cb, nil))
	ch.Poll()
	io := rec.results[0].io
	assert.Equal(t, make([]byte, 512), io.Buffers()[0], "write buffers start zeroed")

	io.Buffers()[0][0] = 1
	require.NoError(t, ch.ZeroCopyEnd(io, false, rec.cb, nil))
	ch.Poll()
	io.Free()

	got := make([]byte, 1)
	mem.ReadAt(got, 0)
	assert.Equal(t, byte(0), got[0])
}

func TestMemoryChannelZeroCopyErrors(t *testing.T) {
	_, ch := openMem(t, MemoryOptions{})
	rec := &recorder{}

	assert.Error(t, ch.ZeroCopyStart(60, 8, true, rec.cb, nil))
	assert.Error(t, ch.ZeroCopyEnd(&memOp{ch: ch, typ: bdev.IOTypeRead}, false, rec.cb, nil))
	assert.Equal(t, 0, ch.InFlight())
}

func TestMemoryChannelPassthru(t *testing.T) {
	var seen uint8
	_, ch := openMem(t, MemoryOptions{
		AdminPassthru: func(cmd *nvme.Command, bufs [][]byte) (uint32, uint8, uint8) {
			seen = cmd.Opcode()
			if len(bufs) == 1 {
				bufs[0][0] = 0xee
			}
			return 0x10, nvme.SCTGeneric, nvme.SCSuccess
		},
	})
	rec := &recorder{keep: true}

	var cmd nvme.Command
	cmd.SetHeader(nvme.AdminIdentify, nvme.FuseNone, 1)
	buf := make([]byte, 4096)
	require.NoError(t, ch.NVMeAdminPassthru(&cmd, buf, 4096, rec.cb, nil))
	ch.Poll()

	assert.Equal(t, nvme.AdminIdentify, seen)
	assert.Equal(t, byte(0xee), buf[0])
	cdw0, _, _ := rec.results[0].io.NVMeStatus()
	assert.Equal(t, uint32(0x10), cdw0)

	assert.ErrorIs(t, ch.NVMeIOPassthru(&cmd, nil, 0, rec.cb, nil), bdev.ErrNotSupported)
}

func TestMemoryChannelUnsupported(t *testing.T) {
	mem, ch := openMem(t, MemoryOptions{Unsupported: []bdev.IOType{bdev.IOTypeFlush}})

	assert.False(t, mem.IOTypeSupported(bdev.IOTypeFlush))
	assert.True(t, mem.IOTypeSupported(bdev.IOTypeRead))
	assert.False(t, mem.IOTypeSupported(bdev.IOTypeNVMeIO))
	assert.ErrorIs(t, ch.FlushBlocks(0, 1, (&recorder{}).cb, nil), bdev.ErrNotSupported)
}

func TestMemoryChannelClose(t *testing.T) {
	mem := NewMemory(4096)
	c, err := mem.OpenChannel()
	require.NoError(t, err)
	ch := c.(*MemoryChannel)
	rec := &recorder{keep: true}

	require.NoError(t, ch.FlushBlocks(0, 8, rec.cb, nil))
	require.NoError(t, ch.Close())

	require.Len(t, rec.results, 1)
	_, sc := status(rec.results[0].io)
	assert.Equal(t, nvme.SCAbortedSQDeletion, sc)
	assert.ErrorIs(t, ch.FlushBlocks(0, 8, rec.cb, nil), unix.EBADF)
	assert.NoError(t, ch.Close())
	assert.Equal(t, 0, mem.Stats()["channels"])
}

func TestMemoryChannelCloseResumesWaiters(t *testing.T) {
	mem := NewMemoryWithOptions(4096, MemoryOptions{ChannelIOs: 1})
	c, err := mem.OpenChannel()
	require.NoError(t, err)
	ch := c.(*MemoryChannel)
	rec := &recorder{keep: true}
	buf := [][]byte{make([]byte, 512)}

	require.NoError(t, ch.ReadBlocks(buf, 0, 1, rec.cb, nil, nil))
	require.ErrorIs(t, ch.ReadBlocks(buf, 1, 1, rec.cb, nil, nil), bdev.ErrNoMemory)

	var replayErr error
	require.NoError(t, ch.QueueIOWait(&bdev.IOWaitEntry{Callback: func(any) {
		replayErr = ch.ReadBlocks(buf, 1, 1, rec.cb, nil, nil)
	}}))
	require.NoError(t, ch.Close())

	assert.Equal(t, 0, ch.Waiting())
	assert.ErrorIs(t, replayErr, unix.EBADF)
	require.Len(t, rec.results, 1, "only the in-flight read completes")
	_, sc := status(rec.results[0].io)
	assert.Equal(t, nvme.SCAbortedSQDeletion, sc)
}
