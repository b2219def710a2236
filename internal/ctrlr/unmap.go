package ctrlr

import (
	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// unmapContext follows a multi-range deallocate. It is owned by the
// dispatcher's worker, so outstanding is a plain counter.
type unmapContext struct {
	req         *Request
	nr          uint32
	cursor      uint32
	outstanding uint32
	released    bool
}

// fail records a failure unless an earlier one is already reported.
func (c *unmapContext) fail(sct, sc uint8) {
	if c.req.Rsp.Status.IsSuccess() {
		c.req.setStatus(sct, sc)
	}
}

// unmap issues one device unmap per DSM range, starting at ctx.cursor. A
// nil ctx starts a new command; a non-nil ctx resumes after ENOMEM.
//
// Each pass holds one reference on outstanding so that a range completing
// inline cannot finish the request while ranges are still being issued.
func (d *Dispatcher) unmap(req *Request, ctx *unmapContext) ExecStatus {
	if ctx == nil {
		nr := req.Cmd.CDW10()&nvme.DSMNRMask + 1
		if uint64(nr)*nvme.DSMRangeSize > uint64(req.Length) {
			d.reqLog(req).Warn("dataset management number of ranges > SGL length",
				"nr", nr, "length", req.Length)
			req.setStatus(nvme.SCTGeneric, nvme.SCDataSGLLengthInvalid)
			return ExecComplete
		}
		ctx = &unmapContext{req: req, nr: nr}
		req.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
		d.liveUnmaps++
		ctx.outstanding = 1
	}
	// On resume the parked range's count, which never reached the device,
	// becomes this pass's reference.

	maxKiB := req.subsystem().MaxDiscardSizeKiB
	blockSize := uint64(d.dev.BlockSize())

	for ctx.cursor < ctx.nr {
		var raw [nvme.DSMRangeSize]byte
		nvme.CopyFromBuffers(raw[:], req.Buffers, int(ctx.cursor)*nvme.DSMRangeSize)
		var r nvme.DSMRange
		_ = nvme.UnmarshalDSMRange(raw[:], &r)

		if maxKiB > 0 && uint64(r.Length) > (maxKiB<<10)/blockSize {
			d.reqLog(req).Warn("invalid unmap size", "range", ctx.cursor, "nlb", r.Length, "max_kib", maxKiB)
			ctx.fail(nvme.SCTGeneric, nvme.SCInvalidField)
			break
		}

		ctx.outstanding++
		err := d.ch.UnmapBlocks(r.StartLBA, uint64(r.Length), d.unmapComplete, ctx)
		if err != nil {
			// outstanding keeps a parked range counted until the replay
			if isNoMemory(err) && d.queueIO(req, d.unmapResubmit, ctx) {
				break
			}
			d.reqLog(req).WithError(err).Error("unmap submission failed", "range", ctx.cursor)
			ctx.fail(nvme.SCTGeneric, nvme.SCInternalDeviceError)
			ctx.outstanding--
			break
		}
		ctx.cursor++
	}

	ctx.outstanding--
	if ctx.outstanding == 0 {
		d.releaseUnmap(ctx)
		return ExecComplete
	}
	return ExecAsynchronous
}

func (d *Dispatcher) unmapResubmit(arg any) {
	ctx := arg.(*unmapContext)
	if d.unmap(ctx.req, ctx) == ExecComplete {
		d.complete(ctx.req)
	}
}

func (d *Dispatcher) unmapComplete(io bdev.IO, success bool, arg any) {
	ctx := arg.(*unmapContext)
	req := ctx.req

	ctx.outstanding--
	if req.Rsp.Status.IsSuccess() {
		cdw0, sct, sc := io.NVMeStatus()
		req.Rsp.CDW0 = cdw0
		req.setStatus(sct, sc)
	}
	io.Free()

	if ctx.outstanding == 0 {
		d.releaseUnmap(ctx)
		d.complete(req)
	}
}

func (d *Dispatcher) releaseUnmap(ctx *unmapContext) {
	if ctx.released {
		d.reqLog(ctx.req).Error("unmap context released twice")
		return
	}
	ctx.released = true
	d.liveUnmaps--
}
