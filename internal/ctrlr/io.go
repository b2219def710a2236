package ctrlr

import (
	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// checkRW validates a decoded block range against the device and the
// request's transfer length. On failure the response is filled in.
func (d *Dispatcher) checkRW(req *Request, start, n uint64) bool {
	if !LBAInRange(d.dev.NumBlocks(), start, n) {
		d.reqLog(req).Warn("end of media", "slba", start, "nlb", n, "blocks", d.dev.NumBlocks())
		req.setStatus(nvme.SCTGeneric, nvme.SCLBAOutOfRange)
		return false
	}
	if !LengthValid(n, d.dev.BlockSize(), req.Length) {
		d.reqLog(req).Warn("NLB * block size > SGL length",
			"nlb", n, "block_size", d.dev.BlockSize(), "length", req.Length)
		req.setStatus(nvme.SCTGeneric, nvme.SCDataSGLLengthInvalid)
		return false
	}
	return true
}

func (d *Dispatcher) extOpts(req *Request) *bdev.ExtIOOpts {
	return &bdev.ExtIOOpts{
		MemoryDomain:    req.MemoryDomain,
		MemoryDomainCtx: req.MemoryDomainCtx,
		AccelSequence:   req.AccelSequence,
	}
}

func (d *Dispatcher) read(req *Request) ExecStatus {
	start, n := DecodeRWParams(&req.Cmd)
	if !d.checkRW(req, start, n) {
		return ExecComplete
	}

	err := d.ch.ReadBlocks(req.Buffers, start, n, d.completeCmd, req, d.extOpts(req))
	return d.submitted(req, err, d.resubmitIO)
}

func (d *Dispatcher) write(req *Request) ExecStatus {
	start, n := DecodeRWParams(&req.Cmd)
	opts := d.extOpts(req)
	DecodeRWExtOptions(&req.Cmd, opts)
	if !d.checkRW(req, start, n) {
		return ExecComplete
	}

	err := d.ch.WriteBlocks(req.Buffers, start, n, d.completeCmd, req, opts)
	return d.submitted(req, err, d.resubmitIO)
}

func (d *Dispatcher) compare(req *Request) ExecStatus {
	start, n := DecodeRWParams(&req.Cmd)
	if !d.checkRW(req, start, n) {
		return ExecComplete
	}

	err := d.ch.CompareBlocks(req.Buffers, start, n, d.completeCmd, req)
	return d.submitted(req, err, d.resubmitIO)
}

func (d *Dispatcher) writeZeroes(req *Request) ExecStatus {
	start, n := DecodeRWParams(&req.Cmd)

	maxKiB := req.subsystem().MaxWriteZeroesSizeKiB
	if maxKiB > 0 && n > (maxKiB<<10)/uint64(d.dev.BlockSize()) {
		d.reqLog(req).Warn("invalid write zeroes size", "nlb", n, "max_kib", maxKiB)
		req.setStatus(nvme.SCTGeneric, nvme.SCInvalidField)
		return ExecComplete
	}

	if !LBAInRange(d.dev.NumBlocks(), start, n) {
		d.reqLog(req).Warn("end of media", "slba", start, "nlb", n, "blocks", d.dev.NumBlocks())
		req.setStatus(nvme.SCTGeneric, nvme.SCLBAOutOfRange)
		return ExecComplete
	}

	if req.Cmd.CDW12()&nvme.WriteZeroesDEAC != 0 {
		d.reqLog(req).Warn("write zeroes deallocate is not supported")
		req.setStatus(nvme.SCTGeneric, nvme.SCInvalidField)
		return ExecComplete
	}

	err := d.ch.WriteZeroesBlocks(start, n, d.completeCmd, req)
	return d.submitted(req, err, d.resubmitIO)
}

// flush succeeds immediately on devices without a flush: the controller
// always reports a volatile write cache, so the host may send one anyway.
func (d *Dispatcher) flush(req *Request) ExecStatus {
	if !d.dev.IOTypeSupported(bdev.IOTypeFlush) {
		req.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
		return ExecComplete
	}

	err := d.ch.FlushBlocks(0, d.dev.NumBlocks(), d.completeCmd, req)
	return d.submitted(req, err, d.resubmitIO)
}

// dsm only acts on the deallocate attribute; other hints are accepted and
// ignored.
func (d *Dispatcher) dsm(req *Request) ExecStatus {
	if req.Cmd.CDW11()&nvme.DSMAttrDeallocate != 0 {
		return d.unmap(req, nil)
	}

	req.setStatus(nvme.SCTGeneric, nvme.SCSuccess)
	return ExecComplete
}

// copy supports a single format 0 source range.
func (d *Dispatcher) copy(req *Request) ExecStatus {
	cmd := &req.Cmd
	sdlba := uint64(cmd.CDW11())<<32 + uint64(cmd.CDW10())
	cdw12 := cmd.CDW12()
	nr := cdw12 & nvme.CopyNRMask
	df := (cdw12 >> nvme.CopyDFShift) & nvme.CopyDFMask

	if d.log.DebugEnabled() {
		d.reqLog(req).Debug("copy command",
			"sdlba", sdlba, "nr", nr, "df", df,
			"prinfor", (cdw12>>nvme.CopyPRInfoRShift)&0xf,
			"dtype", (cdw12>>nvme.CopyDTypeShift)&0xf,
			"stcw", cdw12&nvme.CopySTCW != 0,
			"prinfow", (cdw12>>nvme.CopyPRInfoWShift)&0xf,
			"fua", cdw12&nvme.CopyFUA != 0,
			"lr", cdw12&nvme.CopyLR != 0)
	}

	if uint64(req.Length) != uint64(nr+1)*nvme.CopySourceSize {
		req.setStatus(nvme.SCTGeneric, nvme.SCDataSGLLengthInvalid)
		return ExecComplete
	}

	if nr > 0 {
		req.setStatus(nvme.SCTCommandSpecific, nvme.SCCmdSizeLimitExceeded)
		return ExecComplete
	}

	if df != 0 {
		req.setStatus(nvme.SCTGeneric, nvme.SCInvalidField)
		return ExecComplete
	}

	var raw [nvme.CopySourceSize]byte
	if nvme.CopyFromBuffers(raw[:], req.Buffers, 0) != len(raw) {
		req.setStatus(nvme.SCTGeneric, nvme.SCDataSGLLengthInvalid)
		return ExecComplete
	}
	var src nvme.CopySourceRange
	_ = nvme.UnmarshalCopySourceRange(raw[:], &src)

	err := d.ch.CopyBlocks(sdlba, src.StartLBA, uint64(src.NLB)+1, d.completeCmd, req)
	return d.submitted(req, err, d.resubmitIO)
}
