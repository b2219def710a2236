package ctrlr

import (
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// processFused pairs a FUSE_FIRST compare with the FUSE_SECOND write that
// follows it and submits the pair as one compare-and-write.
func (d *Dispatcher) processFused(req *Request) ExecStatus {
	cmd := &req.Cmd

	switch cmd.Fuse() {
	case nvme.FuseFirst:
		// Replayed after ENOMEM: the write half drives the pair.
		if req.fusedLinked || req.completed {
			return ExecAsynchronous
		}
		if first := d.pendingFirst; first != nil {
			first.setStatus(nvme.SCTGeneric, nvme.SCAbortedMissingFused)
			d.complete(first)
			d.pendingFirst = nil
		}
		if cmd.Opcode() != nvme.OpCompare {
			d.reqLog(req).Warn("wrong opcode for first fused command")
			req.setStatus(nvme.SCTGeneric, nvme.SCInvalidOpcode)
			return ExecComplete
		}
		d.pendingFirst = req
		return ExecAsynchronous

	case nvme.FuseSecond:
		if req.FirstFused == nil {
			first := d.pendingFirst
			if first == nil {
				d.reqLog(req).Warn("wrong sequence of fused commands")
				req.setStatus(nvme.SCTGeneric, nvme.SCAbortedMissingFused)
				return ExecComplete
			}
			d.pendingFirst = nil
			if cmd.Opcode() != nvme.OpWrite {
				d.reqLog(req).Warn("wrong opcode for second fused command")
				first.setStatus(nvme.SCTGeneric, nvme.SCAbortedMissingFused)
				d.complete(first)
				req.setStatus(nvme.SCTGeneric, nvme.SCInvalidOpcode)
				return ExecComplete
			}
			req.FirstFused = first
			first.fusedLinked = true
		}

	default:
		d.reqLog(req).Warn("invalid fuse field", "fuse", cmd.Fuse())
		req.setStatus(nvme.SCTGeneric, nvme.SCInvalidField)
		return ExecComplete
	}

	first := req.FirstFused
	status := d.compareAndWrite(first, req)
	if status == ExecComplete && req.Rsp.Status.IsError() {
		// The compare half reports the failure; the write half is aborted.
		first.Rsp.Status = req.Rsp.Status
		req.setStatus(nvme.SCTGeneric, nvme.SCAbortedFailedFused)
		d.complete(first)
		req.FirstFused = nil
	}
	return status
}

// compareAndWrite submits one atomic compare-and-write for a linked pair.
// The response of the write half carries any synchronous failure.
func (d *Dispatcher) compareAndWrite(cmpReq, writeReq *Request) ExecStatus {
	cmpStart, cmpN := DecodeRWParams(&cmpReq.Cmd)
	start, n := DecodeRWParams(&writeReq.Cmd)

	if cmpStart != start || cmpN != n {
		d.reqLog(writeReq).Warn("fused command start lba / num blocks mismatch",
			"cmp_slba", cmpStart, "cmp_nlb", cmpN, "slba", start, "nlb", n)
		writeReq.setStatus(nvme.SCTGeneric, nvme.SCInvalidField)
		return ExecComplete
	}

	if !d.checkRW(writeReq, start, n) {
		return ExecComplete
	}

	err := d.ch.CompareAndWriteBlocks(cmpReq.Buffers, writeReq.Buffers, start, n, d.completeCmd, writeReq)
	if err == nil {
		return ExecAsynchronous
	}
	if isNoMemory(err) {
		// The write half drives the replay; a parked compare half replays
		// as a no-op.
		d.queueIO(cmpReq, d.resubmitIO, cmpReq)
		if d.queueIO(writeReq, d.resubmitIO, writeReq) {
			return ExecAsynchronous
		}
	}

	d.reqLog(writeReq).WithError(err).Error("compare and write submission failed")
	writeReq.setStatus(nvme.SCTGeneric, nvme.SCInternalDeviceError)
	return ExecComplete
}

// Drain completes a compare half still waiting for its write with Aborted SQ
// Deletion. The owning worker calls it when the queue pair is torn down.
func (d *Dispatcher) Drain() {
	first := d.pendingFirst
	if first == nil {
		return
	}
	d.pendingFirst = nil
	d.reqLog(first).Debug("aborting unpaired fused command")
	first.setStatus(nvme.SCTGeneric, nvme.SCAbortedSQDeletion)
	d.complete(first)
}
