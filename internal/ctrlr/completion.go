package ctrlr

import (
	"github.com/behrlich/go-nvmf/internal/bdev"
)

// completeCmd translates a finished device operation into the request's
// response. For the write half of a fused pair the combined status is split:
// the compare result goes to the first request, which is completed here, and
// the write result to req.
func (d *Dispatcher) completeCmd(io bdev.IO, success bool, arg any) {
	req := arg.(*Request)

	var (
		cdw0    uint32
		sct, sc uint8
	)
	if first := req.FirstFused; first != nil {
		var cmpSCT, cmpSC uint8
		cdw0, cmpSCT, cmpSC, sct, sc = io.FusedNVMeStatus()
		first.Rsp.CDW0 = cdw0
		first.setStatus(cmpSCT, cmpSC)
		d.complete(first)
		req.FirstFused = nil
	} else {
		cdw0, sct, sc = io.NVMeStatus()
	}

	req.Rsp.CDW0 = cdw0
	req.setStatus(sct, sc)
	d.complete(req)
	io.Free()
}

// completeAdminCmd runs the caller's hook before the generic completion.
func (d *Dispatcher) completeAdminCmd(io bdev.IO, success bool, arg any) {
	req := arg.(*Request)
	if req.CmdCallback != nil {
		req.CmdCallback(req)
	}
	d.completeCmd(io, success, arg)
}

// completeAbort clears CDW0 bit 0 ("command not aborted") when the device
// reports the target cancelled.
func (d *Dispatcher) completeAbort(io bdev.IO, success bool, arg any) {
	req := arg.(*Request)
	if success {
		req.Rsp.CDW0 &^= 1
	}
	d.complete(req)
	io.Free()
}
