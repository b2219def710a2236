package ctrlr

import (
	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/constants"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// ZeroCopyEnabled reports whether the device can lend its buffers.
func (d *Dispatcher) ZeroCopyEnabled() bool {
	return d.dev.IOTypeSupported(bdev.IOTypeZeroCopy)
}

// ZeroCopyStart opens a zero-copy session for a read or write. On success
// the device's buffers replace req.Buffers and the request is completed with
// phase ZeroCopyExecute; the caller moves data through them and then calls
// ZeroCopyEnd.
func (d *Dispatcher) ZeroCopyStart(req *Request) ExecStatus {
	if req.zcopyPhase == ZeroCopyNone {
		req.zcopyPhase = ZeroCopyInit
	}

	start, n := DecodeRWParams(&req.Cmd)
	if !d.checkRW(req, start, n) {
		return ExecComplete
	}

	populate := req.Cmd.Opcode() == nvme.OpRead
	err := d.ch.ZeroCopyStart(start, n, populate, d.zeroCopyStartDone, req)
	return d.submitted(req, err, d.resubmitZeroCopyStart)
}

// ExecuteZeroCopyStart runs ZeroCopyStart and completes the request if it
// finished synchronously.
func (d *Dispatcher) ExecuteZeroCopyStart(req *Request) {
	if d.ZeroCopyStart(req) == ExecComplete {
		d.complete(req)
	}
}

func (d *Dispatcher) resubmitZeroCopyStart(arg any) {
	d.ExecuteZeroCopyStart(arg.(*Request))
}

func (d *Dispatcher) zeroCopyStartDone(io bdev.IO, success bool, arg any) {
	req := arg.(*Request)

	if !success {
		cdw0, sct, sc := io.NVMeStatus()
		req.Rsp.CDW0 = cdw0
		req.setStatus(sct, sc)
		io.Free()
		d.complete(req)
		return
	}

	bufs := io.Buffers()
	if len(bufs) == 0 || len(bufs) > constants.MaxBuffersPerRequest {
		d.reqLog(req).Error("zero-copy buffer count out of bounds", "buffers", len(bufs))
		io.Free()
		req.setStatus(nvme.SCTGeneric, nvme.SCInternalDeviceError)
		d.complete(req)
		return
	}

	req.Buffers = bufs
	req.zcopyIO = io
	d.complete(req)
}

// ZeroCopyEnd closes the session opened by ZeroCopyStart. With commit set
// the device writes the buffers back. The request is completed once the
// device finishes.
func (d *Dispatcher) ZeroCopyEnd(req *Request, commit bool) {
	io := req.zcopyIO
	if io == nil {
		d.reqLog(req).Error("zero-copy end without a started session")
		return
	}
	req.zcopyPhase = ZeroCopyEnd

	if err := d.ch.ZeroCopyEnd(io, commit, d.zeroCopyEndDone, req); err != nil {
		d.reqLog(req).WithError(err).Error("zero-copy end failed")
		req.zcopyIO = nil
		req.Buffers = nil
		io.Free()
		req.setStatus(nvme.SCTGeneric, nvme.SCInternalDeviceError)
		d.complete(req)
	}
}

func (d *Dispatcher) zeroCopyEndDone(io bdev.IO, success bool, arg any) {
	req := arg.(*Request)

	if !success {
		cdw0, sct, sc := io.NVMeStatus()
		req.Rsp.CDW0 = cdw0
		req.setStatus(sct, sc)
	}

	io.Free()
	req.zcopyIO = nil
	req.Buffers = nil
	d.complete(req)
}
