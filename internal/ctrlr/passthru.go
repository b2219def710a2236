package ctrlr

import (
	"errors"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// passthruIO forwards an I/O command the controller does not interpret.
// Failures are final: the host must not retry an opcode the device rejected.
func (d *Dispatcher) passthruIO(req *Request) ExecStatus {
	err := d.ch.NVMeIOPassthru(&req.Cmd, req.Buffers, req.Length, d.completeCmd, req)
	if err == nil {
		return ExecAsynchronous
	}
	if isNoMemory(err) {
		if d.queueIO(req, d.resubmitIO, req) {
			return ExecAsynchronous
		}
		req.setStatus(nvme.SCTGeneric, nvme.SCInternalDeviceError)
		return ExecComplete
	}

	d.reqLog(req).WithError(err).Warn("I/O passthrough rejected")
	req.setStatusDNR(nvme.SCTGeneric, nvme.SCInvalidOpcode)
	return ExecComplete
}

// PassthruAdmin forwards an admin command with at most one data buffer.
// hook, if set, runs after the device completes and before the response is
// delivered, so the caller can post-process returned data.
func (d *Dispatcher) PassthruAdmin(req *Request, hook func(req *Request)) ExecStatus {
	if len(req.Buffers) > 1 {
		d.reqLog(req).Warn("admin passthrough with multiple buffers", "buffers", len(req.Buffers))
		req.setStatusDNR(nvme.SCTGeneric, nvme.SCInternalDeviceError)
		return ExecComplete
	}

	req.CmdCallback = hook

	var buf []byte
	if len(req.Buffers) == 1 {
		buf = req.Buffers[0]
	}
	err := d.ch.NVMeAdminPassthru(&req.Cmd, buf, req.Length, d.completeAdminCmd, req)
	if err == nil {
		return ExecAsynchronous
	}
	if isNoMemory(err) && d.queueIO(req, d.resubmitAdmin, req) {
		return ExecAsynchronous
	}

	d.reqLog(req).WithError(err).Warn("admin passthrough rejected")
	if errors.Is(err, bdev.ErrNotSupported) {
		req.setStatusDNR(nvme.SCTGeneric, nvme.SCInvalidOpcode)
	} else {
		req.setStatusDNR(nvme.SCTGeneric, nvme.SCInternalDeviceError)
	}
	return ExecComplete
}

// Abort asks the device to cancel target. The caller sets CDW0 bit 0
// ("not aborted") before calling; it is cleared when the device reports the
// cancellation. The target's own completion still arrives through its
// original callback.
func (d *Dispatcher) Abort(req, target *Request) ExecStatus {
	if req.Rsp.CDW0&1 == 0 {
		d.reqLog(req).Warn("abort without the not-aborted bit set")
	}

	err := d.ch.Abort(target, d.completeAbort, req)
	switch {
	case err == nil:
		return ExecAsynchronous
	case isNoMemory(err) && d.queueIO(req, d.resubmitAdmin, req):
		return ExecAsynchronous
	default:
		d.reqLog(req).WithError(err).Debug("abort not submitted")
		return ExecComplete
	}
}
