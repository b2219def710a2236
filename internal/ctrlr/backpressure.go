package ctrlr

import (
	"errors"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// queueIO parks req on the channel's wait queue. fn(arg) replays the
// submission once the channel frees resources. It returns false when the
// channel refuses to park, which only happens once it is closed; the caller
// then owns the failure.
func (d *Dispatcher) queueIO(req *Request, fn func(arg any), arg any) bool {
	req.ioWait = bdev.IOWaitEntry{
		Device:   d.dev,
		Callback: fn,
		Arg:      arg,
	}

	if err := d.ch.QueueIOWait(&req.ioWait); err != nil {
		d.reqLog(req).WithError(err).Error("cannot wait for device resources")
		req.ioWait = bdev.IOWaitEntry{}
		return false
	}

	if q := req.Qpair; q != nil {
		q.Stats.PendingBdevIO++
		if q.Observer != nil {
			q.Observer.ObserveBackpressure(req.Cmd.Opcode())
		}
	}
	return true
}

func (d *Dispatcher) resubmitIO(arg any) {
	d.ExecuteIO(arg.(*Request))
}

func (d *Dispatcher) resubmitAdmin(arg any) {
	d.ExecuteAdmin(arg.(*Request))
}

// submitted applies the submit-failure policy shared by the single-operation
// handlers: ENOMEM parks the request for replay through resubmit, any other
// error fails it with Internal Device Error.
func (d *Dispatcher) submitted(req *Request, err error, resubmit func(arg any)) ExecStatus {
	if err == nil {
		return ExecAsynchronous
	}
	if isNoMemory(err) && d.queueIO(req, resubmit, req) {
		return ExecAsynchronous
	}
	d.reqLog(req).WithError(err).Error("device submission failed")
	req.setStatus(nvme.SCTGeneric, nvme.SCInternalDeviceError)
	return ExecComplete
}

func isNoMemory(err error) bool {
	return errors.Is(err, bdev.ErrNoMemory)
}
