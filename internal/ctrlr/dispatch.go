package ctrlr

import (
	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/logging"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

type handler func(d *Dispatcher, req *Request) ExecStatus

// ioHandlers maps NVM opcodes to handlers. Unlisted opcodes go to passthrough.
var ioHandlers [256]handler

func init() {
	ioHandlers = [256]handler{
		nvme.OpFlush:       (*Dispatcher).flush,
		nvme.OpWrite:       (*Dispatcher).write,
		nvme.OpRead:        (*Dispatcher).read,
		nvme.OpCompare:     (*Dispatcher).compare,
		nvme.OpWriteZeroes: (*Dispatcher).writeZeroes,
		nvme.OpDatasetMgmt: (*Dispatcher).dsm,
		nvme.OpCopy:        (*Dispatcher).copy,
	}
}

// Dispatcher executes commands for one device on one channel. It is not
// safe for concurrent use; the owning worker serializes all calls, including
// the completion callbacks delivered by Channel.Poll.
type Dispatcher struct {
	dev bdev.Device
	ch  bdev.Channel
	log *logging.Logger

	// compare half of a fused pair waiting for its write
	pendingFirst *Request

	liveUnmaps int
}

// NewDispatcher binds a dispatcher to a device and a channel opened on it.
func NewDispatcher(dev bdev.Device, ch bdev.Channel, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Default()
	}
	return &Dispatcher{dev: dev, ch: ch, log: log}
}

// Device returns the bound device.
func (d *Dispatcher) Device() bdev.Device { return d.dev }

// Channel returns the bound channel.
func (d *Dispatcher) Channel() bdev.Channel { return d.ch }

// LiveUnmaps returns the number of deallocate commands still holding a
// coordination context.
func (d *Dispatcher) LiveUnmaps() int { return d.liveUnmaps }

// ExecuteIO runs an I/O command and completes it if the handler finished
// synchronously.
func (d *Dispatcher) ExecuteIO(req *Request) {
	if d.ProcessIOCmd(req) == ExecComplete {
		d.complete(req)
	}
}

// ExecuteAdmin is ExecuteIO for admin commands.
func (d *Dispatcher) ExecuteAdmin(req *Request) {
	if d.ProcessAdminCmd(req) == ExecComplete {
		d.complete(req)
	}
}

// ProcessIOCmd runs the handler for an I/O command.
func (d *Dispatcher) ProcessIOCmd(req *Request) ExecStatus {
	cmd := &req.Cmd

	if cmd.Fuse() != nvme.FuseNone {
		return d.processFused(req)
	}

	// A command between the halves of a fused pair breaks the pair.
	if first := d.pendingFirst; first != nil {
		d.pendingFirst = nil
		first.setStatus(nvme.SCTGeneric, nvme.SCAbortedMissingFused)
		d.complete(first)
	}

	if h := ioHandlers[cmd.Opcode()]; h != nil {
		return h(d, req)
	}

	if d.dev.IOTypeSupported(bdev.IOTypeNVMeIO) {
		return d.passthruIO(req)
	}

	d.log.Warn("unsupported I/O opcode", "opc", cmd.Opcode(), "cid", cmd.CID())
	req.setStatus(nvme.SCTGeneric, nvme.SCInvalidOpcode)
	return ExecComplete
}

// ProcessAdminCmd runs an admin command that is forwarded to the device.
// Abort is handled against req.AbortTarget; everything else is passed
// through with req.CmdCallback as the pre-completion hook.
func (d *Dispatcher) ProcessAdminCmd(req *Request) ExecStatus {
	if req.Cmd.Opcode() == nvme.AdminAbort {
		return d.Abort(req, req.AbortTarget)
	}
	return d.PassthruAdmin(req, req.CmdCallback)
}

func (d *Dispatcher) complete(req *Request) {
	if err := req.Complete(); err != nil {
		d.log.Error("double completion", "cid", req.Cmd.CID(), "opc", req.Cmd.Opcode())
	}
}

func (d *Dispatcher) reqLog(req *Request) *logging.Logger {
	return d.log.WithRequest(req.Cmd.CID(), req.Cmd.Opcode())
}
