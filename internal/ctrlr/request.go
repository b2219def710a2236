package ctrlr

import (
	"time"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// Subsystem carries the per-subsystem limits applied to commands.
type Subsystem struct {
	NQN string

	// MaxDiscardSizeKiB caps a single deallocate range; 0 disables the check.
	MaxDiscardSizeKiB uint64

	// MaxWriteZeroesSizeKiB caps a single write zeroes; 0 disables the check.
	MaxWriteZeroesSizeKiB uint64
}

// QpairStats are counters kept per queue pair. They are only touched by the
// queue pair's worker.
type QpairStats struct {
	PendingBdevIO uint64
}

// Completer receives requests whose response is ready to be sent.
type Completer interface {
	CompleteRequest(req *Request)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(req *Request)

func (f CompleterFunc) CompleteRequest(req *Request) { f(req) }

// Qpair is the queue pair context a request arrives on.
type Qpair struct {
	ID        uint16
	Subsystem *Subsystem
	Stats     QpairStats
	Completer Completer
	Observer  Observer
}

// ZeroCopyPhase tracks a request through a zero-copy session.
type ZeroCopyPhase int

const (
	ZeroCopyNone ZeroCopyPhase = iota
	ZeroCopyInit
	ZeroCopyInitFailed
	ZeroCopyExecute
	ZeroCopyEnd
	ZeroCopyComplete
)

// Request is one NVMe command in flight. It is owned by its queue pair until
// Complete hands it back.
type Request struct {
	Cmd     nvme.Command
	Rsp     nvme.Completion
	Buffers [][]byte
	Length  uint32
	Qpair   *Qpair

	// FirstFused links the write half of a fused compare-and-write to its
	// compare half.
	FirstFused *Request

	// CmdCallback runs before the generic completion of an admin passthrough.
	CmdCallback func(req *Request)

	// AbortTarget is the request an Abort command refers to.
	AbortTarget *Request

	// Opaque transport context passed through to the device.
	MemoryDomain    any
	MemoryDomainCtx any
	AccelSequence   any

	// StartTime is set by the queue worker when the command is received.
	StartTime time.Time

	// Admin marks commands received on the admin submission path.
	Admin bool

	zcopyPhase  ZeroCopyPhase
	zcopyIO     bdev.IO
	ioWait      bdev.IOWaitEntry
	fusedLinked bool
	completed   bool
}

// ZeroCopyPhase reports where the request is in a zero-copy session.
func (r *Request) ZeroCopyPhase() ZeroCopyPhase {
	return r.zcopyPhase
}

// UsingZeroCopy reports whether the request holds an open zero-copy session.
func (r *Request) UsingZeroCopy() bool {
	return r.zcopyPhase == ZeroCopyExecute
}

// Completed reports whether the final completion was delivered.
func (r *Request) Completed() bool {
	return r.completed
}

// Reset prepares a request for reuse with a new command.
func (r *Request) Reset() {
	*r = Request{Qpair: r.Qpair}
}

func (r *Request) setStatus(sct, sc uint8) {
	r.Rsp.Status.SCT = sct
	r.Rsp.Status.SC = sc
}

func (r *Request) setStatusDNR(sct, sc uint8) {
	r.setStatus(sct, sc)
	r.Rsp.Status.DNR = true
}

// Complete delivers the response to the queue pair. The first completion of
// a zero-copy start only moves the session forward; every other request is
// completed exactly once and later calls return ErrAlreadyCompleted.
func (r *Request) Complete() error {
	if r.completed {
		return ErrAlreadyCompleted
	}

	switch r.zcopyPhase {
	case ZeroCopyInit:
		if r.Rsp.Status.IsSuccess() {
			r.zcopyPhase = ZeroCopyExecute
			r.deliver()
			return nil
		}
		r.zcopyPhase = ZeroCopyInitFailed
	case ZeroCopyEnd:
		r.zcopyPhase = ZeroCopyComplete
	}

	r.completed = true
	r.Rsp.CID = r.Cmd.CID()
	if q := r.Qpair; q != nil {
		r.Rsp.SQID = q.ID
		if q.Observer != nil {
			var latency time.Duration
			if !r.StartTime.IsZero() {
				latency = time.Since(r.StartTime)
			}
			q.Observer.ObserveCompletion(r, latency)
		}
	}
	r.deliver()
	return nil
}

func (r *Request) deliver() {
	if r.Qpair != nil && r.Qpair.Completer != nil {
		r.Qpair.Completer.CompleteRequest(r)
	}
}

func (r *Request) subsystem() *Subsystem {
	if r.Qpair == nil || r.Qpair.Subsystem == nil {
		return &Subsystem{}
	}
	return r.Qpair.Subsystem
}
