// Package ctrlr executes NVMe I/O and admin commands against a block device.
//
// A Dispatcher is bound to one device and one submission channel and is
// driven by a single worker. Handlers validate a command, submit one or more
// device operations, and either return ExecComplete with the response already
// filled in or ExecAsynchronous, in which case a completion callback (run
// later from the channel's Poll on the same worker) finishes the request.
//
// Transient submission failures (bdev.ErrNoMemory) never surface to the host:
// the request is parked on the channel's wait queue and replayed unchanged
// when the channel has resources again.
package ctrlr

import (
	"errors"
	"time"
)

// ExecStatus is the result of running a command handler.
type ExecStatus int

const (
	// ExecComplete means the response is final and the caller must complete
	// the request.
	ExecComplete ExecStatus = iota

	// ExecAsynchronous means the request will be completed by a callback.
	ExecAsynchronous
)

func (s ExecStatus) String() string {
	if s == ExecComplete {
		return "complete"
	}
	return "asynchronous"
}

// ErrAlreadyCompleted is returned by Request.Complete on a second completion.
var ErrAlreadyCompleted = errors.New("request already completed")

// Observer receives per-request events. Implementations must be safe for
// concurrent use since every queue pair reports to it.
type Observer interface {
	// ObserveCompletion is called once per final completion.
	ObserveCompletion(req *Request, latency time.Duration)

	// ObserveBackpressure is called each time a request is parked because
	// the channel ran out of resources.
	ObserveBackpressure(opcode uint8)
}
