package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/constants"
	"github.com/behrlich/go-nvmf/internal/ctrlr"
	"github.com/behrlich/go-nvmf/internal/logging"
	"github.com/behrlich/go-nvmf/internal/nvme"
)

// Op selects how a submitted request is executed
type Op int

const (
	OpIO              Op = iota // NVM command set I/O
	OpAdmin                     // admin passthrough or abort
	OpZeroCopyStart             // open a zero-copy session
	OpZeroCopyCommit            // close a session, writing buffers back
	OpZeroCopyRelease           // close a session without writing
)

func (o Op) String() string {
	switch o {
	case OpIO:
		return "io"
	case OpAdmin:
		return "admin"
	case OpZeroCopyStart:
		return "zcopy-start"
	case OpZeroCopyCommit:
		return "zcopy-commit"
	case OpZeroCopyRelease:
		return "zcopy-release"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

var (
	// ErrQueueFull is returned when depth commands are already outstanding
	ErrQueueFull = errors.New("queue full")

	// ErrStopped is returned after the runner has been stopped
	ErrStopped = errors.New("runner stopped")
)

type work struct {
	req *ctrlr.Request
	op  Op
}

// Runner executes the commands of one queue pair. All command handling and
// all device completions happen on a single goroutine locked to its OS
// thread, which owns the queue's device channel.
type Runner struct {
	queueID uint16
	depth   int
	dev     bdev.Device
	ch      bdev.Channel
	disp    *ctrlr.Dispatcher
	qp      *ctrlr.Qpair
	ctx     context.Context
	cancel  context.CancelFunc
	logger  Logger
	log     *logging.Logger

	submitQ chan work
	done    chan struct{}
	started atomic.Bool

	// outstanding counts accepted commands not yet finally completed
	outstanding atomic.Int64
	submitted   atomic.Uint64
	completed   atomic.Uint64
	pendingIO   atomic.Uint64
}

// Logger is the printf-style logger used for lifecycle messages
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Config describes a queue runner
type Config struct {
	QueueID   uint16
	Depth     int
	Device    bdev.Device
	Subsystem *ctrlr.Subsystem

	// Completer receives every response, on the runner goroutine
	Completer ctrlr.Completer
	Observer  ctrlr.Observer

	Logger Logger
	Log    *logging.Logger
}

// Stats is a snapshot of runner counters
type Stats struct {
	Submitted     uint64
	Completed     uint64
	Outstanding   int64
	PendingBdevIO uint64
}

// NewRunner opens a channel on the device and prepares a runner for it
func NewRunner(ctx context.Context, config Config) (*Runner, error) {
	if config.Device == nil {
		return nil, fmt.Errorf("queue %d: no device", config.QueueID)
	}
	if config.Depth <= 0 {
		config.Depth = constants.DefaultQueueDepth
	}
	if config.Logger != nil {
		config.Logger.Debugf("creating queue runner for queue %d on %s", config.QueueID, config.Device.Name())
	}

	ch, err := config.Device.OpenChannel()
	if err != nil {
		return nil, fmt.Errorf("queue %d: open channel: %w", config.QueueID, err)
	}

	log := config.Log
	if log == nil {
		log = logging.Default()
	}
	log = log.WithQueue(config.QueueID)

	ctx, cancel := context.WithCancel(ctx)

	r := &Runner{
		queueID: config.QueueID,
		depth:   config.Depth,
		dev:     config.Device,
		ch:      ch,
		disp:    ctrlr.NewDispatcher(config.Device, ch, log),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
		log:     log,
		submitQ: make(chan work, config.Depth),
		done:    make(chan struct{}),
	}
	r.qp = &ctrlr.Qpair{
		ID:        config.QueueID,
		Subsystem: config.Subsystem,
		Completer: r.completer(config.Completer),
		Observer:  config.Observer,
	}
	return r, nil
}

// completer counts final completions before handing responses on.
func (r *Runner) completer(next ctrlr.Completer) ctrlr.Completer {
	return ctrlr.CompleterFunc(func(req *ctrlr.Request) {
		if req.Completed() {
			r.outstanding.Add(-1)
			r.completed.Add(1)
		}
		if next != nil {
			next.CompleteRequest(req)
		}
	})
}

// QueueID returns the queue identifier
func (r *Runner) QueueID() uint16 { return r.queueID }

// Qpair returns the queue pair requests must be bound to
func (r *Runner) Qpair() *ctrlr.Qpair { return r.qp }

// ZeroCopyEnabled reports whether OpZeroCopyStart can be used
func (r *Runner) ZeroCopyEnabled() bool { return r.disp.ZeroCopyEnabled() }

// Start begins processing submitted requests
func (r *Runner) Start() error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("queue %d already started", r.queueID)
	}
	if r.logger != nil {
		r.logger.Printf("Starting queue %d on %s", r.queueID, r.dev.Name())
	}
	go r.ioLoop()
	return nil
}

// Submit hands a request to the runner. The request is bound to the
// runner's queue pair and completed through the configured Completer.
// Zero-copy end operations belong to an already accepted command and do
// not count against the depth.
func (r *Runner) Submit(req *ctrlr.Request, op Op) error {
	if r.ctx.Err() != nil {
		return ErrStopped
	}

	newCmd := op != OpZeroCopyCommit && op != OpZeroCopyRelease
	if newCmd {
		if r.outstanding.Add(1) > int64(r.depth) {
			r.outstanding.Add(-1)
			return ErrQueueFull
		}
		req.Qpair = r.qp
		req.StartTime = time.Now()
		req.Admin = op == OpAdmin
	}

	select {
	case r.submitQ <- work{req: req, op: op}:
		r.submitted.Add(1)
		return nil
	default:
		if newCmd {
			r.outstanding.Add(-1)
		}
		return ErrQueueFull
	}
}

// Stop stops the runner. Outstanding commands are given
// constants.StopTimeout to finish before the channel is closed.
func (r *Runner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Close stops the runner and waits for its goroutine to exit
func (r *Runner) Close() error {
	r.Stop()
	if r.started.Load() {
		<-r.done
		return nil
	}
	return r.ch.Close()
}

// Stats returns a snapshot of the runner counters
func (r *Runner) Stats() Stats {
	return Stats{
		Submitted:     r.submitted.Load(),
		Completed:     r.completed.Load(),
		Outstanding:   r.outstanding.Load(),
		PendingBdevIO: r.pendingIO.Load(),
	}
}

// ioLoop is the main processing loop
func (r *Runner) ioLoop() {
	// Pin to one OS thread; device channels such as io_uring rings expect
	// a single submitter
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	if r.logger != nil {
		r.logger.Debugf("Queue %d: Starting I/O loop (pinned to OS thread)", r.queueID)
	}

	idle := time.NewTicker(constants.PollInterval)
	defer idle.Stop()

	for {
		if r.ctx.Err() != nil {
			r.shutdown()
			return
		}
		if r.processRequests() > 0 {
			continue
		}

		select {
		case <-r.ctx.Done():
		case w := <-r.submitQ:
			r.execute(w)
		case <-idle.C:
		}
	}
}

// processRequests executes queued submissions and reaps device completions.
// It returns how much work was done.
func (r *Runner) processRequests() int {
	n := 0
	for n < r.depth {
		select {
		case w := <-r.submitQ:
			r.execute(w)
			n++
			continue
		default:
		}
		break
	}
	n += r.ch.Poll()
	r.pendingIO.Store(r.qp.Stats.PendingBdevIO)
	return n
}

func (r *Runner) execute(w work) {
	if r.log.DebugEnabled() {
		r.log.Debug("executing", "op", w.op.String(), "cid", w.req.Cmd.CID(), "opc", w.req.Cmd.Opcode())
	}

	switch w.op {
	case OpIO:
		r.disp.ExecuteIO(w.req)
	case OpAdmin:
		r.disp.ExecuteAdmin(w.req)
	case OpZeroCopyStart:
		r.disp.ExecuteZeroCopyStart(w.req)
	case OpZeroCopyCommit:
		r.disp.ZeroCopyEnd(w.req, true)
	case OpZeroCopyRelease:
		r.disp.ZeroCopyEnd(w.req, false)
	default:
		r.log.Error("unknown queue op", "op", int(w.op))
		w.req.Rsp.Status.Set(nvme.SCTGeneric, nvme.SCInternalDeviceError)
		if err := w.req.Complete(); err != nil {
			r.log.WithError(err).Error("completing unknown op")
		}
	}
}

// shutdown fails unstarted submissions and any unpaired fused command, waits
// for outstanding commands and closes the channel.
func (r *Runner) shutdown() {
	if r.logger != nil {
		r.logger.Debugf("Queue %d: I/O loop stopping", r.queueID)
	}

	for {
		select {
		case w := <-r.submitQ:
			if w.op == OpZeroCopyCommit || w.op == OpZeroCopyRelease {
				r.execute(w)
				continue
			}
			w.req.Rsp.Status.Set(nvme.SCTGeneric, nvme.SCAbortedSQDeletion)
			if err := w.req.Complete(); err != nil {
				r.log.WithError(err).Error("completing drained request")
			}
			continue
		default:
		}
		break
	}
	r.disp.Drain()

	deadline := time.Now().Add(constants.StopTimeout)
	for r.outstanding.Load() > 0 && time.Now().Before(deadline) {
		if r.ch.Poll() == 0 {
			time.Sleep(constants.PollInterval)
		}
	}
	if n := r.outstanding.Load(); n > 0 {
		r.log.Warn("closing queue with outstanding commands", "outstanding", n)
	}
	if err := r.ch.Close(); err != nil {
		r.log.WithError(err).Error("closing channel")
	}
	if r.logger != nil {
		r.logger.Printf("Queue %d stopped", r.queueID)
	}
}
