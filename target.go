// Package nvmf serves NVMe namespaces from block devices.
//
// A Target binds one device to an admin queue and a set of I/O queues. Each
// queue is driven by its own worker that executes NVMe commands against the
// device and hands responses back through a Completer. The transport that
// receives capsules from hosts lives outside this package: it builds
// Requests, submits them to a queue and sends the completions it receives.
package nvmf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/behrlich/go-nvmf/internal/bdev"
	"github.com/behrlich/go-nvmf/internal/constants"
	"github.com/behrlich/go-nvmf/internal/ctrlr"
	"github.com/behrlich/go-nvmf/internal/logging"
	"github.com/behrlich/go-nvmf/internal/nvme"
	"github.com/behrlich/go-nvmf/internal/queue"
)

// Re-exported core types
type (
	Device        = bdev.Device
	Request       = ctrlr.Request
	Subsystem     = ctrlr.Subsystem
	Completer     = ctrlr.Completer
	CompleterFunc = ctrlr.CompleterFunc
	Logger        = queue.Logger
	QueueStats    = queue.Stats
)

// AdminQueueID is the queue admin commands are submitted to
const AdminQueueID = 0

// Target serves one device over an admin queue and NumQueues I/O queues
type Target struct {
	// NQN is the subsystem name
	NQN string

	// Device is the namespace backing store
	Device Device

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	queues    int
	depth     int
	subsystem *ctrlr.Subsystem
	runners   []*queue.Runner // index is the queue ID, 0 is admin

	metrics  *Metrics
	observer Observer
	log      *logging.Logger
	logger   Logger
}

// TargetParams contains parameters for creating a target
type TargetParams struct {
	// Device provides the namespace storage
	Device Device

	// NQN names the subsystem (default: derived from the device name)
	NQN string

	NumQueues  int // Number of I/O queues (default: 1)
	QueueDepth int // Commands outstanding per queue (default: 128)

	// Per-command limits; 0 disables the check
	MaxDiscardSizeKiB     uint64
	MaxWriteZeroesSizeKiB uint64
}

// DefaultParams returns default target parameters
func DefaultParams(dev Device) TargetParams {
	return TargetParams{
		Device:                dev,
		NumQueues:             constants.DefaultNumQueues,
		QueueDepth:            constants.DefaultQueueDepth,
		MaxDiscardSizeKiB:     constants.DefaultMaxDiscardSizeKiB,
		MaxWriteZeroesSizeKiB: constants.DefaultMaxWriteZeroesSizeKiB,
	}
}

// Options contains additional options for target creation
type Options struct {
	// Context for cancellation (if nil, uses the ctx argument)
	Context context.Context

	// Logger for lifecycle messages (if nil, no printf logging)
	Logger Logger

	// Log is the structured logger (if nil, uses logging.Default())
	Log *logging.Logger

	// Observer receives command events in addition to the built-in metrics
	Observer Observer

	// Completer receives every response, on the worker of the request's
	// queue. It must not block.
	Completer Completer
}

// multiObserver fans events out to several observers
type multiObserver []Observer

func (m multiObserver) ObserveCompletion(req *ctrlr.Request, latency time.Duration) {
	for _, o := range m {
		o.ObserveCompletion(req, latency)
	}
}

func (m multiObserver) ObserveBackpressure(opcode uint8) {
	for _, o := range m {
		o.ObserveBackpressure(opcode)
	}
}

// CreateAndServe creates a target for the given device and starts its
// queue workers. The target serves until StopAndDelete is called or the
// context is cancelled.
//
// Example:
//
//	dev := backend.NewMemory(64 << 20) // 64MB RAM namespace
//	params := nvmf.DefaultParams(dev)
//	target, err := nvmf.CreateAndServe(context.Background(), params, &nvmf.Options{
//		Completer: transport,
//	})
func CreateAndServe(ctx context.Context, params TargetParams, options *Options) (*Target, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if options == nil {
		options = &Options{}
	}

	if options.Context != nil {
		ctx = options.Context
	}

	if params.Device == nil {
		return nil, NewError("CREATE_TARGET", ErrCodeInvalidParameters, "no device")
	}
	if params.NumQueues < 0 || params.QueueDepth < 0 {
		return nil, NewError("CREATE_TARGET", ErrCodeInvalidParameters,
			fmt.Sprintf("invalid queue layout %dx%d", params.NumQueues, params.QueueDepth))
	}

	numQueues := params.NumQueues
	if numQueues == 0 {
		numQueues = constants.DefaultNumQueues
	}
	depth := params.QueueDepth
	if depth == 0 {
		depth = constants.DefaultQueueDepth
	}
	nqn := params.NQN
	if nqn == "" {
		nqn = "nqn.2024-01.io.nvmf:" + params.Device.Name()
	}

	log := options.Log
	if log == nil {
		log = logging.Default()
	}
	log = log.WithSubsystem(nqn)

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = multiObserver{observer, options.Observer}
	}

	t := &Target{
		NQN:    nqn,
		Device: params.Device,
		queues: numQueues,
		depth:  depth,
		subsystem: &ctrlr.Subsystem{
			NQN:                   nqn,
			MaxDiscardSizeKiB:     params.MaxDiscardSizeKiB,
			MaxWriteZeroesSizeKiB: params.MaxWriteZeroesSizeKiB,
		},
		metrics:  metrics,
		observer: observer,
		log:      log,
		logger:   options.Logger,
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	// Queue 0 is the admin queue
	t.runners = make([]*queue.Runner, numQueues+1)
	for i := range t.runners {
		runner, err := queue.NewRunner(t.ctx, queue.Config{
			QueueID:   uint16(i),
			Depth:     depth,
			Device:    params.Device,
			Subsystem: t.subsystem,
			Completer: options.Completer,
			Observer:  observer,
			Logger:    options.Logger,
			Log:       log,
		})
		if err != nil {
			t.closeRunners()
			t.cancel()
			return nil, WrapError("CREATE_QUEUE", err)
		}
		t.runners[i] = runner
	}

	for i, runner := range t.runners {
		if err := runner.Start(); err != nil {
			t.cancel()
			t.closeRunners()
			return nil, NewQueueError("START_QUEUE", nqn, i, ErrCodeDeviceBusy, err.Error())
		}
	}

	t.started = true
	log.Info("target serving", "device", params.Device.Name(), "queues", numQueues, "depth", depth,
		"zcopy", t.runners[AdminQueueID].ZeroCopyEnabled())

	if options.Logger != nil {
		options.Logger.Printf("Target created: %s on %s with %d I/O queues", nqn, params.Device.Name(), numQueues)
	}

	return t, nil
}

// closeRunners closes every created runner
func (t *Target) closeRunners() {
	for _, r := range t.runners {
		if r != nil {
			r.Close()
		}
	}
	t.runners = nil
}

func (t *Target) runner(op string, qid uint16) (*queue.Runner, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runners == nil {
		return nil, NewQueueError(op, t.NQN, int(qid), ErrCodeStopped, "")
	}
	if int(qid) >= len(t.runners) {
		return nil, NewQueueError(op, t.NQN, int(qid), ErrCodeInvalidParameters, "no such queue")
	}
	return t.runners[qid], nil
}

func (t *Target) submit(op string, r *queue.Runner, req *Request, qop queue.Op) error {
	err := r.Submit(req, qop)
	switch {
	case err == nil:
		t.metrics.RecordQueueDepth(uint32(r.Stats().Outstanding))
		return nil
	case errors.Is(err, queue.ErrQueueFull):
		return NewQueueError(op, t.NQN, int(r.QueueID()), ErrCodeQueueFull, "")
	case errors.Is(err, queue.ErrStopped):
		return NewQueueError(op, t.NQN, int(r.QueueID()), ErrCodeStopped, "")
	default:
		return WrapError(op, err)
	}
}

// SubmitIO queues an NVM command set command on I/O queue qid (1..NumQueues)
func (t *Target) SubmitIO(qid uint16, req *Request) error {
	if qid == AdminQueueID {
		return NewQueueError("SUBMIT_IO", t.NQN, 0, ErrCodeInvalidParameters, "I/O on the admin queue")
	}
	r, err := t.runner("SUBMIT_IO", qid)
	if err != nil {
		return err
	}
	return t.submit("SUBMIT_IO", r, req, queue.OpIO)
}

// SubmitAdmin queues an admin command. Abort runs on the worker of the
// queue that owns req.AbortTarget, since only that worker may touch the
// target's device channel; everything else runs on the admin queue.
func (t *Target) SubmitAdmin(req *Request) error {
	qid := uint16(AdminQueueID)
	if req.Cmd.Opcode() == nvme.AdminAbort && req.AbortTarget != nil && req.AbortTarget.Qpair != nil {
		qid = req.AbortTarget.Qpair.ID
	}
	r, err := t.runner("SUBMIT_ADMIN", qid)
	if err != nil {
		return err
	}
	return t.submit("SUBMIT_ADMIN", r, req, queue.OpAdmin)
}

// ZeroCopyStart opens a zero-copy session for a read or write on I/O
// queue qid. The Completer sees the request once with its device buffers
// in req.Buffers and again, completed, after ZeroCopyEnd.
func (t *Target) ZeroCopyStart(qid uint16, req *Request) error {
	if qid == AdminQueueID {
		return NewQueueError("ZCOPY_START", t.NQN, 0, ErrCodeInvalidParameters, "I/O on the admin queue")
	}
	r, err := t.runner("ZCOPY_START", qid)
	if err != nil {
		return err
	}
	if !r.ZeroCopyEnabled() {
		return NewQueueError("ZCOPY_START", t.NQN, int(qid), ErrCodeNotSupported, "device cannot lend buffers")
	}
	return t.submit("ZCOPY_START", r, req, queue.OpZeroCopyStart)
}

// ZeroCopyEnd closes the session opened by ZeroCopyStart, writing the
// buffers back to the device when commit is set.
func (t *Target) ZeroCopyEnd(req *Request, commit bool) error {
	if req.Qpair == nil {
		return NewError("ZCOPY_END", ErrCodeInvalidParameters, "request has no queue")
	}
	r, err := t.runner("ZCOPY_END", req.Qpair.ID)
	if err != nil {
		return err
	}
	op := queue.OpZeroCopyRelease
	if commit {
		op = queue.OpZeroCopyCommit
	}
	return t.submit("ZCOPY_END", r, req, op)
}

// TargetState represents the current state of a target
type TargetState string

const (
	// TargetStateCreated indicates the target has been created but not started
	TargetStateCreated TargetState = "created"
	// TargetStateRunning indicates the target is serving commands
	TargetStateRunning TargetState = "running"
	// TargetStateStopped indicates the target has been stopped
	TargetStateStopped TargetState = "stopped"
)

// State returns the current state of the target
func (t *Target) State() TargetState {
	if t == nil {
		return TargetStateStopped
	}

	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return TargetStateCreated
	}

	if t.ctx != nil {
		select {
		case <-t.ctx.Done():
			return TargetStateStopped
		default:
		}
	}
	return TargetStateRunning
}

// IsRunning returns true if the target is currently serving commands
func (t *Target) IsRunning() bool {
	return t.State() == TargetStateRunning
}

// NumQueues returns the number of I/O queues
func (t *Target) NumQueues() int {
	return t.queues
}

// QueueDepth returns the depth of each queue
func (t *Target) QueueDepth() int {
	return t.depth
}

// BlockSize returns the logical block size of the namespace
func (t *Target) BlockSize() uint32 {
	if t.Device == nil {
		return 0
	}
	return t.Device.BlockSize()
}

// Size returns the namespace capacity in bytes
func (t *Target) Size() uint64 {
	if t.Device == nil {
		return 0
	}
	return t.Device.NumBlocks() * uint64(t.Device.BlockSize())
}

// QueueStats returns the counters of queue qid
func (t *Target) QueueStats(qid uint16) (QueueStats, bool) {
	r, err := t.runner("STATS", qid)
	if err != nil {
		return QueueStats{}, false
	}
	return r.Stats(), true
}

// TargetInfo contains summary information about a target
type TargetInfo struct {
	NQN        string       `json:"nqn"`
	Device     string       `json:"device"`
	State      TargetState  `json:"state"`
	NumQueues  int          `json:"num_queues"`
	QueueDepth int          `json:"queue_depth"`
	BlockSize  uint32       `json:"block_size"`
	Size       uint64       `json:"size"`
	Running    bool         `json:"running"`
	Queues     []QueueStats `json:"queues,omitempty"`
}

// Info returns summary information about the target
func (t *Target) Info() TargetInfo {
	if t == nil {
		return TargetInfo{}
	}

	state := t.State()
	info := TargetInfo{
		NQN:        t.NQN,
		State:      state,
		NumQueues:  t.queues,
		QueueDepth: t.depth,
		BlockSize:  t.BlockSize(),
		Size:       t.Size(),
		Running:    state == TargetStateRunning,
	}
	if t.Device != nil {
		info.Device = t.Device.Name()
	}
	for qid := 0; qid <= t.queues; qid++ {
		if s, ok := t.QueueStats(uint16(qid)); ok {
			info.Queues = append(info.Queues, s)
		}
	}
	return info
}

// Metrics returns the live metrics of the target
func (t *Target) Metrics() *Metrics {
	if t == nil {
		return nil
	}
	return t.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of target metrics
func (t *Target) MetricsSnapshot() MetricsSnapshot {
	if t == nil || t.metrics == nil {
		return MetricsSnapshot{}
	}
	return t.metrics.Snapshot()
}

// StopAndDelete stops every queue worker and closes their device channels.
// Queued commands that never started are completed with Command Aborted due
// to SQ Deletion. The device itself stays open and belongs to the caller.
func StopAndDelete(ctx context.Context, t *Target) error {
	if t == nil {
		return ErrInvalidParameters
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	runners := t.runners
	t.runners = nil
	t.mu.Unlock()

	if runners == nil {
		return NewError("STOP_TARGET", ErrCodeStopped, "already stopped")
	}

	// Cancel first so every worker starts draining at once
	if t.cancel != nil {
		t.cancel()
	}

	var g errgroup.Group
	for _, r := range runners {
		g.Go(r.Close)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = NewError("STOP_TARGET", ErrCodeTimeout, ctx.Err().Error())
	}

	if t.metrics != nil {
		t.metrics.Stop()
	}
	if t.logger != nil {
		t.logger.Printf("Target stopped: %s", t.NQN)
	}
	t.log.Info("target stopped")

	if err != nil {
		return WrapError("STOP_TARGET", err)
	}
	return nil
}
