package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/behrlich/go-nvmf"
	"github.com/behrlich/go-nvmf/internal/logging"
)

const (
	maxBlocksPerIO  = 8
	lockEvery       = 8
	deallocateEvery = 32
	flushEvery      = 64
)

// workload drives every I/O queue with a verify loop. Each queue owns a
// disjoint LBA region whose first block is used as a compare-and-write lock.
type workload struct {
	blocks    uint64
	blockSize uint32
	ops       int
	log       *logging.Logger

	mu      sync.Mutex
	waiters map[*nvmf.Request]chan *nvmf.Request
}

func newWorkload(blocks uint64, blockSize uint32, ops int, log *logging.Logger) *workload {
	return &workload{
		blocks:    blocks,
		blockSize: blockSize,
		ops:       ops,
		log:       log,
		waiters:   make(map[*nvmf.Request]chan *nvmf.Request),
	}
}

// CompleteRequest implements nvmf.Completer. It runs on queue workers.
func (w *workload) CompleteRequest(req *nvmf.Request) {
	w.mu.Lock()
	ch, ok := w.waiters[req]
	delete(w.waiters, req)
	w.mu.Unlock()
	if ok {
		ch <- req
	}
}

// do submits reqs to qid in order and waits for all of their responses
func (w *workload) do(ctx context.Context, target *nvmf.Target, qid uint16, reqs ...*nvmf.Request) error {
	chans := make([]chan *nvmf.Request, len(reqs))
	for i, req := range reqs {
		chans[i] = make(chan *nvmf.Request, 1)
		w.mu.Lock()
		w.waiters[req] = chans[i]
		w.mu.Unlock()

		for {
			err := target.SubmitIO(qid, req)
			if err == nil {
				break
			}
			if !nvmf.IsCode(err, nvmf.ErrCodeQueueFull) {
				w.mu.Lock()
				delete(w.waiters, req)
				w.mu.Unlock()
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Microsecond):
			}
		}
	}

	for _, ch := range chans {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
	return nil
}

func checkStatus(what string, req *nvmf.Request) error {
	if req.Rsp.Status.IsSuccess() {
		return nil
	}
	return fmt.Errorf("%s cid %d failed: %s", what, req.Cmd.CID(), req.Rsp.Status)
}

type queueRegion struct {
	lock   uint64 // lock block for compare-and-write
	start  uint64
	blocks uint64
}

func (w *workload) region(qid uint16, numQueues int) queueRegion {
	per := w.blocks / uint64(numQueues)
	base := uint64(qid-1) * per
	return queueRegion{lock: base, start: base + 1, blocks: per - 1}
}

// run loops on one queue until ctx is done or the op limit is reached
func (w *workload) run(ctx context.Context, target *nvmf.Target, qid uint16) error {
	reg := w.region(qid, target.NumQueues())
	if reg.blocks == 0 {
		return fmt.Errorf("queue %d: namespace too small for %d queues", qid, target.NumQueues())
	}
	log := w.log.WithQueue(qid)
	log.Debug("workload starting", "start", reg.start, "blocks", reg.blocks)

	var cid uint16
	nextCID := func() uint16 {
		cid += 2
		return cid
	}

	for n := 1; w.ops == 0 || n <= w.ops; n++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		nlb := 1 + rand.Uint64N(min(maxBlocksPerIO, reg.blocks))
		slba := reg.start + rand.Uint64N(reg.blocks-nlb+1)
		length := int(nlb) * int(w.blockSize)

		data := make([]byte, length)
		for i := range data {
			data[i] = byte(rand.Uint32())
		}

		write := nvmf.NewIORequest(nvmf.OpWrite, nextCID(), slba, uint32(nlb), data)
		if err := w.do(ctx, target, qid, write); err != nil {
			return err
		}
		if err := checkStatus("write", write); err != nil {
			return err
		}

		got := make([]byte, length)
		read := nvmf.NewIORequest(nvmf.OpRead, nextCID(), slba, uint32(nlb), got)
		if err := w.do(ctx, target, qid, read); err != nil {
			return err
		}
		if err := checkStatus("read", read); err != nil {
			return err
		}
		if !bytes.Equal(got, data) {
			return fmt.Errorf("queue %d: data mismatch at lba %d (%d blocks)", qid, slba, nlb)
		}

		if n%lockEvery == 0 {
			if err := w.lockCycle(ctx, target, qid, reg.lock, nextCID); err != nil {
				return err
			}
		}

		if n%deallocateEvery == 0 {
			if err := w.deallocate(ctx, target, qid, slba, nlb, nextCID); err != nil {
				return err
			}
		}

		if n%flushEvery == 0 {
			flush := nvmf.NewFlushRequest(nextCID())
			if err := w.do(ctx, target, qid, flush); err != nil {
				return err
			}
			if err := checkStatus("flush", flush); err != nil {
				return err
			}
		}
	}

	log.Info("workload finished", "ops", w.ops)
	return nil
}

// lockCycle takes and releases the queue's lock block with fused
// compare-and-write. A zeroed block is unlocked.
func (w *workload) lockCycle(ctx context.Context, target *nvmf.Target, qid uint16, lba uint64, nextCID func() uint16) error {
	unlocked := make([]byte, w.blockSize)
	owned := bytes.Repeat([]byte{byte(qid)}, int(w.blockSize))

	first, second := nvmf.NewCompareAndWrite(nextCID(), lba, 1, unlocked, owned)
	if err := w.do(ctx, target, qid, first, second); err != nil {
		return err
	}
	if err := checkStatus("lock", second); err != nil {
		return err
	}

	first, second = nvmf.NewCompareAndWrite(nextCID(), lba, 1, owned, unlocked)
	if err := w.do(ctx, target, qid, first, second); err != nil {
		return err
	}
	return checkStatus("unlock", second)
}

// deallocate releases a written range and checks it reads back as zeroes
func (w *workload) deallocate(ctx context.Context, target *nvmf.Target, qid uint16, slba, nlb uint64, nextCID func() uint16) error {
	dsm := nvmf.NewDeallocateRequest(nextCID(), []nvmf.DSMRange{{StartLBA: slba, Length: uint32(nlb)}})
	if dsm == nil {
		return errors.New("empty deallocate")
	}
	if err := w.do(ctx, target, qid, dsm); err != nil {
		return err
	}
	if err := checkStatus("deallocate", dsm); err != nil {
		return err
	}

	got := make([]byte, int(nlb)*int(w.blockSize))
	read := nvmf.NewIORequest(nvmf.OpRead, nextCID(), slba, uint32(nlb), got)
	if err := w.do(ctx, target, qid, read); err != nil {
		return err
	}
	if err := checkStatus("read", read); err != nil {
		return err
	}
	if !bytes.Equal(got, make([]byte, len(got))) {
		return fmt.Errorf("queue %d: deallocated lba %d not zeroed", qid, slba)
	}
	return nil
}
