package backend

import "github.com/behrlich/go-nvmf/internal/bdev"

// waitQueue holds submitters parked after ErrNoMemory. It belongs to one
// channel and is only touched by that channel's worker.
type waitQueue struct {
	entries []*bdev.IOWaitEntry
}

func (q *waitQueue) add(e *bdev.IOWaitEntry) {
	q.entries = append(q.entries, e)
}

func (q *waitQueue) len() int { return len(q.entries) }

// resume runs every entry registered so far, each exactly once. Entries that
// park again while resuming wait for the next call.
func (q *waitQueue) resume() int {
	if len(q.entries) == 0 {
		return 0
	}
	batch := q.entries
	q.entries = nil
	for _, e := range batch {
		e.Callback(e.Arg)
	}
	return len(batch)
}
