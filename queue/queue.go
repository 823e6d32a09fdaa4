// Package queue implements the bounded command channel shared by every
// worker: the downloader, installer, version refresher, add/remove worker,
// and media scanner all drain one of these. Overflow is logged and the
// command dropped, which is tolerable because the main sequencer's 1 Hz scan
// regenerates any automatic work a full queue had to drop.
package queue

import "github.com/daemonforge/pkgmand/lalog"

// Stop is the sentinel item pushed to make a worker's queue read return
// promptly during shutdown.
type Stop struct{}

// Queue is a bounded FIFO of command items for one worker.
type Queue struct {
	items  chan interface{}
	logger lalog.Logger
	name   string
}

// New returns a Queue with the given capacity.
func New(name string, capacity int, logger lalog.Logger) *Queue {
	return &Queue{items: make(chan interface{}, capacity), logger: logger, name: name}
}

// Push enqueues item, or logs and drops it if the queue is full.
func (q *Queue) Push(item interface{}) {
	select {
	case q.items <- item:
	default:
		q.logger.Warning(q.name, nil, "queue is full, dropping item %v", item)
	}
}

// PushStop enqueues the Stop sentinel, bypassing the capacity check: a
// worker must always be able to be told to stop even if its queue is full.
// When the queue is full, a goroutine is spawned that delivers Stop once the
// worker has consumed an item, so the caller never blocks.
func (q *Queue) PushStop() {
	select {
	case q.items <- Stop{}:
	default:
		// Queue is full; spawn a goroutine that blocks until there is room,
		// so the caller (typically process shutdown) is not held up.
		go func() { q.items <- Stop{} }()
	}
}

// Recv blocks for the next item.
func (q *Queue) Recv() interface{} {
	return <-q.items
}

// Chan exposes the underlying channel for use in a select alongside other
// wakeup sources (idle timeouts, priority commands).
func (q *Queue) Chan() <-chan interface{} {
	return q.items
}

// Len reports the current number of items waiting in the queue.
func (q *Queue) Len() int {
	return len(q.items)
}

// Name returns the worker name this queue was created for.
func (q *Queue) Name() string {
	return q.name
}
