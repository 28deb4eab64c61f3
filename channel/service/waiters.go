package service

import (
	"sync"

	"github.com/spicevd/agentchannel/channel/transport"
)

// statusWaiters is a per-task-id mailbox for inbound FILE_XFER_STATUS
// messages. A status delivered before the corresponding runTask goroutine
// calls awaitStatus is held pending rather than dropped: the Agent
// Session's dispatch goroutine and a task's own goroutine have no other
// synchronization point, so arrival order between "task reaches
// AwaitingAgentGo" and "guest status arrives" is not guaranteed the way it
// would be inside a true single-threaded event loop.
type statusWaiters struct {
	mu      sync.Mutex
	waiting map[uint32]chan *transport.FileXferStatusPayload
	pending map[uint32]*transport.FileXferStatusPayload
}

func newStatusWaiters() statusWaiters {
	return statusWaiters{
		waiting: make(map[uint32]chan *transport.FileXferStatusPayload),
		pending: make(map[uint32]*transport.FileXferStatusPayload),
	}
}

// await registers interest in id's next status and returns a channel that
// receives it — immediately, if one already arrived.
func (w *statusWaiters) await(id uint32) <-chan *transport.FileXferStatusPayload {
	ch := make(chan *transport.FileXferStatusPayload, 1)
	w.mu.Lock()
	if p, ok := w.pending[id]; ok {
		delete(w.pending, id)
		w.mu.Unlock()
		ch <- p
		return ch
	}
	w.waiting[id] = ch
	w.mu.Unlock()
	return ch
}

// deliver routes status to a registered waiter, or holds it pending if the
// task hasn't called await yet. A status for an id no task ever awaits stays
// pending until the next drain.
func (w *statusWaiters) deliver(status transport.FileXferStatusPayload) {
	w.mu.Lock()
	if ch, ok := w.waiting[status.ID]; ok {
		delete(w.waiting, status.ID)
		w.mu.Unlock()
		ch <- &status
		return
	}
	w.pending[status.ID] = &status
	w.mu.Unlock()
}

// drain fails every outstanding waiter by sending nil, which runTask
// interprets as "agent gone" (spec.md §4.6 "Reset"), and clears anything
// left pending and undelivered.
func (w *statusWaiters) drain() {
	w.mu.Lock()
	waiting := w.waiting
	w.waiting = make(map[uint32]chan *transport.FileXferStatusPayload)
	w.pending = make(map[uint32]*transport.FileXferStatusPayload)
	w.mu.Unlock()

	for _, ch := range waiting {
		ch <- nil
	}
}
