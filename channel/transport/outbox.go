package transport

// Outbox is the shared send path every subcomponent uses: Framer chunking
// followed by Token Queue admission (spec.md §2 data-flow arrow "Outbound
// requests from any subcomponent → Framer chunking → Token Queue → byte
// stream"). The Transfer Engine, Port Forwarder, and Agent Session all hold
// one reference to the same Outbox rather than each owning a Framer.
type Outbox struct {
	framer *Framer
	queue  *TokenQueue
}

// NewOutbox builds an Outbox over an existing Framer and TokenQueue.
func NewOutbox(framer *Framer, queue *TokenQueue) *Outbox {
	return &Outbox{framer: framer, queue: queue}
}

// Send chunks msg and enqueues the chunks atomically, returning a handle
// for FlushAsync.
func (o *Outbox) Send(msg AgentMessage) *FlushHandle {
	return o.queue.Enqueue(o.framer.Encode(msg)...)
}

// Flush waits for handle's chunk to be dequeued (i.e. sent).
func (o *Outbox) Flush(handle *FlushHandle) <-chan error {
	return o.queue.FlushAsync(handle)
}

// Queue exposes the underlying TokenQueue, for OnTokens/Pump/Reset callers
// (the Agent Session's dispatch loop and connection I/O driver).
func (o *Outbox) Queue() *TokenQueue {
	return o.queue
}
