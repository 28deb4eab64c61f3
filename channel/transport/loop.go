package transport

import (
	"time"

	"github.com/spicevd/agentchannel/internal/stream"
)

// pumpInterval bounds how often RunSession retries draining the Outbox when
// it has nothing new to flush, the same poll-and-retry idiom the package's
// own tests use to drive a TokenQueue over a net.Pipe.
const pumpInterval = time.Millisecond

// RunSession drives one AgentSession over a byte-stream collaborator
// (spec.md §6 "Byte stream: write(bytes), read()→bytes, close()") until the
// stream errors or closes: inbound bytes feed the session, and the Outbox is
// continuously drained back to the stream. Callers run it in its own
// goroutine; a read error triggers Reset and the loop returns that error.
func RunSession(bs stream.ByteStream, sess *AgentSession) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := sess.Outbox().Queue().Pump(bs); err != nil {
				return
			}
			time.Sleep(pumpInterval)
		}
	}()

	buf := make([]byte, MaxChunk)
	for {
		n, err := bs.Read(buf)
		if n > 0 {
			if ferr := sess.Feed(buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			sess.Reset()
			return err
		}
	}
}
