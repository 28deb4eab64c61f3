package transport

import (
	"bytes"
	"errors"
	"testing"
)

func TestTokenQueuePumpRespectsBudget(t *testing.T) {
	q := NewTokenQueue()
	q.Enqueue([]byte("a"), []byte("b"), []byte("c"))

	var buf bytes.Buffer
	if err := q.Pump(&buf); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("pump wrote %q with zero tokens", buf.String())
	}

	q.OnTokens(2)
	if err := q.Pump(&buf); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if buf.String() != "ab" {
		t.Fatalf("got %q, want \"ab\"", buf.String())
	}
	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", q.Pending())
	}

	q.OnTokens(1)
	if err := q.Pump(&buf); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if buf.String() != "abc" {
		t.Fatalf("got %q, want \"abc\"", buf.String())
	}
}

func TestTokenQueueFlushAsyncCompletesOnSend(t *testing.T) {
	q := NewTokenQueue()
	h := q.Enqueue([]byte("x"))
	fut := q.FlushAsync(h)

	select {
	case <-fut:
		t.Fatal("flush completed before the chunk was sent")
	default:
	}

	q.OnTokens(1)
	var buf bytes.Buffer
	if err := q.Pump(&buf); err != nil {
		t.Fatalf("pump: %v", err)
	}

	if err := <-fut; err != nil {
		t.Fatalf("flush error = %v, want nil", err)
	}
}

func TestTokenQueueFlushAsyncImmediateWhenAlreadySent(t *testing.T) {
	q := NewTokenQueue()
	h := q.Enqueue([]byte("x"))
	q.OnTokens(1)
	var buf bytes.Buffer
	if err := q.Pump(&buf); err != nil {
		t.Fatalf("pump: %v", err)
	}

	fut := q.FlushAsync(h)
	if err := <-fut; err != nil {
		t.Fatalf("flush error = %v, want nil", err)
	}
}

func TestTokenQueueResetFailsWaiters(t *testing.T) {
	q := NewTokenQueue()
	h := q.Enqueue([]byte("x"))
	fut := q.FlushAsync(h)

	q.Reset()

	err := <-fut
	if !errors.Is(err, ErrQueueReset) {
		t.Fatalf("got %v, want ErrQueueReset", err)
	}
	if q.Pending() != 0 || q.Tokens() != 0 {
		t.Fatalf("reset left pending=%d tokens=%d", q.Pending(), q.Tokens())
	}
}

func TestTokenQueueFIFOOrder(t *testing.T) {
	q := NewTokenQueue()
	q.Enqueue([]byte("1"))
	q.Enqueue([]byte("2"))
	q.Enqueue([]byte("3"))
	q.OnTokens(3)

	var buf bytes.Buffer
	if err := q.Pump(&buf); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if buf.String() != "123" {
		t.Fatalf("got %q, want \"123\" (strict FIFO across enqueue calls)", buf.String())
	}
}
