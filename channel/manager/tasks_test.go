package manager

import (
	"errors"
	"testing"
)

func TestTaskRegistryAssignsMonotonicIDs(t *testing.T) {
	r := NewTaskRegistry()
	a := r.NewTask("a.bin", NewCancellable())
	b := r.NewTask("b.bin", NewCancellable())
	if a.ID == 0 || b.ID == 0 || a.ID == b.ID {
		t.Fatalf("expected distinct nonzero ids, got %d and %d", a.ID, b.ID)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}

func TestTaskRegistryGetMissing(t *testing.T) {
	r := NewTaskRegistry()
	if _, err := r.Get(999); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("got %v, want ErrTaskNotFound", err)
	}
}

func TestTransferOperationAllSucceed(t *testing.T) {
	r := NewTaskRegistry()
	a := r.NewTask("a.bin", NewCancellable())
	a.Size = 10
	b := r.NewTask("b.bin", NewCancellable())
	b.Size = 20

	var lastSent, lastTotal uint64
	op := NewTransferOperation([]*TransferTask{a, b}, func(sent, total uint64) {
		lastSent, lastTotal = sent, total
	})
	op.AddSize(a.Size)
	op.AddSize(b.Size)

	a.AddBytesRead(10)
	op.AddSent(10)
	a.Transition(TaskCompleted)
	b.AddBytesRead(20)
	op.AddSent(20)
	b.Transition(TaskCompleted)

	if result := op.Wait(); result != OperationOk {
		t.Fatalf("result = %v, want OperationOk", result)
	}
	if lastSent != 30 || lastTotal != 30 {
		t.Fatalf("progress = %d/%d, want 30/30", lastSent, lastTotal)
	}
}

func TestTransferOperationAllCancelledResolvesCancelled(t *testing.T) {
	r := NewTaskRegistry()
	a := r.NewTask("a.bin", NewCancellable())
	op := NewTransferOperation([]*TransferTask{a}, nil)

	a.Fail(ErrXferCancelled)

	if result := op.Wait(); result != OperationCancelled {
		t.Fatalf("result = %v, want OperationCancelled", result)
	}
}

func TestTransferOperationAnyFailureResolvesFailed(t *testing.T) {
	r := NewTaskRegistry()
	a := r.NewTask("a.bin", NewCancellable())
	b := r.NewTask("b.bin", NewCancellable())
	op := NewTransferOperation([]*TransferTask{a, b}, nil)

	a.Transition(TaskCompleted)
	b.Fail(errors.New("disk full"))

	if result := op.Wait(); result != OperationFailed {
		t.Fatalf("result = %v, want OperationFailed", result)
	}
}

func TestTransferOperationMixedSucceedAndCancelStillOk(t *testing.T) {
	r := NewTaskRegistry()
	a := r.NewTask("a.bin", NewCancellable())
	b := r.NewTask("b.bin", NewCancellable())
	op := NewTransferOperation([]*TransferTask{a, b}, nil)

	a.Transition(TaskCompleted)
	b.Fail(ErrXferCancelled)

	if result := op.Wait(); result != OperationOk {
		t.Fatalf("result = %v, want OperationOk (one success among cancellations still succeeds)", result)
	}
}

func TestCancellableCancelIsIdempotent(t *testing.T) {
	c := NewCancellable()
	c.Cancel()
	c.Cancel()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() channel should be closed after Cancel")
	}
	if !c.Cancelled() {
		t.Fatal("Cancelled() should report true")
	}
}
