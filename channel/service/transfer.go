// Package service implements the Transfer Engine: the file-transfer task
// lifecycle, read pump, progress aggregation, and error/cancel propagation
// of spec.md §4.4.
package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"time"

	"github.com/spicevd/agentchannel/channel/manager"
	"github.com/spicevd/agentchannel/channel/transport"
	"github.com/spicevd/agentchannel/internal/observability"
	"github.com/spicevd/agentchannel/internal/ratelimit"
)

// progressLogInterval bounds how often sendLoop emits a progress debug line
// per task, per SPEC_FULL.md §3's TransferTask.lastLogTime gate.
const progressLogInterval = time.Second

// FileRequest describes one file handed to CopyAsync. Open is deferred
// until the task reaches Initializing (spec.md §3 "input_stream opened
// lazily on init"); it returns the opened reader and the file's total size.
type FileRequest struct {
	Path string
	Open func() (io.ReadCloser, uint64, error)
}

// AgentLink is what the Transfer Engine needs from the Agent Session: an
// outbound path and the negotiated connection/capability state gating
// copy_async (spec.md §4.4 "Before any I/O").
type AgentLink interface {
	Connected() bool
	HasCap(bit int) bool
	HasRemoteCap(bit int) bool
	Outbox() *transport.Outbox
}

// RecentFilesRecorder is the subset of internal/persistence.Store the
// Transfer Engine uses to record successfully transferred files — the
// "recent-files record" spec.md §9 flags as module-scope state to recast as
// an explicit, passed-in collaborator. A narrow interface here, rather than
// importing internal/persistence directly, lets tests use a plain fake.
type RecentFilesRecorder interface {
	RecordRecentFile(path string, when time.Time) error
}

// Engine runs the per-task state machine of spec.md §4.4 over a shared
// AgentLink and TaskRegistry. Grounded on the teacher's worker-pool
// orchestration in daemon/transport/chunk_sender.go (one goroutine per
// unit of work, coordinated through channels) — generalized here from a
// fixed worker pool pumping pre-chunked FEC shards to one goroutine per
// TransferTask driving its own read-send-await loop, since spec.md's
// "pending" invariant requires exactly one outstanding op per task, not a
// shared pool.
type Engine struct {
	link     AgentLink
	tasks    *manager.TaskRegistry
	log      *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	chunkBuf int
	waiters  statusWaiters
	logGate  *ratelimit.LogGate
	recent   RecentFilesRecorder
}

// NewEngine builds a Transfer Engine over link, using registry to allocate
// and track TransferTasks. Grounded on the teacher's NewChunkReceiver, which
// takes its *observability.Logger directly as a constructor parameter
// rather than building one internally (daemon/transport/chunk_receiver.go).
func NewEngine(link AgentLink, registry *manager.TaskRegistry, log *observability.Logger) *Engine {
	return &Engine{
		link:     link,
		tasks:    registry,
		log:      log,
		now:      time.Now,
		chunkBuf: transport.ChunkSize,
		waiters:  newStatusWaiters(),
		logGate:  ratelimit.NewLogGate(progressLogInterval),
	}
}

// SetRecentFilesRecorder installs the store the Engine records successfully
// completed transfers into. Optional: a nil recorder (the default) simply
// skips recording.
func (e *Engine) SetRecentFilesRecorder(recent RecentFilesRecorder) {
	e.recent = recent
}

// SetMetrics installs the Prometheus recorder for transfer start/complete
// events. Optional: a nil metrics collector (the default) simply skips
// recording.
func (e *Engine) SetMetrics(metrics *observability.Metrics) {
	e.metrics = metrics
}

// CopyAsync starts a batch transfer of files, gated on the agent being
// connected and the guest not advertising file-transfer-disabled
// (spec.md §4.4 "Initiation"). An empty file list returns a nil
// TransferOperation and a nil error at once, before any other check, and
// sends nothing (spec.md §9 Open Question: copy_async on an empty list is a
// same-tick no-op, not a zero-task operation that would need special-case
// resolution logic).
func (e *Engine) CopyAsync(files []FileRequest, cancellable *manager.Cancellable, progress func(sent, total uint64)) (*manager.TransferOperation, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if !e.link.Connected() {
		return nil, manager.ErrAgentGone
	}
	if e.link.HasRemoteCap(transport.CapFileTransferDisabledPosition) {
		return nil, manager.ErrXferDisabled
	}

	shared := cancellable
	tasks := make([]*manager.TransferTask, 0, len(files))
	for _, f := range files {
		c := shared
		if c == nil {
			c = manager.NewCancellable()
		}
		t := e.tasks.NewTask(filepath.Base(f.Path), c)
		tasks = append(tasks, t)
	}

	op := manager.NewTransferOperation(tasks, progress)
	for i, f := range files {
		go e.runTask(tasks[i], f, op)
	}
	return op, nil
}

// runTask drives one TransferTask's whole lifecycle under its own span
// (SPEC_FULL.md §2 "Agent Session dispatch and Transfer Engine task
// lifecycles open spans").
func (e *Engine) runTask(t *manager.TransferTask, f FileRequest, op *manager.TransferOperation) {
	_, span := observability.StartSpan(context.Background(), "transfer_engine.task")
	defer span.End()
	defer e.tasks.Remove(t.ID)
	defer e.logGate.Forget(t.ID)

	t.Transition(manager.TaskInitializing)
	if t.Cancellable.Cancelled() {
		// Cancelled before any agent-visible state: complete silently,
		// nothing was ever sent (spec.md §4.4 "Cancellation").
		t.Fail(manager.ErrXferCancelled)
		return
	}

	reader, size, err := f.Open()
	if err != nil {
		e.log.WithTask(t.ID).Error(err, "failed to open file for transfer")
		t.Fail(err)
		return
	}
	defer reader.Close()
	t.Size = size
	op.AddSize(size)
	t.StartTime = e.now()
	e.log.TransferStarted(t.ID, t.Name, size)
	if e.metrics != nil {
		e.metrics.RecordTransferStart()
	}

	start := transport.FileXferStartPayload{ID: t.ID, Name: t.Name, Size: size}
	startHandle := e.link.Outbox().Send(transport.AgentMessage{
		Type:    transport.MsgFileXferStart,
		Payload: transport.EncodeFileXferStart(start),
	})
	<-e.link.Outbox().Flush(startHandle)

	t.Transition(manager.TaskAwaitingAgentGo)
	status := <-e.awaitStatus(t)
	if status == nil {
		// The registry dropped this task out from under us (reset/shutdown
		// raced the send) — treat as agent gone.
		t.Fail(manager.ErrAgentGone)
		return
	}
	if status.Result != transport.XferCanSendData {
		e.completeFromStatus(t, *status)
		return
	}

	e.sendLoop(t, reader, op)
}

// sendLoop implements the Sending/Draining half of spec.md §4.4's state
// diagram: read up to ChunkSize bytes, send DATA, wait for the flush, loop;
// on EOF, send a single size==0 DATA only for a genuinely empty file
// (non-empty files must never emit size==0, "a well-known guest bug would
// otherwise be triggered" — spec.md §4.4 "Zero-byte files").
func (e *Engine) sendLoop(t *manager.TransferTask, reader io.Reader, op *manager.TransferOperation) {
	t.Transition(manager.TaskSending)
	buf := make([]byte, e.chunkBuf)
	sentAny := false

	for {
		if t.Cancellable.Cancelled() {
			e.sendStatus(t, transport.XferCancelled, 0)
			t.Fail(manager.ErrXferCancelled)
			return
		}

		n, err := reader.Read(buf)
		if n > 0 {
			sentAny = true
			data := append([]byte(nil), buf[:n]...)
			handle := e.link.Outbox().Send(transport.AgentMessage{
				Type:    transport.MsgFileXferData,
				Payload: transport.EncodeFileXferData(transport.FileXferDataPayload{ID: t.ID, Data: data}),
			})
			if flushErr := <-e.link.Outbox().Flush(handle); flushErr != nil {
				e.sendStatus(t, transport.XferError, 0)
				t.Fail(flushErr)
				return
			}
			t.AddBytesRead(uint64(n))
			op.AddSent(uint64(n))

			now := e.now()
			if e.logGate.Allow(t.ID, now) {
				t.LastLogTime = now
				_, bytesRead, size, _ := t.Snapshot()
				e.log.TransferProgress(t.ID, bytesRead, size, now.Sub(t.StartTime))
			}
		}
		if err == io.EOF || (err == nil && n == 0) {
			if !sentAny {
				handle := e.link.Outbox().Send(transport.AgentMessage{
					Type:    transport.MsgFileXferData,
					Payload: transport.EncodeFileXferData(transport.FileXferDataPayload{ID: t.ID, Data: nil}),
				})
				<-e.link.Outbox().Flush(handle)
			}
			break
		}
		if err != nil {
			e.sendStatus(t, transport.XferError, 0)
			t.Fail(err)
			return
		}
	}

	t.Transition(manager.TaskDraining)
	status := <-e.awaitStatus(t)
	if status == nil {
		t.Fail(manager.ErrAgentGone)
		return
	}
	e.completeFromStatus(t, *status)
}

func (e *Engine) sendStatus(t *manager.TransferTask, result transport.XferResult, freeBytes uint64) {
	handle := e.link.Outbox().Send(transport.AgentMessage{
		Type: transport.MsgFileXferStatus,
		Payload: transport.EncodeFileXferStatus(transport.FileXferStatusPayload{
			ID: t.ID, Result: result, FreeBytes: freeBytes,
		}),
	})
	<-e.link.Outbox().Flush(handle)
}

func (e *Engine) completeFromStatus(t *manager.TransferTask, status transport.FileXferStatusPayload) {
	_, bytesRead, _, _ := t.Snapshot()
	duration := e.now().Sub(t.StartTime)

	var outcome string
	var taskErr error
	switch status.Result {
	case transport.XferSuccess:
		outcome = "success"
		t.Transition(manager.TaskCompleted)
		if e.recent != nil {
			if err := e.recent.RecordRecentFile(t.Name, e.now()); err != nil {
				e.log.WithTask(t.ID).Warn("failed to record recent-files entry: " + err.Error())
			}
		}
	case transport.XferCancelled:
		outcome = "cancelled"
		taskErr = manager.ErrXferCancelled
		t.Fail(taskErr)
	case transport.XferNotEnoughSpace:
		outcome = "failed"
		taskErr = &manager.NotEnoughSpaceError{FreeBytes: status.FreeBytes, RequiredBytes: t.Size}
		t.Fail(taskErr)
	case transport.XferSessionLocked:
		outcome = "failed"
		taskErr = errors.New("manager: guest session locked")
		t.Fail(taskErr)
	case transport.XferAgentNotConnected:
		outcome = "failed"
		taskErr = manager.ErrAgentGone
		t.Fail(taskErr)
	case transport.XferDisabled:
		outcome = "failed"
		taskErr = manager.ErrXferDisabled
		t.Fail(taskErr)
	default:
		outcome = "failed"
		taskErr = errors.New("manager: guest reported a transfer error")
		t.Fail(taskErr)
	}

	e.log.TransferCompleted(t.ID, bytesRead, duration, taskErr)
	if e.metrics != nil {
		e.metrics.RecordTransferComplete(outcome, duration.Seconds(), bytesRead)
	}
}

func (e *Engine) awaitStatus(t *manager.TransferTask) <-chan *transport.FileXferStatusPayload {
	return e.waiters.await(t.ID)
}

// OnStatus routes an inbound FILE_XFER_STATUS to the task awaiting it
// (spec.md §4.6 dispatch table: "FILE_XFER_STATUS → route to Transfer
// Engine by id"). A status that arrives before the task calls awaitStatus
// is held pending, not dropped.
func (e *Engine) OnStatus(status transport.FileXferStatusPayload) {
	e.waiters.deliver(status)
}

// Reset fails every in-flight task with "agent disconnected"
// (spec.md §4.6 "Reset").
func (e *Engine) Reset() {
	e.waiters.drain()
}
