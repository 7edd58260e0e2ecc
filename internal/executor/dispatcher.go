package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"relay/internal/domain"
)

const enqueueTimeout = 10 * time.Second

// Dispatcher is the buffered queue in front of the executor. Ingest and
// the scheduler both feed it; a worker loop drains it with a global
// concurrency ceiling so one noisy channel cannot starve the process.
type Dispatcher struct {
	exec   *Executor
	queue  chan domain.DispatchRequest
	sem    *semaphore.Weighted
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

func NewDispatcher(exec *Executor, queueSize, maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Dispatcher{
		exec:   exec,
		queue:  make(chan domain.DispatchRequest, queueSize),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger,
	}
}

// Blocks up to 10 seconds if the queue is full instead of dropping.
func (d *Dispatcher) Enqueue(req domain.DispatchRequest) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("attempted to enqueue on closed dispatcher", "channel", req.ChannelID)
		return
	}

	select {
	case d.queue <- req:
	default:
		d.logger.Warn("dispatch queue full, waiting...", "channel", req.ChannelID, "trigger", req.Trigger)
		timer := time.NewTimer(enqueueTimeout)
		defer timer.Stop()
		select {
		case d.queue <- req:
			d.logger.Info("dispatch enqueued after wait", "channel", req.ChannelID)
		case <-timer.C:
			d.logger.Error("dispatch dropped: queue full for 10s",
				"channel", req.ChannelID,
				"trigger", req.Trigger,
			)
			d.recordDrop(req)
		}
	}
}

// TryEnqueue is the non-waiting variant for callers on a request path
// that must answer within the platform's response window. A full queue
// drops immediately, leaving a failed record behind.
func (d *Dispatcher) TryEnqueue(req domain.DispatchRequest) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("attempted to enqueue on closed dispatcher", "channel", req.ChannelID)
		return false
	}

	select {
	case d.queue <- req:
		return true
	default:
		d.logger.Error("dispatch dropped: queue full",
			"channel", req.ChannelID,
			"trigger", req.Trigger,
		)
		d.recordDrop(req)
		return false
	}
}

// recordDrop leaves a failed record behind so a dropped dispatch still
// shows up in the history.
func (d *Dispatcher) recordDrop(req domain.DispatchRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const summary = "dispatch dropped: queue full"
	if req.RecordID != "" {
		if err := d.exec.store.FinalizeRecord(ctx, req.RecordID, domain.ExecFailed, summary); err != nil {
			d.logger.Error("record dropped dispatch", "channel", req.ChannelID, "err", err)
		}
		return
	}
	rec := &domain.ExecutionRecord{
		TaskID:     req.TaskID,
		Trigger:    req.Trigger,
		Status:     domain.ExecFailed,
		Summary:    summary,
		FinishedAt: time.Now(),
	}
	if err := d.exec.store.InsertRecord(ctx, rec); err != nil {
		d.logger.Error("record dropped dispatch", "channel", req.ChannelID, "err", err)
	}
}

// Run drains the queue until ctx is cancelled, then waits for in-flight
// dispatches to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case req := <-d.queue:
			if err := d.sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer d.sem.Release(1)
				d.exec.Execute(ctx, req)
			}()
		}
	}
}

func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}
