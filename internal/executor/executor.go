// Package executor runs dispatches: the one code path every trigger
// source feeds into, whether the event came from a platform webhook or
// from the scheduler.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"relay/internal/domain"
)

const (
	summaryMaxLen   = 200
	finalizeTimeout = 5 * time.Second
)

// AdapterResolver is the slice of the channel registry the executor
// needs.
type AdapterResolver interface {
	Resolve(ctx context.Context, channelID string) (domain.Adapter, error)
}

// Executor turns one DispatchRequest into one finalized ExecutionRecord.
// It owns its own store handle, never one borrowed from an HTTP
// request scope, since reactive dispatches outlive their originating
// request and proactive ones have no request at all.
type Executor struct {
	store    domain.Store
	agent    domain.AgentRuntime
	registry AdapterResolver
	logger   *slog.Logger
}

type Config struct {
	Store    domain.Store
	Agent    domain.AgentRuntime
	Registry AdapterResolver
	Logger   *slog.Logger
}

func New(cfg Config) *Executor {
	return &Executor{
		store:    cfg.Store,
		agent:    cfg.Agent,
		registry: cfg.Registry,
		logger:   cfg.Logger,
	}
}

// Execute runs the full pipeline for one dispatch and returns its
// finalized record. It is the failure containment boundary: nothing that
// goes wrong inside a dispatch propagates to the caller.
func (e *Executor) Execute(ctx context.Context, req domain.DispatchRequest) domain.ExecutionRecord {
	rec := domain.ExecutionRecord{
		ID:        req.RecordID,
		TaskID:    req.TaskID,
		Trigger:   req.Trigger,
		Status:    domain.ExecPending,
		StartedAt: time.Now(),
	}
	// The trigger source may have inserted the pending record already,
	// at enqueue time, so the task counts as in flight while queued.
	if req.RecordID == "" {
		if err := e.store.InsertRecord(ctx, &rec); err != nil {
			// Store down: fatal for this dispatch only.
			e.logger.Error("dispatch record insert failed", "trigger", req.Trigger, "err", err)
			rec.Status = domain.ExecFailed
			rec.Summary = fmt.Sprintf("record insert: %v", err)
			rec.FinishedAt = time.Now()
			return rec
		}
	}
	if err := e.store.MarkRunning(ctx, rec.ID); err != nil {
		e.logger.Error("dispatch record transition failed", "record", rec.ID, "err", err)
	}
	rec.Status = domain.ExecRunning

	summary, err := e.dispatch(ctx, req)
	status := domain.ExecCompleted
	if err != nil {
		status = domain.ExecFailed
		summary = err.Error()
		e.logger.Error("dispatch failed",
			"record", rec.ID,
			"trigger", req.Trigger,
			"channel", req.ChannelID,
			"err", err,
		)
	} else {
		e.logger.Info("dispatch completed",
			"record", rec.ID,
			"trigger", req.Trigger,
			"channel", req.ChannelID,
		)
	}

	// Finalization runs on its own context: the dispatch ctx is already
	// cancelled during shutdown, and a record stuck in running would
	// keep its task in flight across restarts.
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if ferr := e.store.FinalizeRecord(fctx, rec.ID, status, truncate(summary, summaryMaxLen)); ferr != nil {
		e.logger.Error("dispatch record finalize failed", "record", rec.ID, "err", ferr)
	}
	rec.Status = status
	rec.Summary = truncate(summary, summaryMaxLen)
	rec.FinishedAt = time.Now()
	return rec
}

// dispatch runs agent invocation and delivery, returning a short result
// summary. The agent streams into an internal channel; the executor
// forwards chunks to the adapter in arrival order while accumulating the
// full text for the record.
func (e *Executor) dispatch(ctx context.Context, req domain.DispatchRequest) (string, error) {
	adapter, err := e.registry.Resolve(ctx, req.ChannelID)
	if err != nil {
		return "", fmt.Errorf("resolve channel: %w", err)
	}

	chunks := make(chan string, 32)
	invokeErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		invokeErr <- e.agent.Invoke(ctx, domain.InvokeRequest{
			AgentRef:       req.AgentRef,
			Prompt:         req.Prompt,
			ConversationID: req.ConversationID,
		}, chunks)
	}()

	delivery := make(chan string, 32)
	sendDone := make(chan error, 1)
	go func() {
		sendDone <- adapter.SendStream(ctx, req.TargetID, delivery)
	}()

	var (
		full       strings.Builder
		sendErr    error
		sendFailed bool
	)
	for chunk := range chunks {
		full.WriteString(chunk)
		if sendFailed {
			continue // keep draining so the agent run can finish
		}
		select {
		case delivery <- chunk:
		case sendErr = <-sendDone:
			sendFailed = true
		}
	}
	close(delivery)
	if !sendFailed {
		sendErr = <-sendDone
	}

	if aerr := <-invokeErr; aerr != nil {
		return "", fmt.Errorf("agent invocation: %w", aerr)
	}
	if sendErr != nil {
		return "", fmt.Errorf("delivery: %w", sendErr)
	}
	return full.String(), nil
}

// truncate clips s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
