// Package audit implements the Audit Log Writer: a closed set of security events,
// persisted to the append-only audit_events table and mirrored onto the operational
// log stream (WARN for failure, INFO for success). Writes never block the caller — the
// Orchestrator must not await an audit write on the response critical path — so Write
// enqueues onto a bounded channel drained by a single background goroutine; if the
// queue is full the event is dropped and counted, never blocked on.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/leocalm/piggy-pulse-api/internal/models"
	"github.com/leocalm/piggy-pulse-api/internal/pkg/metrics"
	"github.com/leocalm/piggy-pulse-api/internal/repository"
)

// queueSize bounds the number of pending events. Past this, new events are dropped
// (oldest-in-queue is not evicted; the new one is, so ordering of what does persist is
// preserved) rather than blocking the caller.
const queueSize = 256

// Writer persists AuditEvents and mirrors them onto the operational log stream.
type Writer struct {
	repo  repository.AuditRepository
	log   *slog.Logger
	queue chan *models.AuditEvent
	done  chan struct{}
}

// NewWriter starts the background drain goroutine. Callers should call Close on
// shutdown to drain the queue before the process exits, bounded by the caller's own
// shutdown timeout.
func NewWriter(repo repository.AuditRepository, log *slog.Logger) *Writer {
	w := &Writer{
		repo:  repo,
		log:   log,
		queue: make(chan *models.AuditEvent, queueSize),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

// Write logs event immediately and enqueues it for persistence. Never blocks: if the
// queue is full the event is dropped and AuditEventDroppedTotal is incremented.
func (w *Writer) Write(ctx context.Context, event *models.AuditEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	w.log.Log(ctx, level, "audit event",
		"event_type", event.EventType,
		"success", event.Success,
		"user_id", derefString(event.UserID),
		"ip_address", derefString(event.IPAddress),
	)

	if w.repo == nil {
		return
	}
	select {
	case w.queue <- event:
	default:
		metrics.AuditEventDroppedTotal.Inc()
		w.log.Warn("audit event dropped: write queue full", "event_type", event.EventType)
	}
}

func (w *Writer) drain() {
	for {
		select {
		case event, ok := <-w.queue:
			if !ok {
				close(w.done)
				return
			}
			if err := w.repo.CreateAuditEvent(context.Background(), event); err != nil {
				metrics.AuditEventWriteFailuresTotal.Inc()
				w.log.Error("failed to persist audit event", "event_type", event.EventType, "error", err)
			}
		}
	}
}

// Close stops accepting new events, drains whatever is already queued, and blocks
// until the drain goroutine exits or ctx is done.
func (w *Writer) Close(ctx context.Context) {
	close(w.queue)
	select {
	case <-w.done:
	case <-ctx.Done():
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
