// Package audit appends audit entries outside the business transaction.
// Append never fails from the caller's point of view.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tillcore/backend/internal/domain"
)

// Sink persists one entry. store.Repository satisfies it.
type Sink interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type Writer struct {
	sink    Sink
	logger  *zap.Logger
	queue   chan domain.AuditLog
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
}

// NewWriter starts the drain goroutine when buffer > 0. With buffer 0 every
// Append writes inline.
func NewWriter(sink Sink, logger *zap.Logger, buffer int) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		sink:    sink,
		logger:  logger,
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
	}
	if buffer > 0 {
		w.queue = make(chan domain.AuditLog, buffer)
		go w.drain()
	} else {
		close(w.done)
	}
	return w
}

func (w *Writer) Append(ctx context.Context, entry domain.AuditLog) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Warn("audit writer closed, dropping entry",
			zap.String("action", entry.Action),
			zap.String("entity_id", entry.EntityID),
		)
		return
	}
	if w.queue == nil {
		w.write(context.WithoutCancel(ctx), entry)
		return
	}
	select {
	case w.queue <- entry:
	default:
		w.logger.Warn("audit queue full, dropping entry",
			zap.String("action", entry.Action),
			zap.String("entity_id", entry.EntityID),
		)
	}
}

func (w *Writer) drain() {
	defer close(w.done)
	for entry := range w.queue {
		w.write(context.Background(), entry)
	}
}

func (w *Writer) write(ctx context.Context, entry domain.AuditLog) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.sink.CreateAuditLog(ctx, entry); err != nil {
		w.logger.Warn("audit write failed",
			zap.String("action", entry.Action),
			zap.String("entity_type", entry.EntityType),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err),
		)
	}
}

// Close flushes the queue. Entries appended afterwards are dropped.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		if w.queue != nil {
			close(w.queue)
		}
	}
	w.mu.Unlock()
	<-w.done
}
