package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tillcore/backend/internal/domain"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.AuditLog
	err     error
}

func (s *recordingSink) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestWriterFlushesOnClose(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink, nil, 16)
	for i := 0; i < 10; i++ {
		w.Append(context.Background(), domain.AuditLog{Action: "sale.completed"})
	}
	w.Close()
	if got := sink.count(); got != 10 {
		t.Fatalf("expected 10 entries after close, got %d", got)
	}
}

func TestWriterLogsFailureInsteadOfReturning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &recordingSink{err: errors.New("db down")}
	w := NewWriter(sink, zap.New(core), 0)

	w.Append(context.Background(), domain.AuditLog{Action: "refund.issued", EntityID: "inv-1"})
	w.Close()

	if logs.FilterMessage("audit write failed").Len() != 1 {
		t.Fatalf("expected one warning, got %v", logs.All())
	}
}

func TestSynchronousWriterSurvivesCancelledContext(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w.Append(ctx, domain.AuditLog{Action: "drawer.closed"})
	if sink.count() != 1 {
		t.Fatalf("expected entry written despite cancelled request context")
	}
	if sink.entries[0].CreatedAt.IsZero() {
		t.Fatalf("expected timestamp to be filled")
	}
}

func TestWriterDropsEntriesAfterClose(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &recordingSink{}
	w := NewWriter(sink, zap.New(core), 4)
	w.Close()

	w.Append(context.Background(), domain.AuditLog{Action: "sale.complete", EntityID: "inv-late"})
	w.Close()

	if sink.count() != 0 {
		t.Fatalf("expected no entries written after close")
	}
	if logs.FilterMessage("audit writer closed, dropping entry").Len() != 1 {
		t.Fatalf("expected one drop warning, got %v", logs.All())
	}
}
