// Package events carries pipeline progress notifications to observers.
// Emission is fire-and-forget: a sink failure is logged and never fails the
// operation that produced the event.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/fixbase/docpipe/internal/logging"
)

// Event names emitted by the pipeline and queue.
const (
	StageStarted   = "stage.started"
	StageCompleted = "stage.completed"
	StageFailed    = "stage.failed"
	RetryScheduled = "retry.scheduled"
	QueueDepth     = "queue.depth"
	BatchProgress  = "batch.progress"
)

// Event is one progress notification.
type Event struct {
	Name       string         `json:"name"`
	DocumentID string         `json:"document_id,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	At         time.Time      `json:"at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Emitter delivers events to a sink.
type Emitter interface {
	Emit(ctx context.Context, e Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}
func (Nop) Close() error                { return nil }

// SlogSink writes events as structured log records. Always present: even
// when no external sink is configured, progress remains observable in logs.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink over the given logger; nil means slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, e Event) {
	attrs := make([]any, 0, 6)
	if e.DocumentID != "" {
		attrs = append(attrs, logging.Document(e.DocumentID))
	}
	if e.Stage != "" {
		attrs = append(attrs, logging.Stage(e.Stage))
	}
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.InfoContext(ctx, e.Name, attrs...)
}

func (s *SlogSink) Close() error { return nil }

// Multi fans one event out to every sink.
type Multi struct {
	sinks []Emitter
}

// NewMulti builds a fan-out emitter. Nil sinks are skipped.
func NewMulti(sinks ...Emitter) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, s := range m.sinks {
		s.Emit(ctx, e)
	}
}

func (m *Multi) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
