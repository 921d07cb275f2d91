package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	appctx "github.com/vidamais/edgeguard/internal/context"
	"github.com/vidamais/edgeguard/internal/metrics"
)

// DefaultDeliveryTimeout bounds the time spent on a single sink.
const DefaultDeliveryTimeout = 5 * time.Second

// Bus fans events out to every registered sink, synchronously and in
// registration order.
type Bus struct {
	mu      sync.RWMutex
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewBus creates a Bus delivering to sinks.
func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		sinks:   sinks,
		timeout: DefaultDeliveryTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// SetTimeout changes the per-sink delivery timeout.
func (b *Bus) SetTimeout(d time.Duration) {
	if d > 0 {
		b.timeout = d
	}
}

// AddSink registers another sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish stamps the event and hands it to every sink. Errors and panics in
// sinks are logged and swallowed.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if event.Actor == "" {
		if actor, ok := appctx.ExtractActor(ctx); ok {
			event.Actor = actor
		}
	}
	if ip, ok := appctx.ExtractSourceIP(ctx); ok {
		event = event.With("source_ip", ip)
	}

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	// The request context may already be cancelled by the time a slow
	// mutation finishes; deliveries get their own deadline.
	base := context.WithoutCancel(ctx)
	for _, sink := range sinks {
		b.deliver(base, sink, event)
	}
}

func (b *Bus) deliver(ctx context.Context, sink Sink, event Event) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordNotificationFailure(sink.Name())
			b.logger.Error("Notification sink panicked",
				"sink", sink.Name(), "event_type", event.Type, "panic", r)
		}
	}()

	if err := sink.Notify(ctx, event); err != nil {
		metrics.RecordNotificationFailure(sink.Name())
		b.logger.Warn("Notification delivery failed",
			"sink", sink.Name(),
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{
		"event_id", e.ID,
		"event_type", e.Type,
		"subject", e.Subject,
		"actor", e.Actor,
	}
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, level, e.Message, attrs...)
	return nil
}
