package repo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/stressloop/internal/metrics"
	"github.com/miradorstack/stressloop/internal/models"
	"github.com/miradorstack/stressloop/internal/utils"
)

// EventWriter durably records one event.
type EventWriter interface {
	WriteEvent(ctx context.Context, event models.Event) error
}

// LogEventSink writes events to the structured logger.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink constructs a logger-backed EventWriter.
func NewLogEventSink(logger *slog.Logger) *LogEventSink {
	return &LogEventSink{logger: utils.OrDefault(logger)}
}

// WriteEvent implements EventWriter.
func (s *LogEventSink) WriteEvent(ctx context.Context, event models.Event) error {
	attrs := []slog.Attr{
		slog.String("kind", string(event.Kind)),
		slog.String("participant_id", event.ParticipantID),
		slog.Time("time", event.Time),
	}
	if st := event.Stress; st != nil {
		attrs = append(attrs,
			slog.Int("label", st.Label),
			slog.Any("proba", st.Proba),
			slog.Float64("ema_high", st.EMAHigh),
			slog.Int("smoothed_label", st.SmoothedLabel),
			slog.Int("difficulty", st.Difficulty))
	}
	if task := event.Task; task != nil {
		attrs = append(attrs,
			slog.String("task", task.Task),
			slog.Int("trial", task.Trial),
			slog.String("event", task.Event))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "event", attrs...)
	return nil
}

// AsyncEventLog makes an EventWriter fire-and-forget: Append enqueues on a
// bounded channel and a background worker writes. Full queue or write
// failure drops the event.
type AsyncEventLog struct {
	writer       EventWriter
	queue        chan models.Event
	logger       *slog.Logger
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncEventLog starts the writer goroutine.
func NewAsyncEventLog(writer EventWriter, queueSize int, logger *slog.Logger) *AsyncEventLog {
	if queueSize <= 0 {
		queueSize = 1024
	}
	l := &AsyncEventLog{
		writer:       writer,
		queue:        make(chan models.Event, queueSize),
		logger:       utils.OrDefault(logger),
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	go l.run()
	return l
}

// Append enqueues event without blocking.
func (l *AsyncEventLog) Append(event models.Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		metrics.EventLogDropped()
		return
	}
	select {
	case l.queue <- event:
	default:
		metrics.EventLogDropped()
		l.logger.Warn("event log queue full, dropping event",
			slog.String("kind", string(event.Kind)),
			slog.String("participant_id", event.ParticipantID))
	}
}

// Close stops accepting events and waits for the queue to drain.
func (l *AsyncEventLog) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *AsyncEventLog) run() {
	defer close(l.done)
	for event := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		err := l.writer.WriteEvent(ctx, event)
		cancel()
		if err != nil {
			metrics.EventLogDropped()
			l.logger.Warn("event log write failed",
				slog.String("kind", string(event.Kind)),
				slog.String("participant_id", event.ParticipantID),
				slog.Any("error", err))
		}
	}
}
