// Package notify fans pipeline updates out to real-time subscribers without
// ever blocking the request path.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/stressloop/internal/metrics"
	"github.com/miradorstack/stressloop/internal/models"
	"github.com/miradorstack/stressloop/internal/utils"
)

// Sink receives updates from the notifier worker.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, update models.Update) error
}

// Publisher is the narrow interface the pipeline depends on.
type Publisher interface {
	Publish(participantID, topic string, payload any)
}

// Notifier queues updates on a bounded channel and delivers them to every sink
// from a single background worker. Delivery is at-most-once.
type Notifier struct {
	queue  chan models.Update
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	deliverTimeout time.Duration
}

// Options configure a Notifier.
type Options struct {
	QueueSize      int
	DeliverTimeout time.Duration
	Logger         *slog.Logger
}

// NewNotifier starts the delivery worker.
func NewNotifier(opts Options, sinks ...Sink) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 2 * time.Second
	}
	n := &Notifier{
		queue:          make(chan models.Update, opts.QueueSize),
		sinks:          sinks,
		logger:         utils.OrDefault(opts.Logger),
		now:            time.Now,
		done:           make(chan struct{}),
		deliverTimeout: opts.DeliverTimeout,
	}
	go n.run()
	return n
}

// Publish enqueues an update. When the queue is full, or the notifier is
// closed, the update is dropped and counted.
func (n *Notifier) Publish(participantID, topic string, payload any) {
	update := models.Update{ParticipantID: participantID, Topic: topic, Time: n.now().UTC(), Payload: payload}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		metrics.NotificationDropped("queue")
		return
	}
	select {
	case n.queue <- update:
	default:
		metrics.NotificationDropped("queue")
		n.logger.Warn("notification queue full, dropping update",
			slog.String("participant_id", participantID),
			slog.String("topic", topic))
	}
}

// Close stops accepting updates and waits for queued ones to be delivered or
// for ctx to expire.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for update := range n.queue {
		n.deliver(update)
	}
}

func (n *Notifier) deliver(update models.Update) {
	for _, sink := range n.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), n.deliverTimeout)
		err := sink.Deliver(ctx, update)
		cancel()
		if err != nil {
			metrics.NotificationDropped(sink.Name())
			n.logger.Warn("notification delivery failed",
				slog.String("sink", sink.Name()),
				slog.String("participant_id", update.ParticipantID),
				slog.String("topic", update.Topic),
				slog.Any("error", err))
		}
	}
	metrics.NotificationPublished(update.Topic)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(string, string, any) {}
