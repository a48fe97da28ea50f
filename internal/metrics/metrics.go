package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSmoothed labels samples that reached the controller.
	OutcomeSmoothed = "smoothed"
	// OutcomeUnbound labels samples without a valid session.
	OutcomeUnbound = "unbound"
	// OutcomeRejected labels malformed samples.
	OutcomeRejected = "rejected"
	// OutcomeError labels samples whose session write failed.
	OutcomeError = "error"
)

var (
	stressSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stressloop",
			Name:      "stress_samples_total",
			Help:      "Interval samples processed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	pipelineDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stressloop",
			Name:      "pipeline_seconds",
			Help:      "Latency of one feature-to-difficulty cycle in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	classifierFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stressloop",
			Name:      "classifier_fallbacks_total",
			Help:      "Model outputs replaced by the fallback classification.",
		},
		[]string{"reason"},
	)

	notificationsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stressloop",
			Name:      "notifications_dropped_total",
			Help:      "Notifications discarded because a queue was full or a sink failed.",
		},
		[]string{"sink"},
	)

	notificationsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stressloop",
			Name:      "notifications_published_total",
			Help:      "Notifications handed to sinks, partitioned by topic.",
		},
		[]string{"topic"},
	)

	eventLogDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stressloop",
			Name:      "event_log_dropped_total",
			Help:      "Event log records discarded because the queue was full or the sink failed.",
		},
	)

	difficultyChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stressloop",
			Name:      "difficulty_changes_total",
			Help:      "Controller steps partitioned by the direction of the difficulty change.",
		},
		[]string{"direction"},
	)
)

// Register attaches stressloop collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		stressSamplesTotal,
		pipelineDurationSeconds,
		classifierFallbacksTotal,
		notificationsDroppedTotal,
		notificationsPublishedTotal,
		eventLogDroppedTotal,
		difficultyChangesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveSample records a pipeline duration and outcome label.
func ObserveSample(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSmoothed, OutcomeUnbound, OutcomeRejected:
	default:
		outcome = OutcomeError
	}
	stressSamplesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeRejected {
		return
	}
	if duration < 0 {
		duration = 0
	}
	pipelineDurationSeconds.Observe(duration.Seconds())
}

// ClassifierFallback counts a rejected or failed model prediction.
func ClassifierFallback(reason string) {
	classifierFallbacksTotal.WithLabelValues(reason).Inc()
}

// NotificationDropped counts a notification lost at the named sink.
func NotificationDropped(sink string) {
	notificationsDroppedTotal.WithLabelValues(sink).Inc()
}

// NotificationPublished counts a notification delivered to the sinks.
func NotificationPublished(topic string) {
	notificationsPublishedTotal.WithLabelValues(topic).Inc()
}

// EventLogDropped counts a lost event log record.
func EventLogDropped() {
	eventLogDroppedTotal.Inc()
}

// DifficultyChange records the direction of one controller decision.
func DifficultyChange(previous, next int) {
	direction := "hold"
	switch {
	case next > previous:
		direction = "up"
	case next < previous:
		direction = "down"
	}
	difficultyChangesTotal.WithLabelValues(direction).Inc()
}
