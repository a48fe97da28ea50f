package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/miradorstack/stressloop/internal/classifier"
	"github.com/miradorstack/stressloop/internal/controller"
	"github.com/miradorstack/stressloop/internal/features"
	"github.com/miradorstack/stressloop/internal/metrics"
	"github.com/miradorstack/stressloop/internal/models"
	"github.com/miradorstack/stressloop/internal/notify"
	"github.com/miradorstack/stressloop/internal/registry"
	"github.com/miradorstack/stressloop/internal/repo"
	"github.com/miradorstack/stressloop/internal/smoothing"
	"github.com/miradorstack/stressloop/internal/utils"
)

var (
	// ErrMalformedInput rejects interval samples that cannot be processed.
	ErrMalformedInput = &utils.AppError{Kind: utils.KindInvalidInput, Msg: "malformed interval sample"}
	// ErrPersistence signals that the session accumulator could not be read or written.
	ErrPersistence = &utils.AppError{Kind: utils.KindUnavailable, Msg: "session store unavailable"}
)

// SessionStore is the slice of the session store the pipeline needs.
type SessionStore interface {
	LookupSession(ctx context.Context, token string) (models.Session, error)
	UpdateEMAHigh(ctx context.Context, token string, value float64) error
}

// EventSink records pipeline events without blocking.
type EventSink interface {
	Append(event models.Event)
}

// Config carries the process-wide pipeline parameters.
type Config struct {
	Alpha  float64
	Bounds controller.Bounds
}

// Request is one stress sample.
type Request struct {
	Intervals []float64
	Token     string
}

// Smoothed is present only when the sample was bound to a valid session.
type Smoothed struct {
	EMAHigh float64 `json:"ema_high"`
	Label   int     `json:"label"`
}

// Response is the outcome of one cycle. Smoothed and Difficulty are nil when
// no valid session was bound.
type Response struct {
	ParticipantID  string            `json:"participant_id,omitempty"`
	Features       features.Vector   `json:"features"`
	Classification classifier.Result `json:"classification"`
	Smoothed       *Smoothed         `json:"smoothed,omitempty"`
	Difficulty     *int              `json:"difficulty,omitempty"`
}

// Stats summarises recent pipeline latency.
type Stats struct {
	Samples int
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
}

// Pipeline runs feature extraction, classification, smoothing, control and
// fan-out for each stress sample.
type Pipeline struct {
	cfg        Config
	logger     *slog.Logger
	classifier classifier.Classifier
	sessions   SessionStore
	registry   *registry.Registry
	publisher  notify.Publisher
	events     EventSink
	latency    *utils.LatencyTracker
	now        func() time.Time
}

// NewPipeline wires the pipeline. publisher and events may be nil.
func NewPipeline(
	cfg Config,
	logger *slog.Logger,
	cls classifier.Classifier,
	sessions SessionStore,
	reg *registry.Registry,
	publisher notify.Publisher,
	events EventSink,
) *Pipeline {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = smoothing.DefaultAlpha
	}
	if cfg.Bounds.Min == 0 && cfg.Bounds.Max == 0 {
		cfg.Bounds = controller.DefaultBounds()
	}
	if cls == nil {
		cls = classifier.Fallback{}
	}
	if publisher == nil {
		publisher = notify.Discard{}
	}
	return &Pipeline{
		cfg:        cfg,
		logger:     utils.OrDefault(logger),
		classifier: cls,
		sessions:   sessions,
		registry:   reg,
		publisher:  publisher,
		events:     events,
		latency:    utils.NewLatencyTracker(1024),
		now:        time.Now,
	}
}

// Process handles one sample. A malformed sample returns ErrMalformedInput.
// A failed ema write returns ErrPersistence together with the unsmoothed
// response; the controller is not stepped in that case.
func (p *Pipeline) Process(ctx context.Context, req Request) (Response, error) {
	if err := validateIntervals(req.Intervals); err != nil {
		metrics.ObserveSample(0, metrics.OutcomeRejected)
		return Response{}, err
	}

	start := p.now()
	vec := features.Extract(req.Intervals)
	resp := Response{
		Features:       vec,
		Classification: p.classifier.Classify(ctx, vec),
	}

	outcome, err := p.control(ctx, req.Token, &resp)
	p.observe(start, outcome)
	return resp, err
}

// Stats reports latency percentiles over recent samples.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Samples: p.latency.Count(),
		P50:     p.latency.Percentile(50),
		P95:     p.latency.Percentile(95),
		P99:     p.latency.Percentile(99),
	}
}

func (p *Pipeline) control(ctx context.Context, token string, resp *Response) (string, error) {
	if token == "" || p.sessions == nil || p.registry == nil {
		return metrics.OutcomeUnbound, nil
	}

	sess, bound, err := p.lookup(ctx, token)
	if err != nil {
		return metrics.OutcomeError, err
	}
	if !bound {
		return metrics.OutcomeUnbound, nil
	}
	resp.ParticipantID = sess.ParticipantID

	var (
		ema        float64
		difficulty int
		stillBound = true
	)
	err = p.registry.Do(sess.ParticipantID, func(entry *registry.Entry) error {
		// Re-read under the participant lock so concurrent samples chain their ema.
		fresh, ok, err := p.lookup(ctx, token)
		if err != nil {
			return err
		}
		if !ok {
			stillBound = false
			return nil
		}

		ema = smoothing.Update(fresh.EMAHigh, resp.Classification.High(), p.cfg.Alpha)
		if err := p.sessions.UpdateEMAHigh(ctx, token, ema); err != nil {
			return utils.NewAppError("engine.UpdateEMAHigh", utils.KindUnavailable, ErrPersistence.Msg, err)
		}

		output := entry.Controller().Step(ema)
		previous := entry.Difficulty()
		difficulty = p.cfg.Bounds.NextDifficulty(previous, output)
		entry.SetDifficulty(difficulty)
		metrics.DifficultyChange(previous, difficulty)

		p.logger.Debug("controller step",
			slog.String("participant_id", sess.ParticipantID),
			slog.Float64("ema_high", ema),
			slog.Float64("output", output),
			slog.Int("difficulty", difficulty))

		p.publish(sess.ParticipantID, ema, difficulty, resp.Classification)
		return nil
	})
	if err != nil {
		p.logger.Error("session write failed",
			slog.String("participant_id", sess.ParticipantID),
			slog.Any("error", err))
		return metrics.OutcomeError, err
	}
	if !stillBound {
		return metrics.OutcomeUnbound, nil
	}

	resp.Smoothed = &Smoothed{EMAHigh: ema, Label: smoothing.Label(ema)}
	resp.Difficulty = &difficulty
	p.appendEvent(sess, token, resp)
	return metrics.OutcomeSmoothed, nil
}

// lookup resolves token; an unknown or expired session is reported as unbound.
func (p *Pipeline) lookup(ctx context.Context, token string) (models.Session, bool, error) {
	sess, err := p.sessions.LookupSession(ctx, token)
	switch {
	case err == nil:
		return sess, true, nil
	case errors.Is(err, repo.ErrSessionNotFound), errors.Is(err, repo.ErrSessionExpired):
		p.logger.Debug("stress sample without valid session", slog.Any("reason", err))
		return models.Session{}, false, nil
	default:
		return models.Session{}, false, utils.NewAppError("engine.LookupSession", utils.KindUnavailable, ErrPersistence.Msg, err)
	}
}

func (p *Pipeline) publish(participantID string, ema float64, difficulty int, res classifier.Result) {
	p.publisher.Publish(participantID, models.TopicStress, models.StressUpdate{
		EMAHigh:       ema,
		SmoothedLabel: smoothing.Label(ema),
		Proba:         res.Proba,
		Label:         res.Label,
	})
	p.publisher.Publish(participantID, models.TopicDifficulty, models.DifficultyUpdate{Difficulty: difficulty})
}

func (p *Pipeline) appendEvent(sess models.Session, token string, resp *Response) {
	if p.events == nil {
		return
	}
	p.events.Append(models.Event{
		Kind:          models.EventStress,
		ParticipantID: sess.ParticipantID,
		SessionToken:  token,
		Time:          p.now().UTC(),
		Stress: &models.StressRecord{
			Label:         resp.Classification.Label,
			Proba:         resp.Classification.Proba,
			Source:        resp.Classification.Source,
			EMAHigh:       resp.Smoothed.EMAHigh,
			SmoothedLabel: resp.Smoothed.Label,
			Difficulty:    *resp.Difficulty,
			Features:      resp.Features.Map(),
		},
	})
}

func (p *Pipeline) observe(start time.Time, outcome string) {
	elapsed := p.now().Sub(start)
	p.latency.Observe(elapsed)
	metrics.ObserveSample(elapsed, outcome)
}

func validateIntervals(intervals []float64) error {
	if len(intervals) == 0 {
		return utils.NewAppError("engine.Process", utils.KindInvalidInput, ErrMalformedInput.Msg, errors.New("no intervals supplied"))
	}
	for i, v := range intervals {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return utils.NewAppError("engine.Process", utils.KindInvalidInput, ErrMalformedInput.Msg, fmt.Errorf("interval %d is %v", i, v))
		}
	}
	return nil
}
