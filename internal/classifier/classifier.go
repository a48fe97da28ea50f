// Package classifier maps HRV feature vectors to a three-level stress
// distribution. A model-backed classifier is used when a model is available at
// startup; otherwise every sample gets the fallback result.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/miradorstack/stressloop/internal/features"
	"github.com/miradorstack/stressloop/internal/metrics"
	"github.com/miradorstack/stressloop/internal/utils"
)

// Stress levels in distribution order.
const (
	LevelLow = iota
	LevelMedium
	LevelHigh
)

// Result sources.
const (
	SourceModel    = "model"
	SourceRemote   = "remote"
	SourceFallback = "fallback"
)

// Result is one classification: the argmax label and the full distribution.
type Result struct {
	Label  int        `json:"label"`
	Proba  [3]float64 `json:"proba"`
	Source string     `json:"source"`
}

// High returns the probability of the high-stress class.
func (r Result) High() float64 { return r.Proba[LevelHigh] }

// FallbackResult is the constant low-stress classification.
func FallbackResult() Result {
	return Result{Label: LevelLow, Proba: [3]float64{1, 0, 0}, Source: SourceFallback}
}

// Classifier turns a feature vector into a Result. Implementations never fail.
type Classifier interface {
	Classify(ctx context.Context, vec features.Vector) Result
}

// Model is a pretrained predictor over [rmssd, sdnn, mean interval, derived rate].
type Model interface {
	PredictDistribution(ctx context.Context, inputs [4]float64) ([3]float64, error)
}

// Fallback always returns FallbackResult.
type Fallback struct{}

// Classify implements Classifier.
func (Fallback) Classify(context.Context, features.Vector) Result { return FallbackResult() }

// ModelBacked classifies with a Model and validates its output.
type ModelBacked struct {
	model  Model
	source string
	logger *slog.Logger
}

// NewModelBacked wraps model; source labels results (SourceModel, SourceRemote).
func NewModelBacked(model Model, source string, logger *slog.Logger) *ModelBacked {
	if source == "" {
		source = SourceModel
	}
	return &ModelBacked{model: model, source: source, logger: utils.OrDefault(logger)}
}

// Classify implements Classifier. Invalid model output or a model error yields
// the fallback result.
func (c *ModelBacked) Classify(ctx context.Context, vec features.Vector) Result {
	proba, err := c.model.PredictDistribution(ctx, vec.Inputs())
	if err != nil {
		metrics.ClassifierFallback("error")
		c.logger.Warn("model prediction failed", slog.String("source", c.source), slog.Any("error", err))
		return FallbackResult()
	}

	normalised, err := Normalise(proba)
	if err != nil {
		metrics.ClassifierFallback("invalid_output")
		c.logger.Debug("model output rejected", slog.String("source", c.source), slog.Any("proba", proba), slog.Any("error", err))
		return FallbackResult()
	}

	return Result{Label: Argmax(normalised), Proba: normalised, Source: c.source}
}

// ErrInvalidDistribution is returned by Normalise for unusable model output.
var ErrInvalidDistribution = errors.New("invalid probability distribution")

const sumTolerance = 1e-9

// Normalise validates proba and rescales it to sum to 1. Non-finite or
// negative entries and a zero sum are rejected.
func Normalise(proba [3]float64) ([3]float64, error) {
	sum := 0.0
	for i, p := range proba {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return proba, fmt.Errorf("%w: entry %d is %v", ErrInvalidDistribution, i, p)
		}
		if p < 0 {
			return proba, fmt.Errorf("%w: entry %d is negative", ErrInvalidDistribution, i)
		}
		sum += p
	}
	if sum <= 0 {
		return proba, fmt.Errorf("%w: zero sum", ErrInvalidDistribution)
	}
	if math.Abs(sum-1) <= sumTolerance {
		return proba, nil
	}
	for i := range proba {
		proba[i] /= sum
	}
	return proba, nil
}

// Argmax returns the index of the largest entry; ties resolve to the lowest index.
func Argmax(proba [3]float64) int {
	best := 0
	for i := 1; i < len(proba); i++ {
		if proba[i] > proba[best] {
			best = i
		}
	}
	return best
}
