package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// LogisticModel is a multinomial logistic regression over standardised inputs.
type LogisticModel struct {
	means      [4]float64
	scales     [4]float64
	weights    [3][4]float64
	intercepts [3]float64
}

// LogisticModelFile is the YAML root structure of a model file.
type LogisticModelFile struct {
	Version    string      `yaml:"version"`
	Means      []float64   `yaml:"means"`
	Scales     []float64   `yaml:"scales"`
	Weights    [][]float64 `yaml:"weights"`
	Intercepts []float64   `yaml:"intercepts"`
}

// LoadLogisticModel reads a model from path. A missing file returns (nil, nil)
// so callers can fall through to the next model source.
func LoadLogisticModel(path string) (*LogisticModel, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	var file LogisticModelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	model, err := file.Build()
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return model, nil
}

// Build validates the file contents and constructs the model.
func (f LogisticModelFile) Build() (*LogisticModel, error) {
	if len(f.Weights) != 3 {
		return nil, fmt.Errorf("expected 3 weight rows, got %d", len(f.Weights))
	}
	if len(f.Intercepts) != 3 {
		return nil, fmt.Errorf("expected 3 intercepts, got %d", len(f.Intercepts))
	}

	m := &LogisticModel{scales: [4]float64{1, 1, 1, 1}}
	if len(f.Means) != 0 {
		if len(f.Means) != 4 {
			return nil, fmt.Errorf("expected 4 means, got %d", len(f.Means))
		}
		copy(m.means[:], f.Means)
	}
	if len(f.Scales) != 0 {
		if len(f.Scales) != 4 {
			return nil, fmt.Errorf("expected 4 scales, got %d", len(f.Scales))
		}
		for i, s := range f.Scales {
			if s <= 0 {
				return nil, fmt.Errorf("scale %d must be positive", i)
			}
		}
		copy(m.scales[:], f.Scales)
	}
	for k, row := range f.Weights {
		if len(row) != 4 {
			return nil, fmt.Errorf("weight row %d: expected 4 values, got %d", k, len(row))
		}
		copy(m.weights[k][:], row)
	}
	copy(m.intercepts[:], f.Intercepts)
	return m, nil
}

// PredictDistribution implements Model with a numerically stable softmax.
func (m *LogisticModel) PredictDistribution(_ context.Context, inputs [4]float64) ([3]float64, error) {
	var z [4]float64
	for i, x := range inputs {
		z[i] = (x - m.means[i]) / m.scales[i]
	}

	var logits [3]float64
	maxLogit := math.Inf(-1)
	for k := range logits {
		logit := m.intercepts[k]
		for i := range z {
			logit += m.weights[k][i] * z[i]
		}
		logits[k] = logit
		maxLogit = math.Max(maxLogit, logit)
	}

	var proba [3]float64
	sum := 0.0
	for k, logit := range logits {
		proba[k] = math.Exp(logit - maxLogit)
		sum += proba[k]
	}
	for k := range proba {
		proba[k] /= sum
	}
	return proba, nil
}
