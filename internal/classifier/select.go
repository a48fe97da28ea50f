package classifier

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/stressloop/internal/utils"
)

// Options selects the classifier variant.
type Options struct {
	ModelPath     string
	RemoteURL     string
	RemoteTimeout time.Duration
}

// New resolves the classifier once at startup: a local model file first, then a
// remote prediction service, then the fallback. A model file that exists but
// cannot be parsed is an error.
func New(opts Options, logger *slog.Logger) (Classifier, error) {
	logger = utils.OrDefault(logger)

	model, err := LoadLogisticModel(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load classifier model: %w", err)
	}
	if model != nil {
		logger.Info("stress classifier using local model", slog.String("path", opts.ModelPath))
		return NewModelBacked(model, SourceModel, logger), nil
	}

	if opts.RemoteURL != "" {
		logger.Info("stress classifier using remote model", slog.String("url", opts.RemoteURL))
		return NewModelBacked(NewRemoteModel(opts.RemoteURL, opts.RemoteTimeout), SourceRemote, logger), nil
	}

	logger.Warn("no stress model available, using fallback classifier")
	return Fallback{}, nil
}
