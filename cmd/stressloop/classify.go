package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/stressloop/internal/api"
	"github.com/miradorstack/stressloop/internal/classifier"
	"github.com/miradorstack/stressloop/internal/features"
	feedbackv1 "github.com/miradorstack/stressloop/internal/grpc/feedbackv1"
	"github.com/miradorstack/stressloop/internal/utils"
)

type classifyOptions struct {
	modelPath string
	remoteURL string
	timeout   time.Duration
	logLevel  string
}

type classifyOutput struct {
	Features feedbackv1.Features `json:"features"`
	Label    int                 `json:"label"`
	Proba    [3]float64          `json:"proba"`
	Source   string              `json:"source"`
}

func newClassifyCommand() *cobra.Command {
	var o classifyOptions
	cmd := &cobra.Command{
		Use:   "classify RR_MS...",
		Short: "Extract HRV features and classify one RR interval series offline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intervals, err := parseIntervals(args)
			if err != nil {
				return err
			}
			logger := utils.NewLogger(o.logLevel, utils.FormatText)
			cls, err := classifier.New(classifier.Options{
				ModelPath:     o.modelPath,
				RemoteURL:     o.remoteURL,
				RemoteTimeout: o.timeout,
			}, logger)
			if err != nil {
				return err
			}

			vec := features.Extract(intervals)
			res := cls.Classify(cmd.Context(), vec)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(classifyOutput{
				Features: api.ToProtoFeatures(vec),
				Label:    res.Label,
				Proba:    res.Proba,
				Source:   res.Source,
			})
		},
	}
	cmd.Flags().StringVar(&o.modelPath, "model", "", "path to a logistic model YAML file")
	cmd.Flags().StringVar(&o.remoteURL, "remote", "", "base URL of a remote prediction service")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 2*time.Second, "remote prediction timeout")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "warn", "log level")
	return cmd
}

func parseIntervals(args []string) ([]float64, error) {
	var out []float64
	for _, arg := range args {
		for _, field := range strings.FieldsFunc(arg, func(r rune) bool { return r == ',' || r == ' ' }) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("interval %q: %w", field, err)
			}
			if v < 0 {
				return nil, fmt.Errorf("interval %q: must be non-negative", field)
			}
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no intervals supplied")
	}
	return out, nil
}
