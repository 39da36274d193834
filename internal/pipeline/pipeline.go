// Package pipeline implements the training stages (ingestion, base model
// preparation, training and evaluation) and runs them in order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	StageIngestion        = "Data Ingestion"
	StagePrepareBaseModel = "Prepare base model"
	StageTraining         = "Training"
	StageEvaluation       = "Evaluation"
)

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner executes stages sequentially and stops at the first failure.
type Runner struct {
	Logger *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Logger: logger}
}

// Run runs every stage in order. The returned error names the failed stage.
func (r *Runner) Run(ctx context.Context, stages ...Stage) error {
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stage %s: %w", s.Name(), err)
		}
		r.Logger.Info(fmt.Sprintf(">>>>>> stage %s started <<<<<<", s.Name()))
		start := time.Now()
		if err := s.Run(ctx); err != nil {
			r.Logger.Error("stage failed", "stage", s.Name(), "error", err)
			return fmt.Errorf("stage %s: %w", s.Name(), err)
		}
		r.Logger.Info(fmt.Sprintf(">>>>>> stage %s completed <<<<<<", s.Name()), "elapsed", time.Since(start).Round(time.Millisecond))
	}
	return nil
}
