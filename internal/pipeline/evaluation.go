package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"github.com/Brownie44l1/chest-cancer-api/internal/dataset"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
	"github.com/Brownie44l1/chest-cancer-api/internal/tracking"
)

// Scores is the content of scores.json.
type Scores struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// Evaluation scores the trained model on the validation subset, writes
// scores.json and optionally logs the run to the experiment tracker.
type Evaluation struct {
	Config config.EvaluationConfig
	Open   model.BackboneOpener
	// HTTPClient is used by the remote tracker; nil means http.DefaultClient.
	HTTPClient *http.Client

	// Result is set after a successful Run.
	Result Scores
}

func (e *Evaluation) Name() string { return StageEvaluation }

func (e *Evaluation) Run(ctx context.Context) error {
	cfg := e.Config
	art, err := model.LoadArtifact(cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("evaluation: failed to load model: %w", err)
	}
	backbone, err := e.Open(art.Metadata.Backbone)
	if err != nil {
		return fmt.Errorf("evaluation: failed to open backbone: %w", err)
	}
	defer backbone.Close()
	if backbone.FeatureDim() != art.Head.Dim {
		return fmt.Errorf("evaluation: backbone yields %d features, head expects %d: %w",
			backbone.FeatureDim(), art.Head.Dim, model.ErrShapeMismatch)
	}

	ds, err := dataset.Load(cfg.TrainingData)
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}
	if ds.NumClasses() != art.Head.Classes {
		return fmt.Errorf("evaluation: %d class folders for a %d-class head: %w",
			ds.NumClasses(), art.Head.Classes, model.ErrShapeMismatch)
	}
	_, validSet := ds.Split(cfg.ValidationSplit)
	if validSet.Len() == 0 {
		return fmt.Errorf("evaluation: empty validation subset: %w", dataset.ErrNotEnoughSamples)
	}
	gen, err := dataset.NewGenerator(validSet, dataset.GeneratorOptions{
		BatchSize: cfg.BatchSize,
		Height:    cfg.ImageSize[0],
		Width:     cfg.ImageSize[1],
	})
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}

	s, err := score(ctx, backbone, art.Head, gen, -1)
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}
	e.Result = Scores{Loss: s.Loss(), Accuracy: s.Accuracy()}
	slog.Info("evaluation completed", "samples", s.Count, "loss", e.Result.Loss, "accuracy", e.Result.Accuracy)

	if err := saveScores(cfg.ScoresPath, e.Result); err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}

	if !cfg.Tracking.Enabled {
		return nil
	}
	return e.logRun(ctx, art)
}

func saveScores(path string, s Scores) error {
	b, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}
	slog.Info("scores saved", "path", path)
	return nil
}

func (e *Evaluation) logRun(ctx context.Context, art *model.Artifact) error {
	tracker, err := tracking.New(e.Config.Tracking, e.HTTPClient)
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}
	_, err = tracker.LogRun(ctx, tracking.RunRecord{
		Params: tracking.StringParams(e.Config.AllParams),
		Metrics: map[string]float64{
			"loss":     e.Result.Loss,
			"accuracy": e.Result.Accuracy,
		},
		ModelFiles: []string{e.Config.ModelPath, art.Metadata.Backbone},
		ModelMeta: map[string]string{
			"labels":  strings.Join(art.Metadata.Labels, ","),
			"classes": strings.Join(art.Metadata.Classes, ","),
			"stage":   art.Metadata.Stage,
		},
	})
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}
	return nil
}
