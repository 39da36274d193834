package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"github.com/Brownie44l1/chest-cancer-api/internal/dataset"
	"github.com/Brownie44l1/chest-cancer-api/internal/imaging"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
)

// Training fits the dense head on backbone features of the training
// subset and saves the result.
type Training struct {
	Config config.TrainingConfig
	Open   model.BackboneOpener
}

func (t *Training) Name() string { return StageTraining }

func (t *Training) Run(ctx context.Context) error {
	cfg := t.Config
	art, err := model.LoadArtifact(cfg.UpdatedBaseModelPath)
	if err != nil {
		return fmt.Errorf("training: failed to load base model: %w", err)
	}
	backbone, err := t.Open(art.Metadata.Backbone)
	if err != nil {
		return fmt.Errorf("training: failed to open backbone: %w", err)
	}
	defer backbone.Close()
	if backbone.FeatureDim() != art.Head.Dim {
		return fmt.Errorf("training: backbone yields %d features, head expects %d: %w",
			backbone.FeatureDim(), art.Head.Dim, model.ErrShapeMismatch)
	}

	ds, err := dataset.Load(cfg.TrainingData)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if ds.NumClasses() != art.Head.Classes {
		return fmt.Errorf("training: %d class folders for a %d-class head: %w",
			ds.NumClasses(), art.Head.Classes, model.ErrShapeMismatch)
	}
	trainSet, validSet := ds.Split(cfg.ValidationSplit)

	var augment *imaging.AugmentOptions
	if cfg.Augmentation {
		opts := imaging.DefaultAugmentation()
		augment = &opts
	}
	trainGen, err := dataset.NewGenerator(trainSet, dataset.GeneratorOptions{
		BatchSize: cfg.BatchSize,
		Height:    cfg.ImageSize[0],
		Width:     cfg.ImageSize[1],
		Shuffle:   true,
		Seed:      cfg.Seed,
		Augment:   augment,
	})
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	validGen, err := dataset.NewGenerator(validSet, dataset.GeneratorOptions{
		BatchSize: cfg.BatchSize,
		Height:    cfg.ImageSize[0],
		Width:     cfg.ImageSize[1],
	})
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if trainGen.Steps() == 0 || validGen.Steps() == 0 {
		return fmt.Errorf("training: %d training and %d validation images for batch size %d: %w",
			trainGen.Samples(), validGen.Samples(), cfg.BatchSize, dataset.ErrNotEnoughSamples)
	}

	opt, err := model.NewOptimizer(cfg.Optimizer, cfg.LearningRate)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}

	slog.Info("training started",
		"classes", ds.ClassDistribution(),
		"train_samples", trainGen.Samples(),
		"valid_samples", validGen.Samples(),
		"steps_per_epoch", trainGen.Steps(),
		"validation_steps", validGen.Steps(),
		"augmentation", cfg.Augmentation)

	head := art.Head
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		trainGen.Reset()
		var train model.Score
		for step := 0; step < trainGen.Steps(); step++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := trainGen.Next()
			if err != nil {
				return fmt.Errorf("training: %w", err)
			}
			features, err := backbone.Features(batch.Inputs)
			if err != nil {
				return fmt.Errorf("training: %w", err)
			}
			s, g, err := head.Backward(features, batch.Labels)
			if err != nil {
				return fmt.Errorf("training: %w", err)
			}
			opt.Step(head, g)
			train.Add(s)
		}

		validGen.Reset()
		valid, err := score(ctx, backbone, head, validGen, validGen.Steps())
		if err != nil {
			return fmt.Errorf("training: validation: %w", err)
		}
		slog.Info("epoch completed",
			"epoch", epoch,
			"epochs", cfg.Epochs,
			"loss", train.Loss(),
			"accuracy", train.Accuracy(),
			"val_loss", valid.Loss(),
			"val_accuracy", valid.Accuracy())
	}

	art.Metadata.Classes = ds.ClassNames()
	art.Metadata.Stage = "trained"
	if err := art.Save(cfg.TrainedModelPath); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	slog.Info("trained model saved", "path", cfg.TrainedModelPath)
	return nil
}

// score runs up to steps batches of gen through backbone and head. A
// negative steps consumes the whole epoch.
func score(ctx context.Context, backbone model.Backbone, head *model.Head, gen *dataset.Generator, steps int) (model.Score, error) {
	var total model.Score
	for step := 0; steps < 0 || step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return model.Score{}, err
		}
		batch, err := gen.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.Score{}, err
		}
		features, err := backbone.Features(batch.Inputs)
		if err != nil {
			return model.Score{}, err
		}
		s, err := head.Evaluate(features, batch.Labels)
		if err != nil {
			return model.Score{}, err
		}
		total.Add(s)
	}
	return total, nil
}
