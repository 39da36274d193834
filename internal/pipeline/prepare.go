package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Brownie44l1/chest-cancer-api/internal/config"
	"github.com/Brownie44l1/chest-cancer-api/internal/ingest"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
)

// PrepareBaseModel makes sure the frozen backbone is on disk and writes the
// untrained classification head that sits on top of it.
type PrepareBaseModel struct {
	Config  config.PrepareBaseModelConfig
	Fetcher *ingest.Fetcher
	Open    model.BackboneOpener
}

func (p *PrepareBaseModel) Name() string { return StagePrepareBaseModel }

func (p *PrepareBaseModel) Run(ctx context.Context) error {
	cfg := p.Config
	if !cfg.FreezeAll {
		return fmt.Errorf("prepare: freeze_all=false freeze_till=%d: %w", cfg.FreezeTill, model.ErrBackboneNotTrainable)
	}
	if cfg.IncludeTop {
		slog.Warn("include_top is ignored; the backbone is always used without its classifier")
	}

	if err := p.ensureBackbone(ctx); err != nil {
		return err
	}

	backbone, err := p.Open(cfg.BaseModelPath)
	if err != nil {
		return fmt.Errorf("prepare: failed to open backbone: %w", err)
	}
	defer backbone.Close()

	if h, w := backbone.InputSize(); (h > 0 && h != cfg.ImageSize[0]) || (w > 0 && w != cfg.ImageSize[1]) {
		return fmt.Errorf("prepare: backbone input %dx%d, image_size %v: %w", h, w, cfg.ImageSize, model.ErrShapeMismatch)
	}

	head := model.NewHead(cfg.Classes, backbone.FeatureDim(), cfg.Seed)
	art := &model.Artifact{
		Head: head,
		Metadata: model.Metadata{
			Backbone:   cfg.BaseModelPath,
			ImageSize:  cfg.ImageSize,
			Labels:     cfg.Labels,
			Weights:    cfg.Weights,
			FreezeAll:  cfg.FreezeAll,
			FreezeTill: cfg.FreezeTill,
			Stage:      "base",
		},
	}
	if err := art.Save(cfg.UpdatedBaseModelPath); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	slog.Info("base model prepared",
		"backbone", cfg.BaseModelPath,
		"feature_dim", head.Dim,
		"classes", head.Classes,
		"trainable_params", len(head.Weights)+len(head.Bias),
		"path", cfg.UpdatedBaseModelPath)
	return nil
}

func (p *PrepareBaseModel) ensureBackbone(ctx context.Context) error {
	cfg := p.Config
	_, err := os.Stat(cfg.BaseModelPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("prepare: %w", err)
	}
	if cfg.WeightsURL == "" {
		return fmt.Errorf("prepare: backbone %s is missing and weights_url is not set", cfg.BaseModelPath)
	}
	slog.Info("downloading backbone", "source", cfg.WeightsURL, "dest", cfg.BaseModelPath)
	if _, err := p.Fetcher.Fetch(ctx, cfg.WeightsURL, cfg.BaseModelPath); err != nil {
		return fmt.Errorf("prepare: failed to fetch backbone: %w", err)
	}
	return nil
}
