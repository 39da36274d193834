package handlers

import (
	"errors"
	"image"
	"log/slog"
	"sync"

	"github.com/Brownie44l1/chest-cancer-api/internal/model"
)

// ErrModelNotLoaded is returned by predictions before a model is available.
var ErrModelNotLoaded = errors.New("model not loaded")

// ModelService owns the serving classifier and swaps it after retraining.
type ModelService struct {
	path string
	open model.BackboneOpener

	mu         sync.RWMutex
	classifier *model.Classifier
}

func NewModelService(path string, open model.BackboneOpener) *ModelService {
	return &ModelService{path: path, open: open}
}

// Reload loads the artifact at the service path and replaces the current
// classifier. In-flight predictions finish on the old one before it is closed.
func (s *ModelService) Reload() error {
	c, err := model.LoadClassifier(s.path, s.open)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.classifier
	s.classifier = c
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("failed to close previous classifier", "error", err)
		}
	}
	slog.Info("model loaded", "path", s.path, "labels", c.Labels(), "image_size", c.Metadata.ImageSize)
	return nil
}

// Loaded reports whether a classifier is available.
func (s *ModelService) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.classifier != nil
}

// Predict classifies img with the current classifier.
func (s *ModelService) Predict(img image.Image) (model.PredictionResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.classifier == nil {
		return model.PredictionResponse{}, ErrModelNotLoaded
	}
	p, err := s.classifier.Predict(img)
	if err != nil {
		return model.PredictionResponse{}, err
	}
	return p.Response(s.classifier.Metadata.Labels), nil
}

// Close releases the current classifier.
func (s *ModelService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.classifier == nil {
		return nil
	}
	err := s.classifier.Close()
	s.classifier = nil
	return err
}
