package model

import (
	"errors"

	"github.com/Brownie44l1/chest-cancer-api/internal/imaging"
)

var (
	// ErrBackboneNotTrainable is returned when a configuration asks for
	// backbone layers to be fine-tuned. Only the dense head is trainable.
	ErrBackboneNotTrainable = errors.New("backbone layers cannot be trained; set freeze_all: true")

	// ErrShapeMismatch is returned when tensors, weights or the backbone
	// disagree on dimensions.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Backbone is a frozen feature extractor. Implementations need not be safe
// for concurrent use.
type Backbone interface {
	// Features runs an NHWC batch and returns one flattened vector per image.
	Features(batch imaging.Tensor) ([][]float32, error)
	// FeatureDim is the length of each feature vector.
	FeatureDim() int
	// InputSize is the expected (height, width); zero means any.
	InputSize() (int, int)
	Close() error
}

// BackboneOpener opens the backbone stored at path.
type BackboneOpener func(path string) (Backbone, error)
