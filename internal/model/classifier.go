package model

import (
	"fmt"
	"image"
	"sync"

	"github.com/Brownie44l1/chest-cancer-api/internal/imaging"
)

// Classifier is the full inference model: a frozen backbone feeding a
// trained dense head. It is loaded once and shared by reference; Predict
// calls are serialized because backbone sessions are not reentrant.
type Classifier struct {
	mu       sync.Mutex
	backbone Backbone
	head     *Head
	Metadata Metadata
}

// NewClassifier combines an open backbone with a head. The classifier
// takes ownership of backbone.
func NewClassifier(backbone Backbone, head *Head, meta Metadata) (*Classifier, error) {
	if backbone.FeatureDim() != head.Dim {
		return nil, fmt.Errorf("classifier: backbone yields %d features, head expects %d: %w",
			backbone.FeatureDim(), head.Dim, ErrShapeMismatch)
	}
	if len(meta.Labels) != head.Classes {
		return nil, fmt.Errorf("classifier: %d labels for %d classes: %w", len(meta.Labels), head.Classes, ErrShapeMismatch)
	}
	if h, w := backbone.InputSize(); (h > 0 && h != meta.ImageSize[0]) || (w > 0 && w != meta.ImageSize[1]) {
		return nil, fmt.Errorf("classifier: backbone input %dx%d, artifact image size %v: %w", h, w, meta.ImageSize, ErrShapeMismatch)
	}
	return &Classifier{backbone: backbone, head: head, Metadata: meta}, nil
}

// LoadClassifier reads the artifact at path and opens its backbone.
func LoadClassifier(path string, open BackboneOpener) (*Classifier, error) {
	art, err := LoadArtifact(path)
	if err != nil {
		return nil, err
	}
	backbone, err := open(art.Metadata.Backbone)
	if err != nil {
		return nil, fmt.Errorf("classifier: failed to open backbone %s: %w", art.Metadata.Backbone, err)
	}
	c, err := NewClassifier(backbone, art.Head, art.Metadata)
	if err != nil {
		backbone.Close()
		return nil, err
	}
	return c, nil
}

// Labels returns the display label of each class index.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.Metadata.Labels...)
}

// Preprocess turns img into the model's input tensor.
func (c *Classifier) Preprocess(img image.Image) imaging.Tensor {
	return imaging.Preprocess(img, c.Metadata.ImageSize[0], c.Metadata.ImageSize[1])
}

// Predict classifies a single image.
func (c *Classifier) Predict(img image.Image) (Prediction, error) {
	return c.PredictTensor(c.Preprocess(img))
}

// PredictTensor classifies a preprocessed (1, H, W, 3) tensor.
func (c *Classifier) PredictTensor(t imaging.Tensor) (Prediction, error) {
	if t.Shape[0] != 1 {
		return Prediction{}, fmt.Errorf("classifier: expected a batch of one, got %d: %w", t.Shape[0], ErrShapeMismatch)
	}

	c.mu.Lock()
	features, err := c.backbone.Features(t)
	c.mu.Unlock()
	if err != nil {
		return Prediction{}, fmt.Errorf("inference failed: %w", err)
	}

	probs, err := c.head.Probabilities(features[0])
	if err != nil {
		return Prediction{}, fmt.Errorf("inference failed: %w", err)
	}
	idx := Argmax(probs)
	return Prediction{
		Index:         idx,
		Label:         c.Metadata.Labels[idx],
		Confidence:    probs[idx] * 100,
		Probabilities: probs,
	}, nil
}

// Close releases the backbone session.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backbone.Close()
}
