// Package modeltest provides a lightweight Backbone for tests that cannot
// load ONNX Runtime.
package modeltest

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/Brownie44l1/chest-cancer-api/internal/imaging"
	"github.com/Brownie44l1/chest-cancer-api/internal/model"
)

// MeanBackbone reduces each image to its per-channel mean, a 3-value
// feature vector.
type MeanBackbone struct {
	Height, Width int
	closed        atomic.Bool
}

func (b *MeanBackbone) FeatureDim() int { return imaging.Channels }

func (b *MeanBackbone) InputSize() (int, int) { return b.Height, b.Width }

func (b *MeanBackbone) Features(batch imaging.Tensor) ([][]float32, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("modeltest: backbone is closed")
	}
	n, h, w := batch.Shape[0], batch.Shape[1], batch.Shape[2]
	frame := h * w * imaging.Channels
	if len(batch.Data) != n*frame {
		return nil, fmt.Errorf("modeltest: %d values for shape %v: %w", len(batch.Data), batch.Shape, model.ErrShapeMismatch)
	}
	out := make([][]float32, n)
	for i := range out {
		sum := make([]float32, imaging.Channels)
		img := batch.Data[i*frame : (i+1)*frame]
		for p := 0; p < len(img); p += imaging.Channels {
			for c := 0; c < imaging.Channels; c++ {
				sum[c] += img[p+c]
			}
		}
		for c := range sum {
			sum[c] /= float32(h * w)
		}
		out[i] = sum
	}
	return out, nil
}

func (b *MeanBackbone) Close() error {
	b.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (b *MeanBackbone) Closed() bool {
	return b.closed.Load()
}

// Opener returns a BackboneOpener that requires the backbone file to exist
// and then hands out a fresh MeanBackbone of the given input size.
func Opener(height, width int) model.BackboneOpener {
	return func(path string) (model.Backbone, error) {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return &MeanBackbone{Height: height, Width: width}, nil
	}
}
