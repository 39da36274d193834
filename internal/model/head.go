package model

import (
	"fmt"
	"math"
	"math/rand"
)

// lossEpsilon clips probabilities before taking the log.
const lossEpsilon = 1e-7

// Head is a dense softmax layer on top of the flattened backbone features.
type Head struct {
	Weights []float32 // row-major [classes, dim]
	Bias    []float32 // [classes]
	Classes int
	Dim     int
}

// NewHead returns a head with Glorot-uniform weights drawn from seed and
// zero biases. The same seed always yields the same weights.
func NewHead(classes, dim int, seed int64) *Head {
	rng := rand.New(rand.NewSource(seed))
	limit := math.Sqrt(6.0 / float64(classes+dim))

	h := &Head{
		Weights: make([]float32, classes*dim),
		Bias:    make([]float32, classes),
		Classes: classes,
		Dim:     dim,
	}
	for i := range h.Weights {
		h.Weights[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return h
}

func (h *Head) check(x []float32) error {
	if len(x) != h.Dim {
		return fmt.Errorf("head: feature vector has %d values, want %d: %w", len(x), h.Dim, ErrShapeMismatch)
	}
	return nil
}

// logits computes W·x + b.
func (h *Head) logits(x []float32) []float64 {
	out := make([]float64, h.Classes)
	for c := 0; c < h.Classes; c++ {
		row := h.Weights[c*h.Dim : (c+1)*h.Dim]
		var sum float64
		for j, w := range row {
			sum += float64(w) * float64(x[j])
		}
		out[c] = sum + float64(h.Bias[c])
	}
	return out
}

// Softmax returns a numerically stable softmax of z.
func Softmax(z []float64) []float64 {
	maxZ := math.Inf(-1)
	for _, v := range z {
		maxZ = math.Max(maxZ, v)
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - maxZ)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(p []float64) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}

// Probabilities returns the class probabilities for one feature vector.
func (h *Head) Probabilities(x []float32) ([]float64, error) {
	if err := h.check(x); err != nil {
		return nil, err
	}
	return Softmax(h.logits(x)), nil
}

func crossEntropy(p []float64, label int) float64 {
	return -math.Log(math.Min(math.Max(p[label], lossEpsilon), 1-lossEpsilon))
}

// Gradients holds parameter gradients shaped like a Head.
type Gradients struct {
	Weights []float32
	Bias    []float32
}

// Score is an accumulated loss and accuracy over some samples.
type Score struct {
	LossSum float64
	Correct int
	Count   int
}

func (s Score) Loss() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.LossSum / float64(s.Count)
}

func (s Score) Accuracy() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Count)
}

// Add merges o into s.
func (s *Score) Add(o Score) {
	s.LossSum += o.LossSum
	s.Correct += o.Correct
	s.Count += o.Count
}

// Evaluate scores a batch with categorical cross-entropy and accuracy.
func (h *Head) Evaluate(features [][]float32, labels []int) (Score, error) {
	var s Score
	for i, x := range features {
		p, err := h.Probabilities(x)
		if err != nil {
			return Score{}, err
		}
		if labels[i] < 0 || labels[i] >= h.Classes {
			return Score{}, fmt.Errorf("head: label %d out of range: %w", labels[i], ErrShapeMismatch)
		}
		s.LossSum += crossEntropy(p, labels[i])
		if Argmax(p) == labels[i] {
			s.Correct++
		}
		s.Count++
	}
	return s, nil
}

// Backward returns the batch score and the mean gradient of the
// cross-entropy loss with respect to the head parameters.
func (h *Head) Backward(features [][]float32, labels []int) (Score, Gradients, error) {
	g := Gradients{
		Weights: make([]float32, len(h.Weights)),
		Bias:    make([]float32, len(h.Bias)),
	}
	if len(features) == 0 {
		return Score{}, g, nil
	}

	var s Score
	scale := 1 / float64(len(features))
	for i, x := range features {
		p, err := h.Probabilities(x)
		if err != nil {
			return Score{}, Gradients{}, err
		}
		y := labels[i]
		if y < 0 || y >= h.Classes {
			return Score{}, Gradients{}, fmt.Errorf("head: label %d out of range: %w", y, ErrShapeMismatch)
		}
		s.LossSum += crossEntropy(p, y)
		if Argmax(p) == y {
			s.Correct++
		}
		s.Count++

		for c := 0; c < h.Classes; c++ {
			d := p[c]
			if c == y {
				d -= 1
			}
			d *= scale
			g.Bias[c] += float32(d)
			row := g.Weights[c*h.Dim : (c+1)*h.Dim]
			for j, v := range x {
				row[j] += float32(d * float64(v))
			}
		}
	}
	return s, g, nil
}

// Clone returns a deep copy of h.
func (h *Head) Clone() *Head {
	return &Head{
		Weights: append([]float32(nil), h.Weights...),
		Bias:    append([]float32(nil), h.Bias...),
		Classes: h.Classes,
		Dim:     h.Dim,
	}
}
