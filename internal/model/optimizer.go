package model

import (
	"fmt"
	"math"
	"strings"
)

// Optimizer updates head parameters in place from gradients.
type Optimizer interface {
	Step(h *Head, g Gradients)
}

// NewOptimizer returns the optimizer named by name ("adam" or "sgd").
func NewOptimizer(name string, learningRate float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "adam":
		return NewAdam(learningRate), nil
	case "sgd":
		return &SGD{LearningRate: learningRate}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	LearningRate float64
}

func (o *SGD) Step(h *Head, g Gradients) {
	lr := float32(o.LearningRate)
	for i := range h.Weights {
		h.Weights[i] -= lr * g.Weights[i]
	}
	for i := range h.Bias {
		h.Bias[i] -= lr * g.Bias[i]
	}
}

// Adam implements the Adam update with bias correction.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	t      int
	mW, vW []float64
	mB, vB []float64
}

func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
	}
}

func (o *Adam) Step(h *Head, g Gradients) {
	if len(o.mW) != len(h.Weights) {
		o.mW = make([]float64, len(h.Weights))
		o.vW = make([]float64, len(h.Weights))
		o.mB = make([]float64, len(h.Bias))
		o.vB = make([]float64, len(h.Bias))
		o.t = 0
	}
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))

	o.update(h.Weights, g.Weights, o.mW, o.vW, c1, c2)
	o.update(h.Bias, g.Bias, o.mB, o.vB, c1, c2)
}

func (o *Adam) update(params, grads []float32, m, v []float64, c1, c2 float64) {
	for i, gi := range grads {
		gf := float64(gi)
		m[i] = o.Beta1*m[i] + (1-o.Beta1)*gf
		v[i] = o.Beta2*v[i] + (1-o.Beta2)*gf*gf
		mHat := m[i] / c1
		vHat := v[i] / c2
		params[i] -= float32(o.LearningRate * mHat / (math.Sqrt(vHat) + o.Epsilon))
	}
}
