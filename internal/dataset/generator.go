package dataset

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/Brownie44l1/chest-cancer-api/internal/imaging"
)

// GeneratorOptions configures a batch generator.
type GeneratorOptions struct {
	BatchSize int
	Height    int
	Width     int
	Shuffle   bool
	Seed      int64
	// Augment enables random transforms when non-nil.
	Augment *imaging.AugmentOptions
}

// Batch is a set of preprocessed images with their class indices.
type Batch struct {
	Inputs imaging.Tensor
	Labels []int
}

// Generator yields batches of preprocessed images from a Dataset.
// One pass over the data is an epoch; Reset starts the next one.
type Generator struct {
	ds        *Dataset
	opts      GeneratorOptions
	rng       *rand.Rand
	augmenter *imaging.Augmenter
	order     []int
	pos       int
}

func NewGenerator(ds *Dataset, opts GeneratorOptions) (*Generator, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, fmt.Errorf("dataset: invalid target size %dx%d", opts.Width, opts.Height)
	}
	g := &Generator{
		ds:    ds,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		order: make([]int, ds.Len()),
	}
	if opts.Augment != nil {
		g.augmenter = imaging.NewAugmenter(*opts.Augment, g.rng)
	}
	g.Reset()
	return g, nil
}

// Samples returns the number of images in one epoch.
func (g *Generator) Samples() int {
	return g.ds.Len()
}

// BatchSize returns the configured batch size.
func (g *Generator) BatchSize() int {
	return g.opts.BatchSize
}

// Steps returns the number of full batches per epoch, floor(samples / batch_size).
func (g *Generator) Steps() int {
	return g.ds.Len() / g.opts.BatchSize
}

// Len returns the number of batches needed to cover every sample once.
func (g *Generator) Len() int {
	return (g.ds.Len() + g.opts.BatchSize - 1) / g.opts.BatchSize
}

// Reset rewinds to the start of a new epoch, reshuffling if enabled.
func (g *Generator) Reset() {
	for i := range g.order {
		g.order[i] = i
	}
	if g.opts.Shuffle {
		g.rng.Shuffle(len(g.order), func(i, j int) {
			g.order[i], g.order[j] = g.order[j], g.order[i]
		})
	}
	g.pos = 0
}

// Next returns the next batch of the epoch. The last batch may be short.
// It returns io.EOF once the epoch is exhausted.
func (g *Generator) Next() (Batch, error) {
	if g.pos >= len(g.order) {
		return Batch{}, io.EOF
	}
	end := min(g.pos+g.opts.BatchSize, len(g.order))
	n := end - g.pos

	h, w := g.opts.Height, g.opts.Width
	frame := h * w * imaging.Channels
	batch := Batch{
		Inputs: imaging.Tensor{
			Data:  make([]float32, n*frame),
			Shape: [4]int{n, h, w, imaging.Channels},
		},
		Labels: make([]int, n),
	}

	for i := 0; i < n; i++ {
		path, label, err := g.ds.Item(g.order[g.pos+i])
		if err != nil {
			return Batch{}, err
		}
		if err := g.load(path, batch.Inputs.Data[i*frame:(i+1)*frame]); err != nil {
			return Batch{}, err
		}
		batch.Labels[i] = label
	}
	g.pos = end
	return batch, nil
}

func (g *Generator) load(path string, dst []float32) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	defer f.Close()

	img, _, err := imaging.Decode(f)
	if err != nil {
		return fmt.Errorf("dataset: %s: %w", path, err)
	}
	img = imaging.Resize(img, g.opts.Height, g.opts.Width)
	if g.augmenter != nil {
		img = g.augmenter.Apply(img)
	}
	imaging.Fill(dst, img)
	return nil
}
