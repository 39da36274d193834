package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotEnoughSamples is returned when a subset cannot fill a single batch.
var ErrNotEnoughSamples = errors.New("not enough samples for one batch")

// DefaultExtensions are the image file extensions picked up by Load.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}

// Dataset is a list of image files labeled by the subdirectory they live in.
// Classes are indexed in lexical order of their directory names.
type Dataset struct {
	root       string
	paths      []string
	labels     []int
	classNames []string
}

// Load scans root/<class>/<image> using DefaultExtensions.
func Load(root string) (*Dataset, error) {
	return LoadWithExtensions(root, DefaultExtensions)
}

// LoadWithExtensions scans root/<class>/<image>, keeping files whose
// extension (case-insensitive) is in extensions. Files are sorted by name
// within each class so the result is deterministic.
func LoadWithExtensions(root string, extensions []string) (*Dataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("dataset: failed to list classes: %w", err)
	}

	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	d := &Dataset{root: root}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		classIdx := len(d.classNames)
		d.classNames = append(d.classNames, entry.Name())

		classDir := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, fmt.Errorf("dataset: failed to list %s: %w", classDir, err)
		}
		for _, f := range files {
			if f.IsDir() || !allowed[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			d.paths = append(d.paths, filepath.Join(classDir, f.Name()))
			d.labels = append(d.labels, classIdx)
		}
	}

	if len(d.paths) == 0 {
		return nil, fmt.Errorf("dataset: no images found in %s", root)
	}
	return d, nil
}

// Root returns the directory the dataset was loaded from.
func (d *Dataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset.
func (d *Dataset) Len() int {
	return len(d.paths)
}

// Item returns the image path and label at index.
func (d *Dataset) Item(index int) (string, int, error) {
	if index < 0 || index >= len(d.paths) {
		return "", 0, fmt.Errorf("dataset: index %d out of range [0, %d)", index, len(d.paths))
	}
	return d.paths[index], d.labels[index], nil
}

// NumClasses returns the number of classes.
func (d *Dataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the class directory names in index order.
func (d *Dataset) ClassNames() []string {
	return append([]string(nil), d.classNames...)
}

// ClassDistribution returns the number of samples per class.
func (d *Dataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classNames))
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Split divides the dataset into training and validation subsets. For every
// class the first floor(n*validationSplit) files in name order go to
// validation and the rest to training, so the split is stable across runs.
func (d *Dataset) Split(validationSplit float64) (train, valid *Dataset) {
	train = &Dataset{root: d.root, classNames: d.classNames}
	valid = &Dataset{root: d.root, classNames: d.classNames}

	start := 0
	for start < len(d.paths) {
		end := start
		for end < len(d.paths) && d.labels[end] == d.labels[start] {
			end++
		}
		n := end - start
		cut := start + int(float64(n)*validationSplit)

		valid.paths = append(valid.paths, d.paths[start:cut]...)
		valid.labels = append(valid.labels, d.labels[start:cut]...)
		train.paths = append(train.paths, d.paths[cut:end]...)
		train.labels = append(train.labels, d.labels[cut:end]...)
		start = end
	}
	return train, valid
}
