// Package testutils builds on-disk fixtures shared by package tests.
package testutils

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// ClassColor returns the fill color used for class index i.
func ClassColor(i int) color.RGBA {
	palette := []color.RGBA{
		{R: 220, G: 40, B: 40, A: 255},
		{R: 40, G: 40, B: 220, A: 255},
		{R: 40, G: 200, B: 40, A: 255},
	}
	return palette[i%len(palette)]
}

// SolidPNG writes a size x size PNG filled with c to path.
func SolidPNG(t *testing.T, path string, size int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

// WriteImageTree creates root/<class>/img_NN.png for each class in order,
// with counts[i] images per class, each filled with ClassColor(i).
func WriteImageTree(t *testing.T, root string, classes []string, counts []int, size int) {
	t.Helper()
	for i, class := range classes {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		for n := 0; n < counts[i]; n++ {
			SolidPNG(t, filepath.Join(dir, fmt.Sprintf("img_%02d.png", n)), size, ClassColor(i))
		}
	}
}
