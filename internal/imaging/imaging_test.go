package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x * 255 / w), uint8(y * 255 / h), 128, 255})
		}
	}
	return img
}

func assertUnitRange(t *testing.T, data []float32) {
	t.Helper()
	for i, v := range data {
		if v < 0 || v > 1 {
			t.Fatalf("value %d out of [0,1]: %v", i, v)
		}
	}
}

func TestPreprocess_ShapeAndRange(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 300, 200))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i % 256)
	}
	paletted := image.NewPaletted(image.Rect(0, 0, 64, 64), palette.Plan9)
	for i := range paletted.Pix {
		paletted.Pix[i] = uint8(i % len(palette.Plan9))
	}

	inputs := map[string]image.Image{
		"nrgba":    gradient(512, 400),
		"gray":     gray,
		"paletted": paletted,
		"tiny":     gradient(3, 3),
		"offset":   gradient(50, 50).SubImage(image.Rect(10, 10, 40, 45)),
	}
	for name, img := range inputs {
		t.Run(name, func(t *testing.T) {
			tensor := Preprocess(img, 224, 224)
			assert.Equal(t, [4]int{1, 224, 224, 3}, tensor.Shape)
			require.Len(t, tensor.Data, 224*224*3)
			assertUnitRange(t, tensor.Data)
		})
	}
}

func TestPreprocess_GrayHasEqualChannels(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 10, 10))
	for i := range gray.Pix {
		gray.Pix[i] = 200
	}
	tensor := Preprocess(gray, 4, 4)
	for i := 0; i < len(tensor.Data); i += 3 {
		assert.Equal(t, tensor.Data[i], tensor.Data[i+1])
		assert.Equal(t, tensor.Data[i], tensor.Data[i+2])
	}
	assert.InDelta(t, 200.0/255.0, tensor.Data[0], 1e-3)
}

func TestFill_Layout(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	img.Set(1, 0, color.RGBA{0, 0, 255, 255})

	dst := make([]float32, 6)
	Fill(dst, img)
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 1}, dst)
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(8, 8)))

	img, format, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 8, img.Bounds().Dx())

	_, _, err = Decode(bytes.NewReader([]byte("not an image")))
	require.Error(t, err)
}

func TestAffine_Identity(t *testing.T) {
	tr := transform{zx: 1, zy: 1}
	m := tr.affine(100, 50)
	assert.InDeltaSlice(t, []float64{1, 0, 0, 0, 1, 0}, m[:], 1e-12)
}

func TestAffine_FlipMirrorsAroundCenter(t *testing.T) {
	tr := transform{zx: 1, zy: 1, flip: true}
	m := tr.affine(100, 50)
	// x' = -x + 100
	assert.InDelta(t, -1, m[0], 1e-12)
	assert.InDelta(t, 100, m[2], 1e-12)
	assert.InDelta(t, 1, m[4], 1e-12)
}

func TestAffine_ShiftTranslates(t *testing.T) {
	tr := transform{zx: 1, zy: 1, tx: 7, ty: -3}
	m := tr.affine(20, 20)
	assert.InDelta(t, 7, m[2], 1e-12)
	assert.InDelta(t, -3, m[5], 1e-12)
}

func TestAugmenter_SampleWithinRanges(t *testing.T) {
	a := NewAugmenter(DefaultAugmentation(), rand.New(rand.NewSource(1)))
	for i := 0; i < 200; i++ {
		tr := a.sample(224, 224)
		assert.LessOrEqual(t, tr.theta, 40*3.1416/180)
		assert.GreaterOrEqual(t, tr.theta, -40*3.1416/180)
		assert.LessOrEqual(t, tr.tx, 0.2*224+1e-9)
		assert.GreaterOrEqual(t, tr.ty, -0.2*224-1e-9)
		assert.True(t, tr.zx >= 0.8 && tr.zx <= 1.2)
		assert.True(t, tr.zy >= 0.8 && tr.zy <= 1.2)
	}
}

func TestAugmenter_NoOptionsIsIdentity(t *testing.T) {
	a := NewAugmenter(AugmentOptions{}, rand.New(rand.NewSource(1)))
	tr := a.sample(10, 10)
	assert.Equal(t, transform{zx: 1, zy: 1}, tr)
}

func TestAugmenter_ApplyKeepsBoundsAndRange(t *testing.T) {
	a := NewAugmenter(DefaultAugmentation(), rand.New(rand.NewSource(3)))
	src := gradient(64, 48)
	for i := 0; i < 5; i++ {
		out := a.Apply(src)
		assert.Equal(t, image.Rect(0, 0, 64, 48), out.Bounds())

		dst := make([]float32, 64*48*3)
		Fill(dst, out)
		assertUnitRange(t, dst)
	}
}

func TestAugmenter_ApplyFillsEdges(t *testing.T) {
	// A uniform image stays uniform under any transform with edge replication.
	src := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3] = 90, 90, 90, 255
	}
	a := NewAugmenter(DefaultAugmentation(), rand.New(rand.NewSource(9)))
	out := a.Apply(src).(*image.RGBA)
	for i := 0; i < len(out.Pix); i += 4 {
		require.InDelta(t, 90, int(out.Pix[i]), 1, "pixel %d", i/4)
	}
}
