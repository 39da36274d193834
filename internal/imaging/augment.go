package imaging

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// AugmentOptions are the random transform ranges applied to training images.
// Angles are in degrees; shifts are fractions of the image size; zoom
// samples each axis from [1-ZoomRange, 1+ZoomRange].
type AugmentOptions struct {
	RotationRange    float64
	HorizontalFlip   bool
	WidthShiftRange  float64
	HeightShiftRange float64
	ShearRange       float64
	ZoomRange        float64
}

// DefaultAugmentation matches the transform ranges used for the X-ray training set.
func DefaultAugmentation() AugmentOptions {
	return AugmentOptions{
		RotationRange:    40,
		HorizontalFlip:   true,
		WidthShiftRange:  0.2,
		HeightShiftRange: 0.2,
		ShearRange:       0.2,
		ZoomRange:        0.2,
	}
}

// transform is one sampled set of augmentation parameters.
type transform struct {
	theta  float64 // radians
	shear  float64 // radians
	tx, ty float64 // pixels
	zx, zy float64
	flip   bool
}

// Augmenter draws random transforms from a caller-owned RNG.
// It is not safe for concurrent use.
type Augmenter struct {
	opts AugmentOptions
	rng  *rand.Rand
}

func NewAugmenter(opts AugmentOptions, rng *rand.Rand) *Augmenter {
	return &Augmenter{opts: opts, rng: rng}
}

func (a *Augmenter) uniform(r float64) float64 {
	if r == 0 {
		return 0
	}
	return (a.rng.Float64()*2 - 1) * r
}

func (a *Augmenter) sample(width, height int) transform {
	t := transform{
		theta: a.uniform(a.opts.RotationRange) * math.Pi / 180,
		shear: a.uniform(a.opts.ShearRange) * math.Pi / 180,
		tx:    a.uniform(a.opts.WidthShiftRange) * float64(width),
		ty:    a.uniform(a.opts.HeightShiftRange) * float64(height),
		zx:    1,
		zy:    1,
	}
	if a.opts.ZoomRange != 0 {
		t.zx = 1 + a.uniform(a.opts.ZoomRange)
		t.zy = 1 + a.uniform(a.opts.ZoomRange)
	}
	if a.opts.HorizontalFlip {
		t.flip = a.rng.Intn(2) == 1
	}
	return t
}

// affine builds the source-to-destination matrix for t around the image center.
func (t transform) affine(width, height int) f64.Aff3 {
	cx, cy := float64(width)/2, float64(height)/2

	fx := 1.0
	if t.flip {
		fx = -1
	}
	// linear part: rotate * shear * zoom * flip
	sin, cos := math.Sincos(t.theta)
	shSin, shCos := math.Sincos(t.shear)
	// shear * zoom * flip
	s00, s01 := t.zx*fx, -shSin*t.zy
	s10, s11 := 0.0, shCos*t.zy
	l00 := cos*s00 - sin*s10
	l01 := cos*s01 - sin*s11
	l10 := sin*s00 + cos*s10
	l11 := sin*s01 + cos*s11

	return f64.Aff3{
		l00, l01, cx + t.tx - (l00*cx + l01*cy),
		l10, l11, cy + t.ty - (l10*cx + l11*cy),
	}
}

// Apply returns a randomly transformed copy of img with the same bounds.
// Pixels mapped from outside the source repeat the nearest edge pixel.
func (a *Augmenter) Apply(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := a.sample(w, h)

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(src, src.Bounds(), img, b.Min, draw.Src)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	clamped := edgeClamp{src}
	draw.BiLinear.Transform(dst, t.affine(w, h), clamped, clamped.Bounds(), draw.Src, nil)
	return dst
}

// edgeClamp extends an image by one image size in every direction,
// replicating edge pixels.
type edgeClamp struct {
	img *image.RGBA
}

func (e edgeClamp) ColorModel() color.Model {
	return color.RGBAModel
}

func (e edgeClamp) Bounds() image.Rectangle {
	r := e.img.Rect
	m := max(r.Dx(), r.Dy())
	return image.Rect(r.Min.X-m, r.Min.Y-m, r.Max.X+m, r.Max.Y+m)
}

func (e edgeClamp) At(x, y int) color.Color {
	r := e.img.Rect
	x = min(max(x, r.Min.X), r.Max.X-1)
	y = min(max(y, r.Min.Y), r.Max.Y-1)
	return e.img.RGBAAt(x, y)
}
