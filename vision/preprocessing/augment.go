package preprocessing

import (
	"image"
	"math"
	"math/rand"
)

// AugmentConfig holds the random transformations applied to training images
type AugmentConfig struct {
	RotationRange  float64 // maximum absolute rotation, degrees
	ZoomRange      float64 // zoom factors are drawn from [1-ZoomRange, 1+ZoomRange]
	HorizontalFlip bool
}

// Enabled reports whether any transformation would change an image
func (c AugmentConfig) Enabled() bool {
	return c.RotationRange > 0 || c.ZoomRange > 0 || c.HorizontalFlip
}

// Transform is one sampled augmentation. The zero value is not the identity, use Identity.
type Transform struct {
	Angle float64 // radians
	ZoomX float64
	ZoomY float64
	Flip  bool
}

// Identity returns the transform that leaves images unchanged
func Identity() Transform {
	return Transform{ZoomX: 1, ZoomY: 1}
}

// IsIdentity reports whether Apply would return the image unchanged
func (t Transform) IsIdentity() bool {
	return t.Angle == 0 && t.ZoomX == 1 && t.ZoomY == 1 && !t.Flip
}

// Augmenter samples transforms from a seeded source. It is not safe for concurrent use;
// callers sample sequentially and apply the transforms in parallel.
type Augmenter struct {
	config AugmentConfig
	rng    *rand.Rand
}

// NewAugmenter creates an augmenter whose draws are fully determined by seed
func NewAugmenter(config AugmentConfig, seed int64) *Augmenter {
	return &Augmenter{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Sample draws the next transform
func (a *Augmenter) Sample() Transform {
	t := Identity()
	if a.config.RotationRange > 0 {
		deg := (a.rng.Float64()*2 - 1) * a.config.RotationRange
		t.Angle = deg * math.Pi / 180
	}
	if a.config.ZoomRange > 0 {
		lo := 1 - a.config.ZoomRange
		span := 2 * a.config.ZoomRange
		t.ZoomX = lo + a.rng.Float64()*span
		t.ZoomY = lo + a.rng.Float64()*span
	}
	if a.config.HorizontalFlip {
		t.Flip = a.rng.Intn(2) == 1
	}
	return t
}

// Apply returns a new image with the transform applied about the image center.
// Output pixels that map outside the source repeat the nearest edge pixel.
func (t Transform) Apply(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	if t.IsIdentity() {
		for y := 0; y < h; y++ {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
		}
		return dst
	}

	cx := float64(w-1) / 2
	cy := float64(h-1) / 2
	cos, sin := math.Cos(t.Angle), math.Sin(t.Angle)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := x
			if t.Flip {
				px = w - 1 - x
			}
			dx := (float64(px) - cx) * t.ZoomX
			dy := (float64(y) - cy) * t.ZoomY
			sx := cx + cos*dx - sin*dy
			sy := cy + sin*dx + cos*dy

			off := y*dst.Stride + x*4
			bilinear(src, w, h, sx, sy, dst.Pix[off:off+4])
		}
	}
	return dst
}

func bilinear(src *image.RGBA, w, h int, x, y float64, out []uint8) {
	x = clamp(x, 0, float64(w-1))
	y = clamp(y, 0, float64(h-1))

	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)

	p00 := src.Pix[y0*src.Stride+x0*4:]
	p10 := src.Pix[y0*src.Stride+x1*4:]
	p01 := src.Pix[y1*src.Stride+x0*4:]
	p11 := src.Pix[y1*src.Stride+x1*4:]

	for c := 0; c < 4; c++ {
		top := float64(p00[c])*(1-fx) + float64(p10[c])*fx
		bottom := float64(p01[c])*(1-fx) + float64(p11[c])*fx
		out[c] = uint8(math.Round(top*(1-fy) + bottom*fy))
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
