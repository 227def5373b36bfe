// Package synth renders synthetic speckle patterns with known
// deformations.
package synth

import (
	"math"
	"math/rand/v2"

	"github.com/gogpu/dic"
)

// Pattern is a continuous speckle intensity field made of Gaussian dots.
type Pattern struct {
	dots   [][3]float64 // x, y, amplitude
	radius float64
}

// NewPattern scatters dots over a w×h area. The same seed always yields
// the same pattern.
func NewPattern(w, h, dots int, radius float64, seed uint64) *Pattern {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	p := &Pattern{dots: make([][3]float64, dots), radius: radius}
	for i := range p.dots {
		p.dots[i] = [3]float64{
			rng.Float64() * float64(w),
			rng.Float64() * float64(h),
			0.5 + rng.Float64()*0.5,
		}
	}
	return p
}

// At returns the intensity at (x, y), in [0, 255].
func (p *Pattern) At(x, y float64) float64 {
	cut := 4 * p.radius
	inv := 1 / (2 * p.radius * p.radius)
	var sum float64
	for _, d := range p.dots {
		dx, dy := x-d[0], y-d[1]
		if math.Abs(dx) > cut || math.Abs(dy) > cut {
			continue
		}
		sum += d[2] * math.Exp(-(dx*dx+dy*dy)*inv)
	}
	return 255 * math.Min(1, sum)
}

// Render samples the pattern displaced by the translation (u, v): the
// content at (x, y) of the undeformed pattern appears at (x+u, y+v).
// Render panics if w or h is not positive.
func (p *Pattern) Render(w, h int, u, v float64) *dic.Image {
	data := make([]float32, w*h)
	for y := range h {
		for x := range w {
			data[y*w+x] = float32(p.At(float64(x)-u, float64(y)-v))
		}
	}
	img, err := dic.NewImage(w, h, data)
	if err != nil {
		panic(err)
	}
	return img
}

// Quantize rounds every pixel of img to the nearest integer, as an 8-bit
// camera would.
func Quantize(img *dic.Image) *dic.Image {
	src := img.Data()
	data := make([]float32, len(src))
	for i, v := range src {
		data[i] = float32(math.Round(float64(v)))
	}
	out, err := dic.NewImage(img.Width(), img.Height(), data)
	if err != nil {
		panic(err)
	}
	return out
}
