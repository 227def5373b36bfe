package kernel

import (
	"math"

	"github.com/gogpu/dic"
)

// plane is a grayscale image in row-major order. Samples outside the image
// are clamped to the nearest edge pixel.
type plane struct {
	w, h int
	data []float32
}

func (p plane) at(x, y int) float64 {
	x = clamp(x, 0, p.w-1)
	y = clamp(y, 0, p.h-1)
	return float64(p.data[y*p.w+x])
}

// sample interpolates p at the real-valued pixel coordinate (x, y).
// Pixel (i, j) is located at integer coordinates.
func (p plane) sample(x, y float64, mode dic.Interpolation) float64 {
	if mode == dic.InterpBilinear {
		return p.bilinear(x, y)
	}
	return p.bicubic(x, y)
}

func (p plane) bilinear(x, y float64) float64 {
	fx, fy := math.Floor(x), math.Floor(y)
	x0, y0 := int(fx), int(fy)
	return lerp2D(
		p.at(x0, y0), p.at(x0+1, y0),
		p.at(x0, y0+1), p.at(x0+1, y0+1),
		x-fx, y-fy)
}

func (p plane) bicubic(x, y float64) float64 {
	fx, fy := math.Floor(x), math.Floor(y)
	x0, y0 := int(fx), int(fy)

	var vals [4][4]float64
	for j := range 4 {
		for i := range 4 {
			vals[j][i] = p.at(x0+i-1, y0+j-1)
		}
	}
	return bicubicInterp(vals, x-fx, y-fy)
}

func clamp(val, minVal, maxVal int) int {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// lerp2D performs bilinear interpolation between four corner values.
func lerp2D(v00, v10, v01, v11, tx, ty float64) float64 {
	return lerp(lerp(v00, v10, tx), lerp(v01, v11, tx), ty)
}

// cubicWeight is the Catmull-Rom kernel (Mitchell-Netravali with B=0, C=0.5).
func cubicWeight(t float64) float64 {
	absT := math.Abs(t)
	if absT < 1 {
		return 1.5*absT*absT*absT - 2.5*absT*absT + 1.0
	}
	if absT < 2 {
		return -0.5*absT*absT*absT + 2.5*absT*absT - 4.0*absT + 2.0
	}
	return 0
}

// bicubicInterp weighs a 4x4 neighborhood whose element [1][1] is the
// pixel at the floor of the sample position.
func bicubicInterp(vals [4][4]float64, tx, ty float64) float64 {
	wx := [4]float64{cubicWeight(tx + 1), cubicWeight(tx), cubicWeight(tx - 1), cubicWeight(tx - 2)}
	wy := [4]float64{cubicWeight(ty + 1), cubicWeight(ty), cubicWeight(ty - 1), cubicWeight(ty - 2)}

	var result float64
	for i := range 4 {
		for j := range 4 {
			//nolint:gosec // G602: fixed size [4][4] arrays, loop bounded by 4
			result += vals[i][j] * wx[j] * wy[i]
		}
	}
	return result
}
