package dic

import "fmt"

// Subset is an immutable image patch descriptor: a center coordinate and
// the pixel offsets, relative to the center, that the patch covers.
//
// Subsets are created by placement logic outside this package and must not
// be mutated once handed to a solver.
type Subset struct {
	Center [2]float64
	Size   int
	Points [][2]int32
}

// NewSquareSubset returns a square subset centered at (cx, cy) covering the
// offsets -size..size on both axes, (2*size+1)^2 points in row-major order.
func NewSquareSubset(cx, cy float64, size int) *Subset {
	if size < 0 {
		size = 0
	}
	side := 2*size + 1
	points := make([][2]int32, 0, side*side)
	for dy := -size; dy <= size; dy++ {
		for dx := -size; dx <= size; dx++ {
			points = append(points, [2]int32{int32(dx), int32(dy)}) //nolint:gosec // subset sizes are small
		}
	}
	return &Subset{Center: [2]float64{cx, cy}, Size: size, Points: points}
}

// String returns a short description of the subset.
func (s *Subset) String() string {
	return fmt.Sprintf("Subset[(%.1f, %.1f) size %d, %d points]", s.Center[0], s.Center[1], s.Size, len(s.Points))
}

// Inside reports whether every point of s lies within a w x h image.
func (s *Subset) Inside(w, h int) bool {
	for _, p := range s.Points {
		x := s.Center[0] + float64(p[0])
		y := s.Center[1] + float64(p[1])
		if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
			return false
		}
	}
	return true
}

// GridSubsets places square subsets of the given half-size on a regular
// grid with the given spacing, keeping only those fully inside a w x h
// image. It is a convenience for demos and tests.
func GridSubsets(w, h, size, spacing int) []*Subset {
	if spacing <= 0 {
		spacing = 2*size + 1
	}
	var out []*Subset
	for y := size; y < h-size; y += spacing {
		for x := size; x < w-size; x += spacing {
			out = append(out, NewSquareSubset(float64(x), float64(y), size))
		}
	}
	return out
}
