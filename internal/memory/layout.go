package memory

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/dic"
)

// Format selects the byte layout of staged images and points.
type Format struct {
	// PackedImages stores four 8-bit pixels per u32 word instead of one
	// f32 per pixel. Only images with integral values in [0, 255] pack.
	PackedImages bool

	// PlanarPoints stores the x offsets of a subset followed by its y
	// offsets instead of interleaved (x, y) pairs.
	PlanarPoints bool
}

// ParamsSize is the byte size of the encoded Params.
const ParamsSize = 8 * 4

// Params is the uniform block shared by every kernel launch. The layout
// matches the Params struct of the correlation shader: eight u32 fields.
type Params struct {
	Width         uint32
	Height        uint32
	Subsets       uint32
	Points        uint32
	MaxCandidates uint32
	Coefficients  uint32
	UsesLimits    uint32
	Packed        uint32
}

// Bytes serializes p in little-endian order.
func (p Params) Bytes() []byte {
	buf := make([]byte, ParamsSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], p.Width)
	le.PutUint32(buf[4:8], p.Height)
	le.PutUint32(buf[8:12], p.Subsets)
	le.PutUint32(buf[12:16], p.Points)
	le.PutUint32(buf[16:20], p.MaxCandidates)
	le.PutUint32(buf[20:24], p.Coefficients)
	le.PutUint32(buf[24:28], p.UsesLimits)
	le.PutUint32(buf[28:32], p.Packed)
	return buf
}

// DecodeParams is the inverse of Params.Bytes.
func DecodeParams(b []byte) Params {
	le := binary.LittleEndian
	return Params{
		Width:         le.Uint32(b[0:4]),
		Height:        le.Uint32(b[4:8]),
		Subsets:       le.Uint32(b[8:12]),
		Points:        le.Uint32(b[12:16]),
		MaxCandidates: le.Uint32(b[16:20]),
		Coefficients:  le.Uint32(b[20:24]),
		UsesLimits:    le.Uint32(b[24:28]),
		Packed:        le.Uint32(b[28:32]),
	}
}

// ParamsFor describes batch in format f.
func ParamsFor(batch *dic.Task, f Format) Params {
	//nolint:gosec // sizes are validated by dic.Task.Validate and the splitter
	p := Params{
		Width:         uint32(batch.Reference.Width()),
		Height:        uint32(batch.Reference.Height()),
		Subsets:       uint32(len(batch.Subsets)),
		Points:        uint32(batch.PointCount()),
		MaxCandidates: uint32(batch.MaxCandidates()),
		Coefficients:  uint32(batch.Order.Coefficients()),
	}
	if batch.UsesLimits {
		p.UsesLimits = 1
	}
	if f.PackedImages {
		p.Packed = 1
	}
	return p
}

// CanPack reports whether every pixel of img is an integer in [0, 255].
func CanPack(img *dic.Image) bool {
	for _, v := range img.Data() {
		if v < 0 || v > 255 || v != float32(math.Trunc(float64(v))) {
			return false
		}
	}
	return true
}

// ImageSize returns the staged byte size of a w×h image.
func ImageSize(w, h int, packed bool) uint64 {
	n := uint64(w) * uint64(h) //nolint:gosec // image dimensions are positive
	if packed {
		return (n + 3) / 4 * 4
	}
	return n * 4
}

// EncodeImage serializes img. Packed images hold pixel i in byte i%4 of
// word i/4.
func EncodeImage(img *dic.Image, packed bool) []byte {
	data := img.Data()
	buf := make([]byte, ImageSize(img.Width(), img.Height(), packed))
	if packed {
		for i, v := range data {
			buf[i] = byte(v)
		}
		return buf
	}
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeImage is the inverse of EncodeImage for n pixels.
func DecodeImage(b []byte, n int, packed bool) []float32 {
	out := make([]float32, n)
	if packed {
		for i := range out {
			out[i] = float32(b[i])
		}
		return out
	}
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// EncodePoints serializes the point offsets of every subset as i32 values.
// All subsets must have the same point count.
func EncodePoints(subsets []*dic.Subset, planar bool) []byte {
	if len(subsets) == 0 {
		return nil
	}
	n := len(subsets[0].Points)
	buf := make([]byte, len(subsets)*n*2*4)
	le := binary.LittleEndian
	for s, sub := range subsets {
		base := s * n * 2
		for p, pt := range sub.Points {
			xi, yi := base+p*2, base+p*2+1
			if planar {
				xi, yi = base+p, base+n+p
			}
			le.PutUint32(buf[xi*4:], uint32(pt[0])) //nolint:gosec // two's complement i32
			le.PutUint32(buf[yi*4:], uint32(pt[1])) //nolint:gosec // two's complement i32
		}
	}
	return buf
}

// PointAt returns offset p of subset s from encoded points.
func PointAt(b []byte, s, p, n int, planar bool) (dx, dy int32) {
	base := s * n * 2
	xi, yi := base+p*2, base+p*2+1
	if planar {
		xi, yi = base+p, base+n+p
	}
	le := binary.LittleEndian
	return int32(le.Uint32(b[xi*4:])), int32(le.Uint32(b[yi*4:])) //nolint:gosec // two's complement i32
}

// EncodeCenters serializes subset centers as (x, y) f32 pairs.
func EncodeCenters(subsets []*dic.Subset) []byte {
	buf := make([]byte, len(subsets)*2*4)
	for i, s := range subsets {
		putF32(buf, i*2, s.Center[0])
		putF32(buf, i*2+1, s.Center[1])
	}
	return buf
}

// DeformationsSize returns the byte size of the deformation slot.
// Limit mode stores a (min, max, step) f32 triple per coefficient; explicit
// mode stores MaxCandidates vectors per subset.
func DeformationsSize(subsets, coefficients, maxCandidates int, usesLimits bool) uint64 {
	if usesLimits {
		return uint64(subsets*coefficients*3) * 4 //nolint:gosec // positive sizes
	}
	return uint64(subsets) * uint64(maxCandidates) * uint64(coefficients) * 4 //nolint:gosec // positive sizes
}

// EncodeDeformations serializes the limits or candidate vectors of batch.
// Explicit lists shorter than MaxCandidates are zero padded.
func EncodeDeformations(batch *dic.Task) []byte {
	n := batch.Order.Coefficients()
	maxCand := batch.MaxCandidates()
	buf := make([]byte, DeformationsSize(len(batch.Subsets), n, maxCand, batch.UsesLimits))
	if batch.UsesLimits {
		for s, lim := range batch.Limits {
			for c, l := range lim {
				at := (s*n + c) * 3
				putF32(buf, at, l.Min)
				putF32(buf, at+1, l.Max)
				putF32(buf, at+2, l.Step)
			}
		}
		return buf
	}
	for s, list := range batch.Candidates {
		for j, def := range list {
			for c, v := range def {
				putF32(buf, (s*maxCand+j)*n+c, v)
			}
		}
	}
	return buf
}

// CountsSize returns the byte size of the counts slot: per-coefficient
// step counts in limit mode, one candidate count per subset otherwise.
func CountsSize(subsets, coefficients int, usesLimits bool) uint64 {
	if usesLimits {
		return uint64(subsets*coefficients) * 4 //nolint:gosec // positive sizes
	}
	return uint64(subsets) * 4 //nolint:gosec // positive sizes
}

// EncodeCounts serializes the step or candidate counts of batch.
func EncodeCounts(batch *dic.Task) []byte {
	n := batch.Order.Coefficients()
	buf := make([]byte, CountsSize(len(batch.Subsets), n, batch.UsesLimits))
	le := binary.LittleEndian
	if batch.UsesLimits {
		for s, lim := range batch.Limits {
			for c, l := range lim {
				le.PutUint32(buf[(s*n+c)*4:], uint32(dic.StepCount(l))) //nolint:gosec // bounded by GridSize
			}
		}
		return buf
	}
	for s, list := range batch.Candidates {
		le.PutUint32(buf[s*4:], uint32(len(list))) //nolint:gosec // bounded by Validate
	}
	return buf
}

// ResultsSize returns the byte size of the results slot.
func ResultsSize(subsets, maxCandidates int) uint64 {
	return uint64(subsets) * uint64(maxCandidates) * 4 //nolint:gosec // positive sizes
}

// F32 returns f32 element i of b.
func F32(b []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
}

// U32 returns u32 element i of b.
func U32(b []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(b[i*4:])
}

// DecodeScores converts an f32 results slot to float64 scores.
func DecodeScores(b []byte, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(F32(b, i))
	}
	return out
}

func putF32(buf []byte, i int, v float64) {
	binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
}
