package dic

import (
	"fmt"
	"math"
)

// DeformationOrder selects the polynomial used to displace subset pixels.
type DeformationOrder uint8

const (
	// OrderZero is a pure translation (u, v).
	OrderZero DeformationOrder = iota

	// OrderFirst adds the displacement gradient (u, v, ux, uy, vx, vy).
	OrderFirst

	// OrderSecond adds quadratic terms
	// (u, v, ux, uy, vx, vy, uxx, uyy, uxy, vxx, vyy, vxy).
	OrderSecond
)

// String returns a string representation of the deformation order.
func (o DeformationOrder) String() string {
	switch o {
	case OrderZero:
		return "Zero"
	case OrderFirst:
		return "First"
	case OrderSecond:
		return "Second"
	default:
		return fmt.Sprintf("Unknown(%d)", int(o))
	}
}

// IsValid reports whether o is one of the defined orders.
func (o DeformationOrder) IsValid() bool {
	return o <= OrderSecond
}

// Coefficients returns the deformation vector length for the order,
// or 0 for an unknown order.
func (o DeformationOrder) Coefficients() int {
	switch o {
	case OrderZero:
		return 2
	case OrderFirst:
		return 6
	case OrderSecond:
		return 12
	default:
		return 0
	}
}

// Apply displaces the pixel offset (dx, dy), measured from the subset
// center, by the deformation def and returns the new offset. def must hold
// at least o.Coefficients() values.
func (o DeformationOrder) Apply(def []float64, dx, dy float64) (x, y float64) {
	x = dx + def[0]
	y = dy + def[1]
	if o == OrderZero {
		return x, y
	}
	x += def[2]*dx + def[3]*dy
	y += def[4]*dx + def[5]*dy
	if o == OrderFirst {
		return x, y
	}
	x += 0.5*def[6]*dx*dx + 0.5*def[7]*dy*dy + def[8]*dx*dy
	y += 0.5*def[9]*dx*dx + 0.5*def[10]*dy*dy + def[11]*dx*dy
	return x, y
}

// stepEpsilon guards the step count against (max-min)/step landing just
// below an integer because of floating point rounding.
const stepEpsilon = 1e-9

// Limit is the (min, max, step) triple of one deformation coefficient.
// It describes the discrete values min, min+step, ... up to max.
type Limit struct {
	Min  float64
	Max  float64
	Step float64
}

// Fixed returns a limit that pins a coefficient to v.
func Fixed(v float64) Limit {
	return Limit{Min: v, Max: v}
}

// StepCount returns the number of grid values of l. It is 1 when the step
// is zero or the range is empty.
func StepCount(l Limit) int {
	if l.Step <= 0 || l.Max <= l.Min {
		return 1
	}
	return int(math.Floor((l.Max-l.Min)/l.Step+stepEpsilon)) + 1
}

// Value returns the i-th grid value of l.
func (l Limit) Value(i int) float64 {
	if l.Step <= 0 {
		return l.Min
	}
	return l.Min + float64(i)*l.Step
}

func (l Limit) validate() error {
	if math.IsNaN(l.Min) || math.IsNaN(l.Max) || math.IsNaN(l.Step) ||
		math.IsInf(l.Min, 0) || math.IsInf(l.Max, 0) || math.IsInf(l.Step, 0) {
		return fmt.Errorf("%w: limit %+v is not finite", ErrIllegalTaskData, l)
	}
	if l.Min > l.Max {
		return fmt.Errorf("%w: limit min %g exceeds max %g", ErrIllegalTaskData, l.Min, l.Max)
	}
	if l.Step < 0 {
		return fmt.Errorf("%w: negative step %g", ErrIllegalTaskData, l.Step)
	}
	return nil
}

// Limits holds one Limit per deformation coefficient and defines a discrete
// search grid. Coefficient 0 varies fastest in grid index order.
type Limits []Limit

// NewLimits returns limits for order with the translation coefficients set
// to u and v and every gradient coefficient fixed at zero.
func NewLimits(order DeformationOrder, u, v Limit) Limits {
	n := order.Coefficients()
	if n == 0 {
		return nil
	}
	l := make(Limits, n)
	l[0] = u
	l[1] = v
	return l
}

// Validate checks every limit and the grid size.
func (l Limits) Validate(order DeformationOrder) error {
	if n := order.Coefficients(); n == 0 {
		return fmt.Errorf("%w: unsupported deformation order %v", ErrIllegalTaskData, order)
	} else if len(l) != n {
		return fmt.Errorf("%w: %d limits for order %v, want %d", ErrIllegalTaskData, len(l), order, n)
	}
	for i := range l {
		if err := l[i].validate(); err != nil {
			return fmt.Errorf("coefficient %d: %w", i, err)
		}
	}
	_, err := l.GridSize()
	return err
}

// StepCounts returns the per-coefficient step counts.
func (l Limits) StepCounts() []int {
	counts := make([]int, len(l))
	for i := range l {
		counts[i] = StepCount(l[i])
	}
	return counts
}

// GridSize returns the number of deformations in the grid. The size must
// fit a uint32 or the limits are rejected with ErrIllegalTaskData.
func (l Limits) GridSize() (uint32, error) {
	size := uint64(1)
	for i := range l {
		size *= uint64(StepCount(l[i]))
		if size > math.MaxUint32 {
			return 0, fmt.Errorf("%w: deformation grid exceeds %d entries", ErrIllegalTaskData, uint32(math.MaxUint32))
		}
	}
	return uint32(size), nil
}

// Deformation decodes a grid index into a deformation vector.
func (l Limits) Deformation(index uint32) []float64 {
	def := make([]float64, len(l))
	for i := range l {
		c := uint32(StepCount(l[i])) //nolint:gosec // bounded by GridSize
		def[i] = l[i].Value(int(index % c))
		index /= c
	}
	return def
}

// Clamp returns a copy of def with every coefficient clamped into its limit.
func (l Limits) Clamp(def []float64) []float64 {
	out := make([]float64, len(def))
	copy(out, def)
	for i := range l {
		if i >= len(out) {
			break
		}
		out[i] = math.Max(l[i].Min, math.Min(l[i].Max, out[i]))
	}
	return out
}

// Bisect splits the grid in two along the coefficient with the smallest
// step count greater than one. The halves partition the original grid
// points exactly. ok is false when no coefficient can be split.
func (l Limits) Bisect() (left, right Limits, ok bool) {
	axis, best := -1, 0
	for i := range l {
		c := StepCount(l[i])
		if c > 1 && (axis < 0 || c < best) {
			axis, best = i, c
		}
	}
	if axis < 0 {
		return nil, nil, false
	}
	left = append(Limits(nil), l...)
	right = append(Limits(nil), l...)
	lc := (best + 1) / 2
	src := l[axis]
	left[axis] = Limit{Min: src.Min, Max: src.Value(lc - 1), Step: src.Step}
	right[axis] = Limit{Min: src.Value(lc), Max: src.Value(best - 1), Step: src.Step}
	return left, right, true
}

// Coarsen returns limits covering the same range with at most maxSteps
// values per coefficient. Steps are multiplied by whole factors so the
// coarse grid stays a subset of the original grid.
func (l Limits) Coarsen(maxSteps int) Limits {
	if maxSteps < 2 {
		maxSteps = 2
	}
	out := make(Limits, len(l))
	for i, lim := range l {
		out[i] = lim
		c := StepCount(lim)
		if c <= maxSteps {
			continue
		}
		factor := (c - 1 + maxSteps - 2) / (maxSteps - 1)
		out[i].Step = lim.Step * float64(factor)
	}
	return out
}

// Around returns limits restricted to def ± radius per coefficient, using
// the original steps and clipped to l. Coefficients whose radius is zero
// keep def as a fixed value.
func (l Limits) Around(def, radius []float64) Limits {
	out := make(Limits, len(l))
	for i, lim := range l {
		if lim.Step <= 0 || radius[i] <= 0 {
			out[i] = Fixed(def[i])
			continue
		}
		lo := math.Max(lim.Min, def[i]-radius[i])
		hi := math.Min(lim.Max, def[i]+radius[i])
		// Snap the lower bound onto the original grid.
		k := math.Ceil((lo-lim.Min)/lim.Step - stepEpsilon)
		lo = lim.Min + k*lim.Step
		if lo > hi {
			lo = hi
		}
		out[i] = Limit{Min: lo, Max: hi, Step: lim.Step}
	}
	return out
}
