package dic

import (
	"errors"
	"math"
	"testing"
)

func TestStepCount(t *testing.T) {
	tests := []struct {
		name  string
		limit Limit
		want  int
	}{
		{"symmetric unit", Limit{Min: -2, Max: 2, Step: 1}, 5},
		{"degenerate", Limit{Min: 0, Max: 0, Step: 1}, 1},
		{"zero step", Limit{Min: -1, Max: 1, Step: 0}, 1},
		{"fractional", Limit{Min: 0, Max: 0.3, Step: 0.1}, 4},
		{"partial last step", Limit{Min: 0, Max: 1, Step: 0.3}, 4},
		{"shift range", Limit{Min: -6, Max: 6, Step: 1}, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StepCount(tt.limit)
			if got != tt.want {
				t.Errorf("StepCount(%+v) = %d, want %d", tt.limit, got, tt.want)
			}
			if again := StepCount(tt.limit); again != got {
				t.Errorf("StepCount not idempotent: %d then %d", got, again)
			}
		})
	}
}

func TestGridSizeMatchesEnumeration(t *testing.T) {
	limits := Limits{{Min: -2, Max: 2, Step: 1}, {Min: 0, Max: 0, Step: 1}}
	size, err := limits.GridSize()
	if err != nil {
		t.Fatalf("GridSize: %v", err)
	}
	var enumerated uint32
	for u := -2.0; u <= 2; u++ {
		for v := 0.0; v <= 0; v++ {
			enumerated++
		}
	}
	if size != enumerated || size != 5 {
		t.Errorf("GridSize = %d, enumerated %d, want 5", size, enumerated)
	}

	seen := make(map[[2]float64]bool)
	for i := uint32(0); i < size; i++ {
		d := limits.Deformation(i)
		seen[[2]float64{d[0], d[1]}] = true
	}
	if len(seen) != 5 {
		t.Errorf("decoded %d distinct deformations, want 5", len(seen))
	}
}

func TestGridSizeOverflow(t *testing.T) {
	big := Limit{Min: 0, Max: 1e6, Step: 1}
	limits := Limits{big, big}
	if _, err := limits.GridSize(); !errors.Is(err, ErrIllegalTaskData) {
		t.Errorf("GridSize overflow error = %v, want ErrIllegalTaskData", err)
	}
}

func TestLimitsValidate(t *testing.T) {
	tests := []struct {
		name    string
		order   DeformationOrder
		limits  Limits
		wantErr bool
	}{
		{"ok zero order", OrderZero, Limits{{-1, 1, 1}, {-1, 1, 1}}, false},
		{"wrong length", OrderFirst, Limits{{-1, 1, 1}, {-1, 1, 1}}, true},
		{"min above max", OrderZero, Limits{{1, -1, 1}, {0, 0, 0}}, true},
		{"negative step", OrderZero, Limits{{-1, 1, -1}, {0, 0, 0}}, true},
		{"nan", OrderZero, Limits{{math.NaN(), 1, 1}, {0, 0, 0}}, true},
		{"unknown order", DeformationOrder(7), Limits{{0, 0, 0}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate(tt.order)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrIllegalTaskData) {
				t.Errorf("error %v does not wrap ErrIllegalTaskData", err)
			}
		})
	}
}

func TestLimitsBisectPartitionsGrid(t *testing.T) {
	limits := Limits{{Min: -3, Max: 3, Step: 1}, {Min: -1, Max: 1, Step: 0.5}}
	left, right, ok := limits.Bisect()
	if !ok {
		t.Fatal("Bisect() ok = false")
	}
	// Axis 1 has the smaller count (5 vs 7).
	if left[0] != limits[0] || right[0] != limits[0] {
		t.Errorf("unexpected split axis: left %+v right %+v", left, right)
	}

	full := gridSet(t, limits)
	l := gridSet(t, left)
	r := gridSet(t, right)
	if len(l)+len(r) != len(full) {
		t.Fatalf("halves have %d+%d points, want %d", len(l), len(r), len(full))
	}
	for k := range l {
		if r[k] {
			t.Errorf("point %v in both halves", k)
		}
		if !full[k] {
			t.Errorf("point %v not in original grid", k)
		}
	}
	for k := range r {
		if !full[k] {
			t.Errorf("point %v not in original grid", k)
		}
	}
}

func TestLimitsBisectFixed(t *testing.T) {
	if _, _, ok := (Limits{Fixed(1), Fixed(2)}).Bisect(); ok {
		t.Error("Bisect() of a single-point grid should fail")
	}
}

func TestLimitsCoarsen(t *testing.T) {
	limits := Limits{{Min: -10, Max: 10, Step: 0.5}, Fixed(0)}
	coarse := limits.Coarsen(9)
	if c := StepCount(coarse[0]); c > 9 || c < 2 {
		t.Errorf("coarse step count = %d, want 2..9", c)
	}
	if coarse[0].Min != limits[0].Min {
		t.Errorf("coarse min = %g, want %g", coarse[0].Min, limits[0].Min)
	}
	if StepCount(coarse[1]) != 1 {
		t.Error("fixed coefficient should stay fixed")
	}
}

func TestLimitsAround(t *testing.T) {
	limits := Limits{{Min: -10, Max: 10, Step: 1}, {Min: -10, Max: 10, Step: 1}}
	fine := limits.Around([]float64{9, -3}, []float64{3, 3})
	if fine[0].Min != 6 || fine[0].Max != 10 {
		t.Errorf("axis 0 = %+v, want [6, 10]", fine[0])
	}
	if fine[1].Min != -6 || fine[1].Max != 0 {
		t.Errorf("axis 1 = %+v, want [-6, 0]", fine[1])
	}
}

func TestOrderApply(t *testing.T) {
	tests := []struct {
		name   string
		order  DeformationOrder
		def    []float64
		dx, dy float64
		wantX  float64
		wantY  float64
	}{
		{"translation", OrderZero, []float64{1.5, -2}, 3, 4, 4.5, 2},
		{"gradient", OrderFirst, []float64{0, 0, 0.1, 0.2, 0.3, 0.4}, 10, 10, 13, 17},
		{"quadratic", OrderSecond, []float64{0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 0, 1}, 2, 3, 6, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := tt.order.Apply(tt.def, tt.dx, tt.dy)
			if math.Abs(x-tt.wantX) > 1e-12 || math.Abs(y-tt.wantY) > 1e-12 {
				t.Errorf("Apply = (%g, %g), want (%g, %g)", x, y, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestOrderCoefficients(t *testing.T) {
	want := map[DeformationOrder]int{OrderZero: 2, OrderFirst: 6, OrderSecond: 12, DeformationOrder(9): 0}
	for o, n := range want {
		if got := o.Coefficients(); got != n {
			t.Errorf("%v.Coefficients() = %d, want %d", o, got, n)
		}
	}
}

func gridSet(t *testing.T, l Limits) map[[2]float64]bool {
	t.Helper()
	size, err := l.GridSize()
	if err != nil {
		t.Fatalf("GridSize: %v", err)
	}
	set := make(map[[2]float64]bool, size)
	for i := uint32(0); i < size; i++ {
		d := l.Deformation(i)
		set[[2]float64{d[0], d[1]}] = true
	}
	return set
}
