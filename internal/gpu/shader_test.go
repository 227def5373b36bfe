//go:build !nogpu

package gpu

import (
	"strings"
	"testing"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/kernel"
	"github.com/gogpu/dic/internal/memory"
)

func baseVariant() Variant {
	return Variant{
		Points:        49,
		Order:         dic.OrderZero,
		UsesLimits:    true,
		Interpolation: dic.InterpBicubic,
		Correlation:   dic.CorrZNCC,
	}
}

func TestVariantSource(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(v *Variant)
		want    []string
		notWant []string
	}{
		{
			name: "bicubic limits",
			want: []string{
				"const POINTS: u32 = 49u;",
				"const COEFFICIENTS: u32 = 2u;",
				"@workgroup_size(64)",
				"fn cubic_weight(",
				"fn sample_reference(",
				"fn sample_deformed(",
				"var<storage, read> reference: array<f32>;",
				"total = total * counts[s * COEFFICIENTS + 1u];",
				"results[flat] = zncc;",
				"bitcast<f32>(0x7fc00000u)",
			},
			notWant: []string{"coeff[2]", "0xffu", "{{", "<no value>"},
		},
		{
			name:   "bilinear explicit",
			mutate: func(v *Variant) { v.Interpolation = dic.InterpBilinear; v.UsesLimits = false },
			want: []string{
				"let top = mix(",
				"return counts[s];",
				"let base = (s * params.max_candidates + j) * COEFFICIENTS;",
			},
			notWant: []string{"cubic_weight", "total = total"},
		},
		{
			name:   "znssd",
			mutate: func(v *Variant) { v.Correlation = dic.CorrZNSSD },
			want:   []string{"results[flat] = -(2.0 - 2.0 * zncc);"},
		},
		{
			name:   "packed planar",
			mutate: func(v *Variant) { v.Packed = true; v.Planar = true },
			want: []string{
				"var<storage, read> deformed: array<u32>;",
				"f32((deformed[i / 4u] >> ((i % 4u) * 8u)) & 0xffu)",
				"points[base + POINTS + p]",
			},
			notWant: []string{"points[base + p * 2u + 1u]"},
		},
		{
			name:   "second order",
			mutate: func(v *Variant) { v.Order = dic.OrderSecond },
			want: []string{
				"const COEFFICIENTS: u32 = 12u;",
				"var<private> coeff: array<f32, 12>;",
				"coeff[2] * o.x + coeff[3] * o.y",
				"coeff[11] * o.x * o.y",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := baseVariant()
			if tt.mutate != nil {
				tt.mutate(&v)
			}
			src, err := v.Source()
			if err != nil {
				t.Fatalf("Source = %v", err)
			}
			for _, s := range tt.want {
				if !strings.Contains(src, s) {
					t.Errorf("source lacks %q", s)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(src, s) {
					t.Errorf("source contains %q", s)
				}
			}
		})
	}
}

func TestVariantSource_BicubicTaps(t *testing.T) {
	src, err := baseVariant().Source()
	if err != nil {
		t.Fatalf("Source = %v", err)
	}
	// 4x4 taps per image.
	if got := strings.Count(src, "sum = sum + fetch_reference("); got != 16 {
		t.Errorf("reference taps = %d, want 16", got)
	}
	if !strings.Contains(src, "let wx_m1 = cubic_weight(tx - (-1.0));") {
		t.Error("missing weight of the left tap")
	}
}

func TestVariantOf(t *testing.T) {
	shape := kernel.Shape{PointCount: 9, Order: dic.OrderFirst, Interpolation: dic.InterpBilinear, Correlation: dic.CorrZNSSD}
	v := VariantOf(shape, memory.Format{PackedImages: true})
	if v.Points != 9 || v.Order != dic.OrderFirst || v.UsesLimits || !v.Packed || v.Planar {
		t.Errorf("VariantOf = %+v", v)
	}
	if s := v.String(); !strings.Contains(s, "p9_") || !strings.Contains(s, "_packed") {
		t.Errorf("String = %q", s)
	}
}

func TestVariantCompileSPIRV(t *testing.T) {
	variants := map[string]Variant{
		"bicubic limits": baseVariant(),
		"bilinear first order packed": {Points: 25, Order: dic.OrderFirst, Interpolation: dic.InterpBilinear,
			Correlation: dic.CorrZNSSD, Packed: true, Planar: true},
	}
	for name, v := range variants {
		t.Run(name, func(t *testing.T) {
			words, err := v.CompileSPIRV()
			if err != nil {
				msg := err.Error()
				switch {
				case strings.Contains(msg, "runtime-sized arrays not yet implemented"):
					t.Skip("Skipping: naga doesn't yet support runtime-sized arrays")
				case strings.Contains(msg, "not yet implemented"), strings.Contains(msg, "not supported"):
					t.Skipf("Skipping: naga feature not yet implemented: %v", err)
				case strings.Contains(msg, "lowering error"), strings.Contains(msg, "atomic"):
					t.Skipf("Skipping: naga lowering limitation: %v", err)
				}
				t.Fatalf("failed to compile correlation shader: %v", err)
			}
			if len(words) == 0 {
				t.Fatal("SPIR-V output is empty")
			}
			if words[0] != 0x07230203 {
				t.Errorf("invalid SPIR-V magic: 0x%08X, want 0x07230203", words[0])
			}
		})
	}
}

func TestDispatchSize(t *testing.T) {
	tests := []struct {
		n    int
		x, y uint32
	}{
		{0, 0, 0},
		{1, 1, 1},
		{64, 1, 1},
		{65, 2, 1},
		{64 * 65535, 65535, 1},
		{64*65535 + 1, 65535, 2},
	}
	for _, tt := range tests {
		x, y := dispatchSize(tt.n)
		if x != tt.x || y != tt.y {
			t.Errorf("dispatchSize(%d) = (%d, %d), want (%d, %d)", tt.n, x, y, tt.x, tt.y)
		}
		if tt.n > 0 && int(x)*int(y)*WorkgroupSize < tt.n {
			t.Errorf("dispatchSize(%d) covers %d invocations", tt.n, int(x)*int(y)*WorkgroupSize)
		}
	}
}
