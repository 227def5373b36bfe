//go:build !nogpu

package gpu

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/gogpu/naga"

	"github.com/gogpu/dic"
	"github.com/gogpu/dic/internal/kernel"
	"github.com/gogpu/dic/internal/memory"
)

// WorkgroupSize is the number of invocations per workgroup of the
// correlation shader.
const WorkgroupSize = 64

// maxWorkgroups is the per-dimension dispatch limit of WebGPU.
const maxWorkgroups = 65535

//go:embed shaders/*.tmpl
var shaderFS embed.FS

var shaderTemplates = template.Must(template.ParseFS(shaderFS, "shaders/*.tmpl"))

// Variant is everything the correlation shader is specialized on.
type Variant struct {
	Points        int
	Order         dic.DeformationOrder
	UsesLimits    bool
	Interpolation dic.Interpolation
	Correlation   dic.Correlation
	Packed        bool
	Planar        bool
}

// VariantOf returns the shader variant for a kernel shape and staging
// format.
func VariantOf(shape kernel.Shape, f memory.Format) Variant {
	return Variant{
		Points:        shape.PointCount,
		Order:         shape.Order,
		UsesLimits:    shape.UsesLimits,
		Interpolation: shape.Interpolation,
		Correlation:   shape.Correlation,
		Packed:        f.PackedImages,
		Planar:        f.PlanarPoints,
	}
}

// String returns a short label for pipeline names and logs.
func (v Variant) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "p%d_%v", v.Points, v.Order)
	if v.UsesLimits {
		b.WriteString("_limits")
	}
	fmt.Fprintf(&b, "_%v_%v", v.Interpolation, v.Correlation)
	if v.Packed {
		b.WriteString("_packed")
	}
	if v.Planar {
		b.WriteString("_planar")
	}
	return b.String()
}

// tap is one offset of the bicubic neighborhood.
type tap struct {
	Offset int
	Name   string
}

// shaderData is the template view of a Variant.
type shaderData struct {
	Variant
	Coefficients  int
	WorkgroupSize int
}

func (d shaderData) Texel() string {
	if d.Packed {
		return "u32"
	}
	return "f32"
}

func (d shaderData) Images() []string { return []string{"reference", "deformed"} }

func (d shaderData) Bicubic() bool { return d.Interpolation == dic.InterpBicubic }

func (d shaderData) ZNSSD() bool { return d.Correlation == dic.CorrZNSSD }

func (d shaderData) First() bool { return d.Order >= dic.OrderFirst }

func (d shaderData) Second() bool { return d.Order >= dic.OrderSecond }

func (d shaderData) Coeffs() []int {
	out := make([]int, d.Coefficients)
	for i := range out {
		out[i] = i
	}
	return out
}

func (d shaderData) Taps() []tap {
	return []tap{{-1, "m1"}, {0, "0"}, {1, "1"}, {2, "2"}}
}

// Source returns the WGSL source of the variant. Coefficient and tap loops
// are unrolled by the template.
func (v Variant) Source() (string, error) {
	data := shaderData{
		Variant:       v,
		Coefficients:  v.Order.Coefficients(),
		WorkgroupSize: WorkgroupSize,
	}
	var b strings.Builder
	if err := shaderTemplates.ExecuteTemplate(&b, "correlate.wgsl.tmpl", data); err != nil {
		return "", fmt.Errorf("assemble shader %v: %w", v, err)
	}
	return b.String(), nil
}

// CompileSPIRV compiles the variant to SPIR-V words.
func (v Variant) CompileSPIRV() ([]uint32, error) {
	src, err := v.Source()
	if err != nil {
		return nil, err
	}
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile shader %v: %w", v, err)
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// dispatchSize returns the workgroup grid covering n invocations. Grids
// wider than maxWorkgroups fold into a second dimension; the shader
// recovers the flat index from id.y and num_workgroups.x.
func dispatchSize(n int) (x, y uint32) {
	groups := (n + WorkgroupSize - 1) / WorkgroupSize
	if groups == 0 {
		return 0, 0
	}
	if groups <= maxWorkgroups {
		return uint32(groups), 1 //nolint:gosec // bounded by maxWorkgroups
	}
	rows := (groups + maxWorkgroups - 1) / maxWorkgroups
	return maxWorkgroups, uint32(rows) //nolint:gosec // bounded by the results buffer size
}
