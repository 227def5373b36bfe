package dic

import (
	"fmt"
	"strconv"
	"strings"
)

// Interpolation selects how deformed intensities are sampled between pixels.
type Interpolation uint8

const (
	// InterpBilinear interpolates between the 4 neighboring pixels.
	InterpBilinear Interpolation = iota

	// InterpBicubic uses Catmull-Rom weights over a 4x4 neighborhood.
	InterpBicubic
)

// String returns a string representation of the interpolation mode.
func (m Interpolation) String() string {
	switch m {
	case InterpBilinear:
		return "bilinear"
	case InterpBicubic:
		return "bicubic"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Correlation selects the similarity formula.
type Correlation uint8

const (
	// CorrZNCC is zero-normalized cross-correlation, in [-1, 1].
	CorrZNCC Correlation = iota

	// CorrZNSSD is zero-normalized sum of squared differences, in [0, 4].
	// Kernels report it negated so that higher scores are always better.
	CorrZNSSD
)

// String returns a string representation of the correlation formula.
func (c Correlation) String() string {
	switch c {
	case CorrZNCC:
		return "zncc"
	case CorrZNSSD:
		return "znssd"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Score converts a ZNCC value into the score the formula reports for the
// same match, using ZNSSD = 2 - 2*ZNCC.
func (c Correlation) Score(zncc float64) float64 {
	if c == CorrZNSSD {
		return -(2 - 2*zncc)
	}
	return zncc
}

// SolverKind selects the search strategy.
type SolverKind uint8

const (
	// SolverExhaustive evaluates the whole deformation grid.
	SolverExhaustive SolverKind = iota

	// SolverCoarseFine evaluates a coarse grid, then a fine grid around the
	// coarse winner.
	SolverCoarseFine

	// SolverNewtonRaphson refines a coarse guess with Newton steps from a
	// central-difference gradient and Hessian.
	SolverNewtonRaphson

	// SolverSPGD refines a coarse guess with stochastic parallel gradient
	// descent.
	SolverSPGD
)

// String returns a string representation of the solver kind.
func (k SolverKind) String() string {
	switch k {
	case SolverExhaustive:
		return "exhaustive"
	case SolverCoarseFine:
		return "coarse-fine"
	case SolverNewtonRaphson:
		return "newton-raphson"
	case SolverSPGD:
		return "spgd"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// PlatformKind selects the compute device family.
type PlatformKind uint8

const (
	// PlatformCPU runs the kernel on a host worker pool.
	PlatformCPU PlatformKind = iota

	// PlatformGPU runs the kernel as a wgpu compute shader. It requires the
	// github.com/gogpu/dic/gpu package to be imported and falls back to
	// PlatformCPU when no adapter is available.
	PlatformGPU
)

// String returns a string representation of the platform kind.
func (k PlatformKind) String() string {
	switch k {
	case PlatformCPU:
		return "cpu"
	case PlatformGPU:
		return "gpu"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MemoryKind selects the device memory staging strategy.
type MemoryKind uint8

const (
	// MemoryStatic re-uploads every buffer for every batch.
	MemoryStatic MemoryKind = iota

	// MemoryDynamic re-uploads a buffer only when its source data changed.
	MemoryDynamic

	// MemoryPrefetch uploads every image of the run once up front.
	MemoryPrefetch
)

// String returns a string representation of the memory kind.
func (k MemoryKind) String() string {
	switch k {
	case MemoryStatic:
		return "static"
	case MemoryDynamic:
		return "dynamic"
	case MemoryPrefetch:
		return "prefetch"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Config is the configuration record of a correlation run.
type Config struct {
	Order         DeformationOrder
	Interpolation Interpolation
	Correlation   Correlation
	Solver        SolverKind
	Platform      PlatformKind
	Memory        MemoryKind

	// MemoryLimitMB overrides the device memory ceiling when > 0.
	MemoryLimitMB int

	// CoarseSteps is the maximum number of samples per coefficient of the
	// coarse grid used by coarse-to-fine and by iterative initial guesses.
	CoarseSteps int

	// MaxIterations caps iterative solvers.
	MaxIterations int

	// Precision is the Newton step norm below which a subset is done.
	Precision float64

	// Quality is the ZNCC-equivalent score at which SPGD stops a subset.
	Quality float64

	// MinGradient is the gradient magnitude below which SPGD stops a subset
	// and the score gain below which Newton-Raphson stops.
	MinGradient float64

	// Gain scales SPGD updates.
	Gain float64

	// Perturbation is the SPGD perturbation amplitude as a fraction of each
	// coefficient's step.
	Perturbation float64

	// Seed makes SPGD perturbations reproducible.
	Seed uint64
}

// DefaultConfig returns the default configuration: first order deformation,
// bicubic interpolation, ZNCC, exhaustive search on the CPU with dynamic
// memory staging.
func DefaultConfig() Config {
	return Config{
		Order:         OrderFirst,
		Interpolation: InterpBicubic,
		Correlation:   CorrZNCC,
		Solver:        SolverExhaustive,
		Platform:      PlatformCPU,
		Memory:        MemoryDynamic,
		CoarseSteps:   9,
		MaxIterations: 50,
		Precision:     1e-3,
		Quality:       0.995,
		MinGradient:   1e-6,
		Gain:          8,
		Perturbation:  0.5,
		Seed:          1,
	}
}

// Validate rejects unknown enum values and out-of-range numbers with
// ErrIllegalTaskData.
func (c Config) Validate() error {
	switch {
	case !c.Order.IsValid():
		return fmt.Errorf("%w: deformation order %v", ErrIllegalTaskData, c.Order)
	case c.Interpolation > InterpBicubic:
		return fmt.Errorf("%w: interpolation %v", ErrIllegalTaskData, c.Interpolation)
	case c.Correlation > CorrZNSSD:
		return fmt.Errorf("%w: correlation %v", ErrIllegalTaskData, c.Correlation)
	case c.Platform > PlatformGPU:
		return fmt.Errorf("%w: platform %v", ErrIllegalTaskData, c.Platform)
	case c.Memory > MemoryPrefetch:
		return fmt.Errorf("%w: memory kind %v", ErrIllegalTaskData, c.Memory)
	case c.MemoryLimitMB < 0:
		return fmt.Errorf("%w: negative memory limit %d", ErrIllegalTaskData, c.MemoryLimitMB)
	case c.CoarseSteps < 2:
		return fmt.Errorf("%w: coarse steps %d < 2", ErrIllegalTaskData, c.CoarseSteps)
	case c.MaxIterations < 1:
		return fmt.Errorf("%w: max iterations %d < 1", ErrIllegalTaskData, c.MaxIterations)
	case c.Precision <= 0 || c.Gain <= 0 || c.Perturbation <= 0:
		return fmt.Errorf("%w: precision, gain and perturbation must be positive", ErrIllegalTaskData)
	case c.MinGradient < 0:
		return fmt.Errorf("%w: negative gradient threshold", ErrIllegalTaskData)
	}
	// Solver kinds outside the table fall back to exhaustive search.
	return nil
}

// QualityScore returns the quality threshold expressed in the configured
// correlation formula.
func (c Config) QualityScore() float64 {
	return c.Correlation.Score(c.Quality)
}

// Set assigns a configuration value from its string form, as read from a
// flag or a key/value record. Unknown keys and unparsable values are
// rejected with ErrIllegalTaskData.
func (c *Config) Set(key, value string) error {
	v := strings.ToLower(strings.TrimSpace(value))
	var err error
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "order":
		c.Order, err = parseEnum(v, map[string]DeformationOrder{
			"0": OrderZero, "zero": OrderZero,
			"1": OrderFirst, "first": OrderFirst,
			"2": OrderSecond, "second": OrderSecond,
		})
	case "interpolation":
		c.Interpolation, err = parseEnum(v, map[string]Interpolation{
			"bilinear": InterpBilinear, "bicubic": InterpBicubic,
		})
	case "correlation":
		c.Correlation, err = parseEnum(v, map[string]Correlation{
			"zncc": CorrZNCC, "znssd": CorrZNSSD,
		})
	case "solver":
		c.Solver, err = parseEnum(v, map[string]SolverKind{
			"exhaustive":     SolverExhaustive,
			"brute-force":    SolverExhaustive,
			"coarse-fine":    SolverCoarseFine,
			"newton-raphson": SolverNewtonRaphson,
			"newton":         SolverNewtonRaphson,
			"spgd":           SolverSPGD,
		})
	case "platform":
		c.Platform, err = parseEnum(v, map[string]PlatformKind{
			"cpu": PlatformCPU, "gpu": PlatformGPU,
		})
	case "memory":
		c.Memory, err = parseEnum(v, map[string]MemoryKind{
			"static": MemoryStatic, "dynamic": MemoryDynamic, "prefetch": MemoryPrefetch,
		})
	case "memory-limit-mb":
		c.MemoryLimitMB, err = strconv.Atoi(v)
	case "coarse-steps":
		c.CoarseSteps, err = strconv.Atoi(v)
	case "max-iterations":
		c.MaxIterations, err = strconv.Atoi(v)
	case "precision":
		c.Precision, err = strconv.ParseFloat(v, 64)
	case "quality":
		c.Quality, err = strconv.ParseFloat(v, 64)
	case "min-gradient":
		c.MinGradient, err = strconv.ParseFloat(v, 64)
	case "gain":
		c.Gain, err = strconv.ParseFloat(v, 64)
	case "perturbation":
		c.Perturbation, err = strconv.ParseFloat(v, 64)
	case "seed":
		c.Seed, err = strconv.ParseUint(v, 10, 64)
	default:
		return fmt.Errorf("%w: unknown configuration key %q", ErrIllegalTaskData, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrIllegalTaskData, key, value, err)
	}
	return nil
}

func parseEnum[T any](v string, values map[string]T) (T, error) {
	if e, ok := values[v]; ok {
		return e, nil
	}
	var zero T
	return zero, fmt.Errorf("unrecognized value %q", v)
}

// Option configures a Config.
// Use functional options to customize a run.
//
// Example:
//
//	s, err := solver.New(dic.DefaultConfig(),
//	    dic.WithSolver(dic.SolverNewtonRaphson),
//	    dic.WithPlatform(dic.PlatformGPU))
type Option func(*Config)

// Apply returns a copy of c with opts applied in order.
func (c Config) Apply(opts ...Option) Config {
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	return c
}

// WithOrder sets the deformation order.
func WithOrder(o DeformationOrder) Option {
	return func(c *Config) { c.Order = o }
}

// WithInterpolation sets the interpolation mode.
func WithInterpolation(m Interpolation) Option {
	return func(c *Config) { c.Interpolation = m }
}

// WithCorrelation sets the correlation formula.
func WithCorrelation(k Correlation) Option {
	return func(c *Config) { c.Correlation = k }
}

// WithSolver sets the solver kind.
func WithSolver(k SolverKind) Option {
	return func(c *Config) { c.Solver = k }
}

// WithPlatform sets the platform kind.
func WithPlatform(k PlatformKind) Option {
	return func(c *Config) { c.Platform = k }
}

// WithMemory sets the memory staging strategy.
func WithMemory(k MemoryKind) Option {
	return func(c *Config) { c.Memory = k }
}

// WithMemoryLimitMB overrides the device memory ceiling.
func WithMemoryLimitMB(mb int) Option {
	return func(c *Config) { c.MemoryLimitMB = mb }
}

// WithMaxIterations caps iterative solvers.
func WithMaxIterations(n int) Option {
	return func(c *Config) { c.MaxIterations = n }
}

// WithSeed sets the SPGD random seed.
func WithSeed(seed uint64) Option {
	return func(c *Config) { c.Seed = seed }
}
