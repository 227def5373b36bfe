// Package split divides a correlation task into batches that fit device
// memory.
package split

import "fmt"

// Budget coefficients. A fresh budget allows InitialCoefficient /
// CeilingCoefficient of the device limits.
const (
	InitialCoefficient = 5
	CeilingCoefficient = 6
)

// MemoryBudget is the fraction of device memory a splitter may plan for.
// The caller owns it: after an allocation failure it calls Shrink and
// restarts with a new splitter.
type MemoryBudget struct {
	coefficient int
	initial     int
	ceiling     int
}

// NewMemoryBudget returns a budget at its initial coefficient.
func NewMemoryBudget() MemoryBudget {
	return MemoryBudget{
		coefficient: InitialCoefficient,
		initial:     InitialCoefficient,
		ceiling:     CeilingCoefficient,
	}
}

// Shrink lowers the budget by one step.
func (b *MemoryBudget) Shrink() {
	if b.coefficient > 0 {
		b.coefficient--
	}
}

// Reset restores the initial coefficient.
func (b *MemoryBudget) Reset() {
	b.coefficient = b.initial
}

// Ready reports whether any memory is left to plan with.
func (b MemoryBudget) Ready() bool {
	return b.coefficient >= 1
}

// Fraction returns the usable fraction of device memory.
func (b MemoryBudget) Fraction() float64 {
	if b.ceiling == 0 {
		return 0
	}
	return float64(b.coefficient) / float64(b.ceiling)
}

// String returns the budget as a fraction.
func (b MemoryBudget) String() string {
	return fmt.Sprintf("Budget[%d/%d]", b.coefficient, b.ceiling)
}
