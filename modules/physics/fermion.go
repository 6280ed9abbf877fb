package physics

import (
	"fmt"
	"strings"
)

// Ladder is a creation (Dagger) or annihilation operator on one spin orbital.
type Ladder struct {
	Mode   int
	Dagger bool
}

func (l Ladder) String() string {
	if l.Dagger {
		return fmt.Sprintf("%d^", l.Mode)
	}
	return fmt.Sprintf("%d", l.Mode)
}

// FermionTerm is a coefficient times an ordered product of ladder
// operators. An empty product is a constant.
type FermionTerm struct {
	Ops   []Ladder
	Coeff complex128
}

// FermionOperator is a sum of ladder-operator products over a fixed number
// of spin orbitals. Terms keep insertion order and are not normal-ordered.
type FermionOperator struct {
	nModes int
	terms  []FermionTerm
}

// NewFermionOperator returns an empty operator on n spin orbitals.
func NewFermionOperator(n int) *FermionOperator {
	return &FermionOperator{nModes: n}
}

// Add appends coeff * ops[0] ops[1] ... ops[k-1].
func (f *FermionOperator) Add(coeff complex128, ops ...Ladder) error {
	for _, l := range ops {
		if l.Mode < 0 || l.Mode >= f.nModes {
			return fmt.Errorf("mode %d out of range [0,%d)", l.Mode, f.nModes)
		}
	}
	f.terms = append(f.terms, FermionTerm{Ops: append([]Ladder(nil), ops...), Coeff: coeff})
	return nil
}

// NumModes returns the number of spin orbitals.
func (f *FermionOperator) NumModes() int { return f.nModes }

// NumQubits equals NumModes under occupation-number encodings.
func (f *FermionOperator) NumQubits() int { return f.nModes }

// Len returns the number of stored products.
func (f *FermionOperator) Len() int { return len(f.terms) }

// Terms returns the stored products in insertion order.
func (f *FermionOperator) Terms() []FermionTerm {
	return append([]FermionTerm(nil), f.terms...)
}

// String renders the operator as "(re,im) 0^ 1 + (re,im) 2^ 2 + ...".
func (f *FermionOperator) String() string {
	parts := make([]string, len(f.terms))
	for i, t := range f.terms {
		ops := make([]string, len(t.Ops))
		for j, l := range t.Ops {
			ops[j] = l.String()
		}
		parts[i] = strings.TrimSpace(fmt.Sprintf("(%g,%g) %s", real(t.Coeff), imag(t.Coeff), strings.Join(ops, " ")))
	}
	return strings.Join(parts, " + ")
}

// Create and Annihilate are shorthands for building products.
func Create(mode int) Ladder     { return Ladder{Mode: mode, Dagger: true} }
func Annihilate(mode int) Ladder { return Ladder{Mode: mode} }
