package pauli

import (
	"fmt"
	"iter"
	"math/cmplx"
	"slices"
	"strings"
)

// Operator is a weighted sum of Pauli terms keyed by label. Iteration is in
// lexicographic label order, which fixes partition membership in Split.
//
// An Operator is built once and then shared read-only; Add is not safe for
// concurrent use.
type Operator struct {
	nQubits int
	terms   map[string]Term
	labels  []string
}

// NewOperator returns an empty operator on n qubits.
func NewOperator(n int) *Operator {
	return &Operator{nQubits: n, terms: make(map[string]Term)}
}

// NewOperatorFromTerms builds an operator from terms, merging duplicate labels.
func NewOperatorFromTerms(n int, terms ...Term) (*Operator, error) {
	op := NewOperator(n)
	for _, t := range terms {
		if err := op.Add(t); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// Add inserts t, summing coefficients when the label already exists.
func (o *Operator) Add(t Term) error {
	if t.NumQubits() != o.nQubits {
		return fmt.Errorf("%w: term %q on %d qubits, operator has %d",
			ErrWidthMismatch, t.Label(), t.NumQubits(), o.nQubits)
	}
	if prev, ok := o.terms[t.ops]; ok {
		o.terms[t.ops] = prev.WithCoeff(prev.coeff + t.coeff)
		return nil
	}
	o.terms[t.ops] = t
	i, _ := slices.BinarySearch(o.labels, t.ops)
	o.labels = slices.Insert(o.labels, i, t.ops)
	return nil
}

// NumQubits returns the qubit width of every term.
func (o *Operator) NumQubits() int { return o.nQubits }

// Len returns the number of terms.
func (o *Operator) Len() int { return len(o.labels) }

// Term looks up a term by label.
func (o *Operator) Term(label string) (Term, bool) {
	t, ok := o.terms[label]
	return t, ok
}

// Labels returns a copy of the term labels in iteration order.
func (o *Operator) Labels() []string {
	return slices.Clone(o.labels)
}

// All iterates terms in label order.
func (o *Operator) All() iter.Seq2[string, Term] {
	return func(yield func(string, Term) bool) {
		for _, l := range o.labels {
			if !yield(l, o.terms[l]) {
				return
			}
		}
	}
}

// Prune returns a copy without terms whose coefficient magnitude is at most tol.
func (o *Operator) Prune(tol float64) *Operator {
	out := NewOperator(o.nQubits)
	for _, l := range o.labels {
		t := o.terms[l]
		if cmplx.Abs(t.coeff) <= tol {
			continue
		}
		out.terms[l] = t
		out.labels = append(out.labels, l)
	}
	return out
}

// String renders the operator as "(re,im) X0 Z1 + (re,im) Z2 + ...".
func (o *Operator) String() string {
	parts := make([]string, 0, len(o.labels))
	for _, l := range o.labels {
		parts = append(parts, o.terms[l].String())
	}
	return strings.Join(parts, " + ")
}
