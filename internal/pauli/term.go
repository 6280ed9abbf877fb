// Package pauli holds the weighted Pauli-string representation of a qubit
// Hamiltonian and the partitioner that splits it into bounded sub-operators.
package pauli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidSymbol is returned when a basis string contains a symbol other than I, X, Y or Z.
	ErrInvalidSymbol = errors.New("pauli: invalid basis symbol")

	// ErrWidthMismatch is returned when terms of different qubit counts are combined.
	ErrWidthMismatch = errors.New("pauli: qubit width mismatch")
)

// Term is a single measurement basis string with a complex coefficient.
// Position q of the basis string acts on qubit q. Terms are values and are
// never mutated after construction.
type Term struct {
	ops   string
	coeff complex128
}

// NewTerm validates ops and returns the term.
func NewTerm(ops string, coeff complex128) (Term, error) {
	for i := 0; i < len(ops); i++ {
		switch ops[i] {
		case 'I', 'X', 'Y', 'Z':
		default:
			return Term{}, fmt.Errorf("%w: %q at qubit %d", ErrInvalidSymbol, ops[i], i)
		}
	}
	return Term{ops: ops, coeff: coeff}, nil
}

// Identity returns the all-identity term on n qubits.
func Identity(n int, coeff complex128) Term {
	return Term{ops: strings.Repeat("I", n), coeff: coeff}
}

// Label is the basis string; it is the term's key inside an Operator.
func (t Term) Label() string { return t.ops }

// Coeff returns the term coefficient.
func (t Term) Coeff() complex128 { return t.coeff }

// NumQubits returns the basis string length.
func (t Term) NumQubits() int { return len(t.ops) }

// Op returns the symbol acting on qubit q.
func (t Term) Op(q int) byte { return t.ops[q] }

// IsIdentity reports whether every symbol is I.
func (t Term) IsIdentity() bool {
	return strings.Trim(t.ops, "I") == ""
}

// WithCoeff returns a copy of t with a different coefficient.
func (t Term) WithCoeff(c complex128) Term {
	return Term{ops: t.ops, coeff: c}
}

// Compact renders the non-identity symbols as "X0 Z3". The identity renders as "I".
func (t Term) Compact() string {
	var b strings.Builder
	for q := 0; q < len(t.ops); q++ {
		if t.ops[q] == 'I' {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte(t.ops[q])
		b.WriteString(strconv.Itoa(q))
	}
	if b.Len() == 0 {
		return "I"
	}
	return b.String()
}

func (t Term) String() string {
	return fmt.Sprintf("(%g,%g) %s", real(t.coeff), imag(t.coeff), t.Compact())
}

// Mul returns the operator product t*o, tracking the phase of each
// single-qubit product.
func (t Term) Mul(o Term) (Term, error) {
	if len(t.ops) != len(o.ops) {
		return Term{}, fmt.Errorf("%w: %d vs %d", ErrWidthMismatch, len(t.ops), len(o.ops))
	}
	out := make([]byte, len(t.ops))
	phase := complex(1, 0)
	for q := range out {
		sym, p := mulSymbol(t.ops[q], o.ops[q])
		out[q] = sym
		phase *= p
	}
	return Term{ops: string(out), coeff: t.coeff * o.coeff * phase}, nil
}

// mulSymbol multiplies two single-qubit Paulis: XY = iZ, YZ = iX, ZX = iY and
// the reversed orders pick up -i.
func mulSymbol(a, b byte) (byte, complex128) {
	switch {
	case a == 'I':
		return b, 1
	case b == 'I':
		return a, 1
	case a == b:
		return 'I', 1
	}
	switch string([]byte{a, b}) {
	case "XY":
		return 'Z', 1i
	case "YX":
		return 'Z', -1i
	case "YZ":
		return 'X', 1i
	case "ZY":
		return 'X', -1i
	case "ZX":
		return 'Y', 1i
	default: // "XZ"
		return 'Y', -1i
	}
}
