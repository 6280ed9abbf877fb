package physics

import (
	"errors"
	"fmt"
	"strings"

	"github.com/perclft/hpcvqe/internal/pauli"
)

// ErrUnsupportedObservable is returned when a transform cannot consume its input.
var ErrUnsupportedObservable = errors.New("unsupported observable")

// pruneTol drops terms that cancel during the transform.
const pruneTol = 1e-12

// Transform maps obs to a qubit observable. The only kind is "jw"
// (Jordan-Wigner), which takes a *FermionOperator and returns a
// *pauli.Operator on one qubit per spin orbital.
func Transform(kind string, obs Observable) (Observable, error) {
	if kind != "jw" {
		return nil, fmt.Errorf("%w: transform %q", ErrUnknownKind, kind)
	}
	f, ok := obs.(*FermionOperator)
	if !ok {
		return nil, fmt.Errorf("%w: jw needs a fermion operator, got %T", ErrUnsupportedObservable, obs)
	}
	return JordanWigner(f)
}

// JordanWigner maps a_j = Z_0..Z_{j-1} (X_j + iY_j)/2 and
// a_j^ = Z_0..Z_{j-1} (X_j - iY_j)/2, expands every product and merges
// identical strings.
func JordanWigner(f *FermionOperator) (*pauli.Operator, error) {
	n := f.NumModes()
	out := pauli.NewOperator(n)

	for _, t := range f.terms {
		product := []pauli.Term{pauli.Identity(n, t.Coeff)}
		for _, l := range t.Ops {
			ladder, err := jwLadder(n, l)
			if err != nil {
				return nil, err
			}
			next := make([]pauli.Term, 0, 2*len(product))
			for _, a := range product {
				for _, b := range ladder {
					ab, err := a.Mul(b)
					if err != nil {
						return nil, err
					}
					next = append(next, ab)
				}
			}
			product = next
		}
		for _, p := range product {
			if err := out.Add(p); err != nil {
				return nil, err
			}
		}
	}
	return out.Prune(pruneTol), nil
}

func jwLadder(n int, l Ladder) ([2]pauli.Term, error) {
	var out [2]pauli.Term
	ops := []byte(strings.Repeat("I", n))
	for k := 0; k < l.Mode; k++ {
		ops[k] = 'Z'
	}

	yCoeff := complex(0, 0.5)
	if l.Dagger {
		yCoeff = complex(0, -0.5)
	}
	for i, sym := range []byte{'X', 'Y'} {
		ops[l.Mode] = sym
		coeff := complex(0.5, 0)
		if sym == 'Y' {
			coeff = yCoeff
		}
		t, err := pauli.NewTerm(string(ops), coeff)
		if err != nil {
			return out, err
		}
		out[i] = t
	}
	return out, nil
}
