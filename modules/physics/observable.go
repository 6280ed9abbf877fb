package physics

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownKind is returned for unregistered builder or transform names.
	ErrUnknownKind = errors.New("unknown kind")

	// ErrUnsupportedBasis is returned when the basis set is not available.
	ErrUnsupportedBasis = errors.New("unsupported basis set")
)

// BasisSTO3G is the only supported basis: one spatial orbital per atom.
const BasisSTO3G = "sto-3g"

// Observable is anything that can be measured on a register of qubits.
type Observable interface {
	NumQubits() int
	String() string
}

// BuildOptions configure BuildObservable.
type BuildOptions struct {
	Basis    string
	Geometry string
	// OnsiteU is the on-site repulsion between opposite spins.
	OnsiteU float64
	// HoppingCutoff bounds the distance, in Angstroms, between atoms whose
	// orbitals are coupled.
	HoppingCutoff float64
}

// DefaultBuildOptions returns the model parameters used by the CLI.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		Basis:         BasisSTO3G,
		OnsiteU:       2.0,
		HoppingCutoff: 4.0,
	}
}

// BuildObservable constructs the fermionic observable of the molecule
// described by opts. The only kind is "hubbard", a tight-binding model with
// on-site repulsion over two spin orbitals per atom (mode 2*i+s for atom i,
// spin s).
func BuildObservable(kind string, opts BuildOptions) (Observable, error) {
	if kind != "hubbard" {
		return nil, fmt.Errorf("%w: observable %q", ErrUnknownKind, kind)
	}
	if opts.Basis != BasisSTO3G {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBasis, opts.Basis)
	}
	atoms, err := ParseGeometry(opts.Geometry)
	if err != nil {
		return nil, err
	}
	return hubbard(atoms, opts)
}

func hubbard(atoms []Atom, opts BuildOptions) (*FermionOperator, error) {
	op := NewFermionOperator(2 * len(atoms))
	charges := make([]float64, len(atoms))
	for i, a := range atoms {
		z, err := a.AtomicNumber()
		if err != nil {
			return nil, err
		}
		charges[i] = float64(z)
	}

	nuclear := 0.0
	for i := range atoms {
		for j := i + 1; j < len(atoms); j++ {
			r := atoms[i].Distance(atoms[j])
			if r < 1e-8 {
				return nil, fmt.Errorf("%w: atoms %d and %d coincide", ErrInvalidGeometry, i, j)
			}
			nuclear += charges[i] * charges[j] / (r * angstromToBohr)
		}
	}
	if err := op.Add(complex(nuclear, 0)); err != nil {
		return nil, err
	}

	for i := range atoms {
		eps := complex(-charges[i]/2, 0)
		for s := range 2 {
			p := 2*i + s
			if err := op.Add(eps, Create(p), Annihilate(p)); err != nil {
				return nil, err
			}
		}
	}

	for i := range atoms {
		for j := i + 1; j < len(atoms); j++ {
			r := atoms[i].Distance(atoms[j])
			if r > opts.HoppingCutoff {
				continue
			}
			t := complex(-math.Exp(-r), 0)
			for s := range 2 {
				p, q := 2*i+s, 2*j+s
				if err := op.Add(t, Create(p), Annihilate(q)); err != nil {
					return nil, err
				}
				if err := op.Add(t, Create(q), Annihilate(p)); err != nil {
					return nil, err
				}
			}
		}
	}

	if opts.OnsiteU != 0 {
		u := complex(opts.OnsiteU, 0)
		for i := range atoms {
			up, down := 2*i, 2*i+1
			if err := op.Add(u, Create(up), Annihilate(up), Create(down), Annihilate(down)); err != nil {
				return nil, err
			}
		}
	}
	return op, nil
}
