// Package physics builds molecular observables for VQE: a molecule library,
// an xyz geometry parser, a fermionic model Hamiltonian and the qubit
// transforms that turn it into weighted Pauli strings.
package physics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ------------------------------------------------------------------
// Molecule Library - Predefined configurations
// ------------------------------------------------------------------

var moleculeLibrary = map[string]*MoleculePreset{
	"H2_equilibrium": {
		ID:      "H2_equilibrium",
		Name:    "Hydrogen Molecule (equilibrium)",
		Formula: "H2",
		Config: &MoleculeConfig{
			Name: "H2",
			Atoms: []Atom{
				{Element: "H", X: 0.0, Y: 0.0, Z: 0.0},
				{Element: "H", X: 0.0, Y: 0.0, Z: 0.735}, // Bond length in Angstroms
			},
			Charge:       0,
			Multiplicity: 1,
			BasisSet:     BasisSTO3G,
		},
		Description: "Hydrogen molecule at equilibrium bond length (0.735 Å)",
	},
	"H2_stretched": {
		ID:      "H2_stretched",
		Name:    "Hydrogen Molecule (stretched)",
		Formula: "H2",
		Config: &MoleculeConfig{
			Name: "H2",
			Atoms: []Atom{
				{Element: "H", X: 0.0, Y: 0.0, Z: 0.0},
				{Element: "H", X: 0.0, Y: 0.0, Z: 1.5},
			},
			Charge:       0,
			Multiplicity: 1,
			BasisSet:     BasisSTO3G,
		},
		Description: "Hydrogen molecule at stretched bond (1.5 Å)",
	},
	"HeH+": {
		ID:      "HeH+",
		Name:    "Helium Hydride Cation",
		Formula: "HeH+",
		Config: &MoleculeConfig{
			Name: "HeH+",
			Atoms: []Atom{
				{Element: "He", X: 0.0, Y: 0.0, Z: 0.0},
				{Element: "H", X: 0.0, Y: 0.0, Z: 0.772},
			},
			Charge:       1,
			Multiplicity: 1,
			BasisSet:     BasisSTO3G,
		},
		Description: "Helium hydride cation, the simplest heteronuclear molecule",
	},
	"LiH": {
		ID:      "LiH",
		Name:    "Lithium Hydride",
		Formula: "LiH",
		Config: &MoleculeConfig{
			Name: "LiH",
			Atoms: []Atom{
				{Element: "Li", X: 0.0, Y: 0.0, Z: 0.0},
				{Element: "H", X: 0.0, Y: 0.0, Z: 1.595},
			},
			Charge:       0,
			Multiplicity: 1,
			BasisSet:     BasisSTO3G,
		},
		Description: "Lithium hydride",
	},
}

// ChainSpacing is the H-H distance of generated hydrogen chains, in Angstroms.
const ChainSpacing = 0.74

// MoleculeConfig is a molecule geometry plus the electronic-structure
// settings needed to build its observable.
type MoleculeConfig struct {
	Name         string `json:"name"`
	Atoms        []Atom `json:"atoms"`
	Charge       int    `json:"charge"`
	Multiplicity int    `json:"multiplicity"`
	BasisSet     string `json:"basis_set"`
}

// Atom is one nucleus. Coordinates are in Angstroms.
type Atom struct {
	Element string  `json:"element"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
}

// MoleculePreset is a named entry of the molecule library.
type MoleculePreset struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Formula     string          `json:"formula"`
	Config      *MoleculeConfig `json:"config"`
	Description string          `json:"description"`
}

// Preset looks up a library molecule by ID. IDs of the form "H<n>" (n >= 1)
// name a linear hydrogen chain.
func Preset(id string) (*MoleculePreset, error) {
	if p, ok := moleculeLibrary[id]; ok {
		return p, nil
	}
	if rest, ok := strings.CutPrefix(id, "H"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 1 {
			return &MoleculePreset{
				ID:          id,
				Name:        fmt.Sprintf("Linear hydrogen chain (%d atoms)", n),
				Formula:     id,
				Config:      HydrogenChain(n, ChainSpacing),
				Description: fmt.Sprintf("%d hydrogen atoms spaced %.2f Å along z", n, ChainSpacing),
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: molecule %q", ErrUnknownKind, id)
}

// Presets returns the library in ID order.
func Presets() []*MoleculePreset {
	out := make([]*MoleculePreset, 0, len(moleculeLibrary))
	for _, p := range moleculeLibrary {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HydrogenChain returns n hydrogen atoms on the z axis, spacing Angstroms apart.
func HydrogenChain(n int, spacing float64) *MoleculeConfig {
	atoms := make([]Atom, n)
	for i := range atoms {
		atoms[i] = Atom{Element: "H", Z: float64(i) * spacing}
	}
	return &MoleculeConfig{
		Name:         fmt.Sprintf("H%d", n),
		Atoms:        atoms,
		Multiplicity: 1 + n%2,
		BasisSet:     BasisSTO3G,
	}
}

// Geometry renders the atoms in the "El x y z; El x y z" form accepted by
// ParseGeometry.
func (m *MoleculeConfig) Geometry() string {
	entries := make([]string, len(m.Atoms))
	for i, a := range m.Atoms {
		entries[i] = a.String()
	}
	return strings.Join(entries, "; ")
}

// NumElectrons is the nuclear charge total minus the molecular charge.
func (m *MoleculeConfig) NumElectrons() (int, error) {
	n := -m.Charge
	for _, a := range m.Atoms {
		z, err := a.AtomicNumber()
		if err != nil {
			return 0, err
		}
		n += z
	}
	if n < 0 {
		return 0, fmt.Errorf("molecule %s: charge %d exceeds nuclear charge", m.Name, m.Charge)
	}
	return n, nil
}

func (a Atom) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return a.Element + " " + f(a.X) + " " + f(a.Y) + " " + f(a.Z)
}
