// Package ansatz builds parameterized state-preparation circuits.
//
// A Template fixes the gate layout once; Bind produces a fresh circuit for
// every parameter vector so concurrent evaluations never share gates.
package ansatz

import (
	"errors"
	"fmt"
	"sort"

	"github.com/perclft/hpcvqe/backend/backends"
)

var (
	// ErrUnknownKind is returned for unregistered ansatz names.
	ErrUnknownKind = errors.New("ansatz: unknown kind")

	// ErrParameterCount is returned by Bind for a wrong-length parameter vector.
	ErrParameterCount = errors.New("ansatz: wrong number of parameters")
)

// Options size an ansatz.
type Options struct {
	NumQubits    int
	NumParticles int // qubits 0..NumParticles-1 start occupied
	Layers       int // rotation/entangler repetitions, "hea" only
}

// step is one gate of a template. Param >= 0 indexes the parameter vector.
type step struct {
	gate   string
	qubits []int
	param  int
}

// Template is an unbound circuit.
type Template struct {
	kind      string
	numQubits int
	numVars   int
	steps     []step
}

type builder struct {
	description string
	build       func(opts Options) ([]step, int, error)
}

// Ansatz catalog
var catalog = map[string]builder{
	"hea": {
		description: "Hartree-Fock reference, then layers of RY rotations on every qubit followed by a CNOT ladder",
		build:       hardwareEfficient,
	},
	"ry": {
		description: "Hartree-Fock reference, then one RY rotation per qubit",
		build:       ryLayer,
	},
}

// Kinds lists the registered ansatz names.
func Kinds() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Describe returns a one-line description of kind.
func Describe(kind string) (string, bool) {
	b, ok := catalog[kind]
	return b.description, ok
}

// Build returns the template for kind.
func Build(kind string, opts Options) (*Template, error) {
	b, ok := catalog[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if opts.NumQubits < 1 {
		return nil, fmt.Errorf("ansatz %s: need at least one qubit, got %d", kind, opts.NumQubits)
	}
	if opts.NumParticles < 0 || opts.NumParticles > opts.NumQubits {
		return nil, fmt.Errorf("ansatz %s: %d particles do not fit in %d qubits", kind, opts.NumParticles, opts.NumQubits)
	}
	steps, nVars, err := b.build(opts)
	if err != nil {
		return nil, fmt.Errorf("ansatz %s: %w", kind, err)
	}
	return &Template{kind: kind, numQubits: opts.NumQubits, numVars: nVars, steps: steps}, nil
}

func hartreeFock(opts Options) []step {
	steps := make([]step, 0, opts.NumParticles)
	for q := range opts.NumParticles {
		steps = append(steps, step{gate: "X", qubits: []int{q}, param: -1})
	}
	return steps
}

func rotations(steps []step, n, offset int) []step {
	for q := range n {
		steps = append(steps, step{gate: "RY", qubits: []int{q}, param: offset + q})
	}
	return steps
}

func hardwareEfficient(opts Options) ([]step, int, error) {
	if opts.Layers < 1 {
		return nil, 0, fmt.Errorf("need at least one layer, got %d", opts.Layers)
	}
	n := opts.NumQubits
	steps := hartreeFock(opts)
	for layer := range opts.Layers {
		steps = rotations(steps, n, layer*n)
		for q := 0; q+1 < n; q++ {
			steps = append(steps, step{gate: "CNOT", qubits: []int{q, q + 1}, param: -1})
		}
	}
	return steps, n * opts.Layers, nil
}

func ryLayer(opts Options) ([]step, int, error) {
	return rotations(hartreeFock(opts), opts.NumQubits, 0), opts.NumQubits, nil
}

// Kind returns the ansatz name.
func (t *Template) Kind() string { return t.kind }

// NumQubits returns the register width.
func (t *Template) NumQubits() int { return t.numQubits }

// NumVariables returns the required parameter vector length.
func (t *Template) NumVariables() int { return t.numVars }

// Bind returns a new circuit with params substituted.
func (t *Template) Bind(params []float64) (*backends.Circuit, error) {
	if len(params) != t.numVars {
		return nil, fmt.Errorf("%w: %s wants %d, got %d", ErrParameterCount, t.kind, t.numVars, len(params))
	}
	gates := make([]backends.GateOp, len(t.steps))
	for i, s := range t.steps {
		g := backends.GateOp{Name: s.gate, Qubits: append([]int(nil), s.qubits...)}
		if s.param >= 0 {
			g.Params = []float64{params[s.param]}
		}
		gates[i] = g
	}
	return &backends.Circuit{
		NumQubits: t.numQubits,
		Gates:     gates,
		Metadata:  map[string]any{"ansatz": t.kind},
	}, nil
}
