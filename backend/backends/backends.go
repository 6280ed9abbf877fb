// Accelerator Abstraction Layer
// Simulation backends that evaluate a bound circuit against a Pauli observable

package backends

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/perclft/hpcvqe/internal/pauli"
)

var (
	// ErrUnknownKind is returned when no accelerator is registered under a name.
	ErrUnknownKind = errors.New("backends: unknown accelerator kind")

	// ErrInvalidCircuit is returned for gates that reference missing qubits or parameters.
	ErrInvalidCircuit = errors.New("backends: invalid circuit")
)

// ------------------------------------------------------------------
// Accelerator Interface
// ------------------------------------------------------------------

// Accelerator evaluates the expectation value of an observable on the state
// prepared by a circuit. Implementations must be deterministic for a fixed
// configuration so every rank of a group computes the same value.
type Accelerator interface {
	Name() string
	MaxQubits() int
	Execute(ctx context.Context, circuit *Circuit, obs *pauli.Operator) (float64, error)
}

// Options configures a simulation backend.
type Options struct {
	SimType   string // "statevector" or "shots"
	Shots     int    // samples per term in shots mode
	Seed      int64  // sampling seed, identical on every rank
	MaxQubits int    // 0 selects the backend default
}

type Circuit struct {
	NumQubits int            `json:"num_qubits"`
	Gates     []GateOp       `json:"gates"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type GateOp struct {
	Name   string    `json:"name"`
	Qubits []int     `json:"qubits"`
	Params []float64 `json:"params,omitempty"`
}

var gateArity = map[string][2]int{ // name -> {qubits, params}
	"I": {1, 0}, "H": {1, 0}, "X": {1, 0}, "Y": {1, 0}, "Z": {1, 0},
	"S": {1, 0}, "Sdg": {1, 0},
	"RX": {1, 1}, "RY": {1, 1}, "RZ": {1, 1},
	"CNOT": {2, 0}, "CZ": {2, 0}, "SWAP": {2, 0},
}

// Validate checks every gate against the supported gate set and qubit range.
func (c *Circuit) Validate() error {
	for i, g := range c.Gates {
		arity, ok := gateArity[g.Name]
		if !ok {
			return fmt.Errorf("%w: gate %d: unsupported gate %q", ErrInvalidCircuit, i, g.Name)
		}
		if len(g.Qubits) != arity[0] || len(g.Params) != arity[1] {
			return fmt.Errorf("%w: gate %d (%s): want %d qubits/%d params, got %d/%d",
				ErrInvalidCircuit, i, g.Name, arity[0], arity[1], len(g.Qubits), len(g.Params))
		}
		for _, q := range g.Qubits {
			if q < 0 || q >= c.NumQubits {
				return fmt.Errorf("%w: gate %d (%s): qubit %d out of range [0,%d)",
					ErrInvalidCircuit, i, g.Name, q, c.NumQubits)
			}
		}
		if arity[0] == 2 && g.Qubits[0] == g.Qubits[1] {
			return fmt.Errorf("%w: gate %d (%s): repeated qubit %d", ErrInvalidCircuit, i, g.Name, g.Qubits[0])
		}
	}
	return nil
}

// QASM renders the circuit as OpenQASM 3.0.
func (c *Circuit) QASM() string {
	var b strings.Builder
	fmt.Fprintf(&b, "OPENQASM 3.0;\ninclude \"stdgates.inc\";\nqubit[%d] q;\n\n", c.NumQubits)

	for _, gate := range c.Gates {
		b.WriteString(gateNameToQASM(gate.Name))
		if len(gate.Params) > 0 {
			b.WriteByte('(')
			for i, p := range gate.Params {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "%f", p)
			}
			b.WriteByte(')')
		}
		b.WriteByte(' ')
		for i, q := range gate.Qubits {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "q[%d]", q)
		}
		b.WriteString(";\n")
	}
	return b.String()
}

func gateNameToQASM(name string) string {
	mapping := map[string]string{
		"I": "id", "H": "h", "X": "x", "Y": "y", "Z": "z",
		"CNOT": "cx", "CZ": "cz", "SWAP": "swap",
		"RX": "rx", "RY": "ry", "RZ": "rz",
		"S": "s", "Sdg": "sdg",
	}
	if mapped, ok := mapping[name]; ok {
		return mapped
	}
	return name
}

// ------------------------------------------------------------------
// Accelerator Registry
// ------------------------------------------------------------------

// Factory constructs an accelerator from options.
type Factory func(opts Options) (Accelerator, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a fresh accelerator of the named kind.
func (r *Registry) New(name string, opts Options) (Accelerator, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return f(opts)
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

func init() {
	defaultRegistry.Register("statevector", simulatorFactory)
	defaultRegistry.Register("aer", simulatorFactory)
}

func simulatorFactory(opts Options) (Accelerator, error) {
	sim, err := NewSimulator(opts)
	if err != nil {
		return nil, err
	}
	return sim, nil
}

// New builds an accelerator from the default registry.
func New(name string, opts Options) (Accelerator, error) {
	return defaultRegistry.New(name, opts)
}

// Register adds a factory to the default registry.
func Register(name string, f Factory) {
	defaultRegistry.Register(name, f)
}
