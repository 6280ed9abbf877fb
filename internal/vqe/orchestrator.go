// Package vqe turns a partitioned Hamiltonian and an ansatz into a scalar
// objective and drives a classical optimizer over it.
//
// Every rank runs the same objective on the same parameters in the same
// order. The orchestrator itself never communicates; cross-rank work is the
// evaluator's business.
package vqe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/perclft/hpcvqe/backend/backends"
	"github.com/perclft/hpcvqe/internal/pauli"
)

// Evaluator computes the expectation value of obs on the state prepared by
// circuit and reports whether the caller leads its worker group.
type Evaluator interface {
	Evaluate(ctx context.Context, circuit *backends.Circuit, obs *pauli.Operator) (energy float64, leader bool, err error)
}

// EvaluatorFactory acquires a freshly configured evaluator.
type EvaluatorFactory func() (Evaluator, error)

// Template binds a parameter vector into a circuit.
type Template interface {
	NumVariables() int
	Bind(params []float64) (*backends.Circuit, error)
}

// Config wires an Orchestrator.
type Config struct {
	Ansatz       Template
	SubOperators []*pauli.Operator
	Acquire      EvaluatorFactory
	// IsRoot marks the rank allowed to write progress.
	IsRoot bool
	// Progress receives "Processed <n> / <total>" lines. Nil discards them.
	Progress io.Writer
	Logger   zerolog.Logger
}

// Orchestrator evaluates the total energy of a parameter vector as the sum
// of the sub-operator energies.
type Orchestrator struct {
	ansatz     Template
	subOps     []*pauli.Operator
	totalTerms int
	acquire    EvaluatorFactory
	isRoot     bool
	progress   io.Writer
	log        zerolog.Logger
	calls      int
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Ansatz == nil {
		return nil, errors.New("vqe: ansatz template required")
	}
	if cfg.Acquire == nil {
		return nil, errors.New("vqe: evaluator factory required")
	}
	total := 0
	for _, op := range cfg.SubOperators {
		total += op.Len()
	}
	progress := cfg.Progress
	if progress == nil {
		progress = io.Discard
	}
	return &Orchestrator{
		ansatz:     cfg.Ansatz,
		subOps:     cfg.SubOperators,
		totalTerms: total,
		acquire:    cfg.Acquire,
		isRoot:     cfg.IsRoot,
		progress:   progress,
		log:        cfg.Logger,
	}, nil
}

// NumVariables is the parameter vector length Objective expects.
func (o *Orchestrator) NumVariables() int { return o.ansatz.NumVariables() }

// TotalTerms is the number of terms across all sub-operators.
func (o *Orchestrator) TotalTerms() int { return o.totalTerms }

// Objective returns the energy at params and an empty gradient. It panics
// when len(params) differs from the ansatz variable count.
func (o *Orchestrator) Objective(ctx context.Context, params []float64) (float64, []float64, error) {
	if len(params) != o.ansatz.NumVariables() {
		panic(fmt.Sprintf("vqe: objective called with %d parameters, ansatz has %d", len(params), o.ansatz.NumVariables()))
	}
	o.calls++
	start := time.Now()

	circuit, err := o.ansatz.Bind(params)
	if err != nil {
		return 0, nil, fmt.Errorf("bind ansatz: %w", err)
	}

	partials := make([]float64, 0, len(o.subOps))
	processed := 0
	for i, op := range o.subOps {
		eval, err := o.acquire()
		if err != nil {
			return 0, nil, fmt.Errorf("acquire evaluator for sub-operator %d: %w", i, err)
		}
		energy, leader, err := eval.Evaluate(ctx, circuit, op)
		if err != nil {
			return 0, nil, fmt.Errorf("evaluate sub-operator %d: %w", i, err)
		}
		partials = append(partials, energy)
		processed += op.Len()

		if o.isRoot && leader {
			if _, err := fmt.Fprintf(o.progress, "Processed %d / %d\n", processed, o.totalTerms); err != nil {
				return 0, nil, fmt.Errorf("write progress: %w", err)
			}
		}
	}

	total := floats.Sum(partials)
	o.log.Debug().
		Int("call", o.calls).
		Int("sub_operators", len(o.subOps)).
		Float64("energy", total).
		Dur("duration", time.Since(start)).
		Msg("Objective evaluated")
	return total, []float64{}, nil
}
