package vqe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/optimize"
)

// ErrUnknownOptimizer is returned by NewOptimizer for unregistered names.
var ErrUnknownOptimizer = errors.New("vqe: unknown optimizer")

// Objective is a scalar function of a parameter vector. The gradient result
// may be empty for gradient-free methods.
type Objective func(ctx context.Context, params []float64) (value float64, gradient []float64, err error)

// Evaluation is one successful objective call, reported to an Observer.
type Evaluation struct {
	Index      int
	Energy     float64
	Parameters []float64
}

// Observer is notified after every successful objective call.
type Observer func(Evaluation)

// Settings bound an optimization run. Zero values select the method defaults.
type Settings struct {
	MaxEvaluations int
	MaxIterations  int
	// Tolerance is the absolute energy improvement below which the run is
	// considered converged once it persists for enough iterations.
	Tolerance float64
	Observer  Observer
}

// Result is the outcome of Optimize.
type Result struct {
	MinEnergy   float64
	Parameters  []float64
	Evaluations int
	Iterations  int
	Status      string
}

// Optimizer minimizes an objective from a starting point.
type Optimizer interface {
	Name() string
	Minimize(ctx context.Context, obj Objective, initial []float64) (Result, error)
}

// NewOptimizer returns the named optimizer. "nelder-mead" is the
// gradient-free simplex method; "nlopt" is accepted as an alias.
func NewOptimizer(kind string, s Settings) (Optimizer, error) {
	switch kind {
	case "nelder-mead", "nlopt":
		return &NelderMead{Settings: s}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, kind)
	}
}

// Optimize runs opt over obj from initial. The initial vector is not
// modified. Every rank that calls Optimize with identical inputs issues the
// same sequence of objective calls.
func Optimize(ctx context.Context, opt Optimizer, obj Objective, initial []float64) (Result, error) {
	if obj == nil {
		return Result{}, errors.New("vqe: nil objective")
	}
	if len(initial) == 0 {
		e, _, err := obj(ctx, nil)
		if err != nil {
			return Result{}, err
		}
		return Result{MinEnergy: e, Parameters: []float64{}, Evaluations: 1, Status: "NoParameters"}, nil
	}
	res, err := opt.Minimize(ctx, obj, slices.Clone(initial))
	if err != nil {
		return res, fmt.Errorf("%s: %w", opt.Name(), err)
	}
	return res, nil
}

// NelderMead wraps gonum's simplex minimizer.
type NelderMead struct {
	Settings
}

func (nm *NelderMead) Name() string { return "nelder-mead" }

func (nm *NelderMead) Minimize(ctx context.Context, obj Objective, initial []float64) (Result, error) {
	var (
		evals   int
		evalErr error
	)
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if evalErr != nil {
				return math.NaN()
			}
			if err := ctx.Err(); err != nil {
				evalErr = err
				return math.NaN()
			}
			e, _, err := obj(ctx, x)
			if err != nil {
				evalErr = err
				return math.NaN()
			}
			evals++
			if nm.Observer != nil {
				nm.Observer(Evaluation{Index: evals, Energy: e, Parameters: slices.Clone(x)})
			}
			return e
		},
		Status: func() (optimize.Status, error) {
			if evalErr != nil {
				return optimize.Failure, evalErr
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: nm.MaxEvaluations,
		MajorIterations: nm.MaxIterations,
		Concurrent:      1,
	}
	if nm.Tolerance > 0 {
		settings.Converger = &optimize.FunctionConverge{
			Absolute:   nm.Tolerance,
			Iterations: max(50, 10*len(initial)),
		}
	}

	res, err := optimize.Minimize(problem, initial, settings, &optimize.NelderMead{})
	if evalErr != nil {
		return Result{}, fmt.Errorf("objective: %w", evalErr)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{
		MinEnergy:   res.F,
		Parameters:  slices.Clone(res.X),
		Evaluations: evals,
		Iterations:  res.MajorIterations,
		Status:      res.Status.String(),
	}, nil
}
