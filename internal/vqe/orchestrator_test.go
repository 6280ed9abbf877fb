package vqe

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perclft/hpcvqe/backend/backends"
	"github.com/perclft/hpcvqe/internal/comm"
	"github.com/perclft/hpcvqe/internal/pauli"
)

type stubTemplate struct {
	nVars   int
	bindErr error
	binds   int
}

func (s *stubTemplate) NumVariables() int { return s.nVars }

func (s *stubTemplate) Bind(params []float64) (*backends.Circuit, error) {
	s.binds++
	if s.bindErr != nil {
		return nil, s.bindErr
	}
	return &backends.Circuit{NumQubits: 4, Metadata: map[string]any{"params": params}}, nil
}

// coeffSum evaluates an operator as the sum of its real coefficients, which
// is linear in the operator like a real expectation value.
type coeffSum struct {
	leader bool
	err    error
	calls  int
}

func (c *coeffSum) Evaluate(_ context.Context, _ *backends.Circuit, obs *pauli.Operator) (float64, bool, error) {
	c.calls++
	if c.err != nil {
		return 0, false, c.err
	}
	sum := 0.0
	for _, t := range obs.All() {
		sum += real(t.Coeff())
	}
	return sum, c.leader, nil
}

func factoryOf(e Evaluator) (EvaluatorFactory, *int) {
	acquired := 0
	return func() (Evaluator, error) {
		acquired++
		return e, nil
	}, &acquired
}

// weightedOperator returns n width-4 terms with coefficients taken from
// coeffs in label order.
func weightedOperator(t *testing.T, coeffs ...float64) *pauli.Operator {
	t.Helper()
	const symbols = "IXYZ"
	op := pauli.NewOperator(4)
	for i, c := range coeffs {
		label := []byte{
			symbols[(i/64)%4], symbols[(i/16)%4], symbols[(i/4)%4], symbols[i%4],
		}
		term, err := pauli.NewTerm(string(label), complex(c, 0))
		require.NoError(t, err)
		require.NoError(t, op.Add(term))
	}
	require.Equal(t, len(coeffs), op.Len())
	return op
}

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Ansatz == nil {
		cfg.Ansatz = &stubTemplate{nVars: 2}
	}
	cfg.Logger = zerolog.Nop()
	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)
	return o
}

func TestObjective_SumsSubOperatorEnergies(t *testing.T) {
	subOps := []*pauli.Operator{
		weightedOperator(t, -0.5),
		weightedOperator(t, -1.25),
		weightedOperator(t, 0.75),
	}
	acquire, _ := factoryOf(&coeffSum{leader: true})
	o := newOrchestrator(t, Config{SubOperators: subOps, Acquire: acquire})

	energy, grad, err := o.Objective(context.Background(), []float64{0.1, 0.2})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, energy, 1e-12)
	assert.Empty(t, grad)
}

func TestObjective_EmptyOperator(t *testing.T) {
	eval := &coeffSum{leader: true}
	acquire, acquired := factoryOf(eval)
	var progress bytes.Buffer
	subOps := pauli.Split(pauli.NewOperator(4), 3)
	require.Empty(t, subOps)

	o := newOrchestrator(t, Config{SubOperators: subOps, Acquire: acquire, IsRoot: true, Progress: &progress})
	energy, _, err := o.Objective(context.Background(), []float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, energy)
	assert.Equal(t, 0, *acquired)
	assert.Empty(t, progress.String())
}

func TestObjective_LinearInPartition(t *testing.T) {
	coeffs := make([]float64, 23)
	want := 0.0
	for i := range coeffs {
		coeffs[i] = float64(i%7) - 2.75
		want += coeffs[i]
	}
	op := weightedOperator(t, coeffs...)

	for m := 1; m <= len(coeffs)+1; m++ {
		acquire, _ := factoryOf(&coeffSum{})
		o := newOrchestrator(t, Config{SubOperators: pauli.Split(op, m), Acquire: acquire})
		energy, _, err := o.Objective(context.Background(), []float64{1, 2})
		require.NoError(t, err)
		assert.InDelta(t, want, energy, 1e-9, "max terms %d", m)
	}
}

func TestObjective_ProgressLines(t *testing.T) {
	op := weightedOperator(t, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	subOps := pauli.Split(op, 3)

	testCases := []struct {
		name   string
		isRoot bool
		leader bool
		want   string
	}{
		{"root leader", true, true, "Processed 3 / 10\nProcessed 6 / 10\nProcessed 9 / 10\nProcessed 10 / 10\n"},
		{"root follower", true, false, ""},
		{"other leader", false, true, ""},
		{"other follower", false, false, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var progress bytes.Buffer
			acquire, _ := factoryOf(&coeffSum{leader: tc.leader})
			o := newOrchestrator(t, Config{SubOperators: subOps, Acquire: acquire, IsRoot: tc.isRoot, Progress: &progress})
			_, _, err := o.Objective(context.Background(), []float64{0, 0})
			require.NoError(t, err)
			assert.Equal(t, tc.want, progress.String())
		})
	}
}

// Eight ranks on four virtual QPUs: only rank 0 writes, once per sub-operator.
func TestObjective_LeaderDedupAcrossRanks(t *testing.T) {
	const size, nVQPU = 8, 4
	subOps := pauli.Split(weightedOperator(t, 0.5, -0.25, 1, 2, -3), 2)
	require.Len(t, subOps, 3)

	progress := make([]bytes.Buffer, size)
	energies := make([]float64, size)
	err := comm.RunLocal(context.Background(), size, func(ctx context.Context, c comm.Communicator) error {
		acquire := func() (Evaluator, error) {
			return backends.NewVirtualPool(&coeffAccelerator{}, c, nVQPU, zerolog.Nop())
		}
		o, err := NewOrchestrator(Config{
			Ansatz:       &stubTemplate{nVars: 2},
			SubOperators: subOps,
			Acquire:      acquire,
			IsRoot:       comm.IsRoot(c),
			Progress:     &progress[c.Rank()],
			Logger:       zerolog.Nop(),
		})
		if err != nil {
			return err
		}
		energies[c.Rank()], _, err = o.Objective(ctx, []float64{0, 0})
		return err
	})
	require.NoError(t, err)

	for rank := range size {
		assert.InDelta(t, 0.25, energies[rank], 1e-12, "rank %d", rank)
		lines := strings.Count(progress[rank].String(), "Processed")
		if rank == comm.Root {
			assert.Equal(t, len(subOps), lines)
		} else {
			assert.Zero(t, lines, "rank %d", rank)
		}
	}
}

type coeffAccelerator struct{ coeffSum }

func (c *coeffAccelerator) Name() string   { return "coeff-sum" }
func (c *coeffAccelerator) MaxQubits() int { return 4 }
func (c *coeffAccelerator) Execute(ctx context.Context, circuit *backends.Circuit, obs *pauli.Operator) (float64, error) {
	e, _, err := c.coeffSum.Evaluate(ctx, circuit, obs)
	return e, err
}

func TestObjective_FreshEvaluatorPerSubOperator(t *testing.T) {
	subOps := pauli.Split(weightedOperator(t, 1, 2, 3, 4, 5), 2)
	acquire, acquired := factoryOf(&coeffSum{})
	tmpl := &stubTemplate{nVars: 2}
	o := newOrchestrator(t, Config{Ansatz: tmpl, SubOperators: subOps, Acquire: acquire})

	for call := 1; call <= 3; call++ {
		_, _, err := o.Objective(context.Background(), []float64{0, 0})
		require.NoError(t, err)
		assert.Equal(t, call*len(subOps), *acquired)
		assert.Equal(t, call, tmpl.binds)
	}
}

func TestObjective_PanicsOnParameterCount(t *testing.T) {
	acquire, _ := factoryOf(&coeffSum{})
	o := newOrchestrator(t, Config{Ansatz: &stubTemplate{nVars: 3}, Acquire: acquire})
	assert.Panics(t, func() {
		_, _, _ = o.Objective(context.Background(), []float64{1, 2})
	})
}

func TestObjective_Errors(t *testing.T) {
	subOps := pauli.Split(weightedOperator(t, 1, 2, 3), 2)
	boom := errors.New("simulator out of memory")

	acquire, _ := factoryOf(&coeffSum{err: boom})
	o := newOrchestrator(t, Config{SubOperators: subOps, Acquire: acquire})
	_, _, err := o.Objective(context.Background(), []float64{0, 0})
	assert.ErrorIs(t, err, boom)

	failing := func() (Evaluator, error) { return nil, boom }
	o = newOrchestrator(t, Config{SubOperators: subOps, Acquire: failing})
	_, _, err = o.Objective(context.Background(), []float64{0, 0})
	assert.ErrorIs(t, err, boom)

	acquire, _ = factoryOf(&coeffSum{})
	o = newOrchestrator(t, Config{Ansatz: &stubTemplate{nVars: 2, bindErr: boom}, SubOperators: subOps, Acquire: acquire})
	_, _, err = o.Objective(context.Background(), []float64{0, 0})
	assert.ErrorIs(t, err, boom)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestObjective_ProgressWriteError(t *testing.T) {
	acquire, _ := factoryOf(&coeffSum{leader: true})
	o := newOrchestrator(t, Config{
		SubOperators: pauli.Split(weightedOperator(t, 1), 1),
		Acquire:      acquire,
		IsRoot:       true,
		Progress:     failingWriter{},
	})
	_, _, err := o.Objective(context.Background(), []float64{0, 0})
	assert.ErrorContains(t, err, "disk full")
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(Config{Acquire: func() (Evaluator, error) { return nil, nil }})
	assert.Error(t, err)
	_, err = NewOrchestrator(Config{Ansatz: &stubTemplate{}})
	assert.Error(t, err)

	acquire, _ := factoryOf(&coeffSum{})
	o := newOrchestrator(t, Config{SubOperators: pauli.Split(weightedOperator(t, 1, 2, 3), 2), Acquire: acquire})
	assert.Equal(t, 3, o.TotalTerms())
	assert.Equal(t, 2, o.NumVariables())
}
