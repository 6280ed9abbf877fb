package vqe

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perclft/hpcvqe/backend/backends"
	"github.com/perclft/hpcvqe/internal/comm"
	"github.com/perclft/hpcvqe/internal/pauli"
	"github.com/perclft/hpcvqe/modules/ansatz"
	"github.com/perclft/hpcvqe/modules/physics"
)

// Four ranks on two virtual QPUs run the whole H2 pipeline and must agree.
func TestSPMD_RanksAgree(t *testing.T) {
	const size, nVQPU = 4, 2
	results := make([]Result, size)
	var rootLog bytes.Buffer

	err := comm.RunLocal(context.Background(), size, func(ctx context.Context, c comm.Communicator) error {
		var geometry string
		if comm.IsRoot(c) {
			geometry = "H 0 0 0; H 0 0 0.735"
		}
		geometry, err := comm.BroadcastString(ctx, c, geometry, comm.Root)
		if err != nil {
			return err
		}

		opts := physics.DefaultBuildOptions()
		opts.Geometry = geometry
		obs, err := physics.BuildObservable("hubbard", opts)
		if err != nil {
			return err
		}
		qubit, err := physics.Transform("jw", obs)
		if err != nil {
			return err
		}
		op := qubit.(*pauli.Operator)
		subOps := pauli.Split(op, 2*nVQPU)

		tmpl, err := ansatz.Build("hea", ansatz.Options{NumQubits: op.NumQubits(), NumParticles: 2, Layers: 1})
		if err != nil {
			return err
		}

		initial := make([]float64, tmpl.NumVariables())
		if comm.IsRoot(c) {
			rng := rand.New(rand.NewPCG(7, 0))
			for i := range initial {
				initial[i] = (rng.Float64()*2 - 1) * 3.14159
			}
		}
		if initial, err = comm.BroadcastVector(ctx, c, initial, comm.Root); err != nil {
			return err
		}

		var progress io.Writer
		if comm.IsRoot(c) {
			progress = &rootLog
		}
		orch, err := NewOrchestrator(Config{
			Ansatz:       tmpl,
			SubOperators: subOps,
			Acquire: func() (Evaluator, error) {
				sim, err := backends.New("statevector", backends.Options{})
				if err != nil {
					return nil, err
				}
				return backends.NewVirtualPool(sim, c, nVQPU, zerolog.Nop())
			},
			IsRoot:   comm.IsRoot(c),
			Progress: progress,
			Logger:   zerolog.Nop(),
		})
		if err != nil {
			return err
		}

		res, err := Optimize(ctx, &NelderMead{Settings: Settings{MaxEvaluations: 40}}, orch.Objective, initial)
		if err != nil {
			return err
		}
		results[c.Rank()] = res
		return c.Barrier(ctx)
	})
	require.NoError(t, err)

	for r := 1; r < size; r++ {
		assert.Equal(t, results[0], results[r], "rank %d", r)
	}
	assert.LessOrEqual(t, results[0].Evaluations, 43)

	lines := strings.Split(strings.TrimSpace(rootLog.String()), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "Processed "))
}

