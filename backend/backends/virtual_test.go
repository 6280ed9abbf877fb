package backends

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perclft/hpcvqe/internal/comm"
	"github.com/perclft/hpcvqe/internal/pauli"
)

type constAccelerator struct {
	energy float64
	err    error
	calls  int
}

func (c *constAccelerator) Name() string   { return "const" }
func (c *constAccelerator) MaxQubits() int { return 8 }
func (c *constAccelerator) Execute(context.Context, *Circuit, *pauli.Operator) (float64, error) {
	c.calls++
	return c.energy, c.err
}

func TestPartition(t *testing.T) {
	testCases := []struct {
		name  string
		size  int
		n     int
		sizes []int
	}{
		{"even", 8, 4, []int{2, 2, 2, 2}},
		{"remainder to last", 7, 3, []int{2, 2, 3}},
		{"single group", 5, 1, []int{5}},
		{"more groups than ranks", 3, 8, []int{1, 1, 1}},
		{"one rank", 1, 2, []int{1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			groups, err := Partition(tc.size, tc.n)
			require.NoError(t, err)

			sizes := make([]int, len(groups))
			next := 0
			for i, g := range groups {
				sizes[i] = g.Size
				assert.Equal(t, i, g.Index)
				assert.Equal(t, next, g.First)
				next += g.Size
			}
			assert.Equal(t, tc.sizes, sizes)
			assert.Equal(t, tc.size, next)
		})
	}

	_, err := Partition(4, 0)
	assert.Error(t, err)
	_, err = Partition(0, 2)
	assert.Error(t, err)
}

func TestAssign_EveryRankInExactlyOneGroup(t *testing.T) {
	for size := 1; size <= 13; size++ {
		for n := 1; n <= 6; n++ {
			groups, err := Partition(size, n)
			require.NoError(t, err)
			for rank := 0; rank < size; rank++ {
				g, err := Assign(rank, size, n)
				require.NoError(t, err)
				assert.True(t, g.Contains(rank))

				owners := 0
				for _, other := range groups {
					if other.Contains(rank) {
						owners++
					}
				}
				assert.Equal(t, 1, owners)
			}
		}
	}

	_, err := Assign(8, 8, 2)
	assert.Error(t, err)
}

// Four virtual QPUs over eight ranks: two ranks each, one leader per pair.
func TestVirtualPool_LeaderPerGroup(t *testing.T) {
	const size, nVQPU = 8, 4
	var (
		mu             sync.Mutex
		leadersByGroup = make(map[int]int)
		membersByGroup = make(map[int]int)
		energies       = make([]float64, size)
	)

	err := comm.RunLocal(context.Background(), size, func(ctx context.Context, c comm.Communicator) error {
		g, err := Assign(c.Rank(), size, nVQPU)
		if err != nil {
			return err
		}
		base := &constAccelerator{energy: -1.5 - float64(g.Index)}
		pool, err := NewVirtualPool(base, c, nVQPU, zerolog.Nop())
		if err != nil {
			return err
		}
		energy, leader, err := pool.Evaluate(ctx, &Circuit{NumQubits: 1}, pauli.NewOperator(1))
		if err != nil {
			return err
		}
		if leader != (c.Rank() == g.First) {
			return fmt.Errorf("rank %d: leader=%t in group starting at %d", c.Rank(), leader, g.First)
		}

		mu.Lock()
		defer mu.Unlock()
		energies[c.Rank()] = energy
		membersByGroup[g.Index]++
		if leader {
			leadersByGroup[g.Index]++
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, map[int]int{0: 2, 1: 2, 2: 2, 3: 2}, membersByGroup)
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1, 3: 1}, leadersByGroup)
	// Members return their leader's energy.
	assert.Equal(t, []float64{-1.5, -1.5, -2.5, -2.5, -3.5, -3.5, -4.5, -4.5}, energies)
}

func TestVirtualPool_MemberWaitsForLeader(t *testing.T) {
	group, err := comm.NewLocalGroup(8)
	require.NoError(t, err)

	// Rank 1 evaluates alone; its leader, rank 0, never does.
	pool, err := NewVirtualPool(&constAccelerator{energy: -1}, group[1], 4, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err = pool.Evaluate(ctx, &Circuit{NumQubits: 1}, pauli.NewOperator(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVirtualPool_LeaderRunsBaseOncePerEvaluation(t *testing.T) {
	bases := []*constAccelerator{{energy: 0.25}, {energy: 0.25}}

	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c comm.Communicator) error {
		pool, err := NewVirtualPool(bases[c.Rank()], c, 1, zerolog.Nop())
		if err != nil {
			return err
		}
		for range 3 {
			energy, _, err := pool.Evaluate(ctx, &Circuit{NumQubits: 1}, pauli.NewOperator(1))
			if err != nil {
				return err
			}
			if energy != 0.25 {
				return fmt.Errorf("rank %d: energy %g", c.Rank(), energy)
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, bases[0].calls)
	assert.Equal(t, 0, bases[1].calls)
}

func TestVirtualPool_ClampedGroups(t *testing.T) {
	// More virtual QPUs than ranks: every rank leads its own group.
	err := comm.RunLocal(context.Background(), 3, func(ctx context.Context, c comm.Communicator) error {
		pool, err := NewVirtualPool(&constAccelerator{energy: float64(c.Rank())}, c, 8, zerolog.Nop())
		if err != nil {
			return err
		}
		energy, leader, err := pool.Evaluate(ctx, &Circuit{NumQubits: 1}, pauli.NewOperator(1))
		if err != nil {
			return err
		}
		if !leader || energy != float64(c.Rank()) {
			return fmt.Errorf("rank %d: leader=%t energy=%g", c.Rank(), leader, energy)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestVirtualPool_PropagatesBackendError(t *testing.T) {
	boom := errors.New("simulator crashed")
	errs := make([]error, 4)

	err := comm.RunLocal(context.Background(), 4, func(ctx context.Context, c comm.Communicator) error {
		base := &constAccelerator{energy: -1}
		if c.Rank() == 2 {
			base.err = boom
		}
		pool, err := NewVirtualPool(base, c, 2, zerolog.Nop())
		if err != nil {
			return err
		}
		_, _, errs[c.Rank()] = pool.Evaluate(ctx, &Circuit{NumQubits: 1}, pauli.NewOperator(1))
		return nil
	})
	require.NoError(t, err)

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorIs(t, errs[2], boom)
	assert.Contains(t, errs[2].Error(), "virtual qpu 1")
	assert.ErrorIs(t, errs[3], comm.ErrRootAborted, "the failed leader's member stops too")
}

func TestNewVirtualPool_RejectsZeroQPUs(t *testing.T) {
	group, err := comm.NewLocalGroup(4)
	require.NoError(t, err)
	_, err = NewVirtualPool(&constAccelerator{}, group[0], 0, zerolog.Nop())
	assert.Error(t, err)
}
