package backends

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/perclft/hpcvqe/internal/comm"
	"github.com/perclft/hpcvqe/internal/pauli"
)

// ------------------------------------------------------------------
// Virtual QPU Partitioning
// ------------------------------------------------------------------

// Group is one virtual QPU: a contiguous run of ranks led by its first rank.
type Group struct {
	Index int
	First int // also the leader
	Size  int
}

func (g Group) Leader() int { return g.First }

func (g Group) Contains(rank int) bool {
	return rank >= g.First && rank < g.First+g.Size
}

// Partition splits size ranks into n virtual QPUs. Every group receives
// size/n ranks and the last group absorbs the remainder. When n exceeds
// size each rank forms its own group.
func Partition(size, n int) ([]Group, error) {
	if size < 1 {
		return nil, fmt.Errorf("backends: group size must be >= 1, got %d", size)
	}
	if n < 1 {
		return nil, fmt.Errorf("backends: n-virtual-qpus must be >= 1, got %d", n)
	}
	n = min(n, size)
	base := size / n
	groups := make([]Group, n)
	for i := range groups {
		groups[i] = Group{Index: i, First: i * base, Size: base}
	}
	groups[n-1].Size += size % n
	return groups, nil
}

// Assign returns the virtual QPU containing rank.
func Assign(rank, size, n int) (Group, error) {
	if rank < 0 || rank >= size {
		return Group{}, fmt.Errorf("backends: rank %d outside group of %d", rank, size)
	}
	groups, err := Partition(size, n)
	if err != nil {
		return Group{}, err
	}
	idx := min(rank/groups[0].Size, len(groups)-1)
	return groups[idx], nil
}

// ------------------------------------------------------------------
// Virtual QPU Decorator
// ------------------------------------------------------------------

// VirtualPool wraps a base accelerator and partitions the process group into
// virtual QPUs for the duration of each evaluation. Each virtual QPU runs on
// its own sub-group communicator: the leader simulates and broadcasts the
// energy to the other members, which block until it arrives. Every member of
// a group therefore returns the same energy, and exactly one of them is
// flagged as leader.
type VirtualPool struct {
	base  Accelerator
	c     comm.Communicator
	nVQPU int
	log   zerolog.Logger
}

func NewVirtualPool(base Accelerator, c comm.Communicator, nVirtualQPUs int, log zerolog.Logger) (*VirtualPool, error) {
	if _, err := Partition(c.Size(), nVirtualQPUs); err != nil {
		return nil, err
	}
	return &VirtualPool{
		base:  base,
		c:     c,
		nVQPU: nVirtualQPUs,
		log:   log,
	}, nil
}

func (p *VirtualPool) Name() string   { return "virtual-qpu(" + p.base.Name() + ")" }
func (p *VirtualPool) MaxQubits() int { return p.base.MaxQubits() }

// Evaluate runs circuit against obs on the caller's virtual QPU and reports
// whether the caller leads that QPU. Membership is derived on every call.
// Every rank of the process group must call Evaluate for the same step. A
// failure on the leader is passed to the other members of its group.
func (p *VirtualPool) Evaluate(ctx context.Context, circuit *Circuit, obs *pauli.Operator) (float64, bool, error) {
	group, err := Assign(p.c.Rank(), p.c.Size(), p.nVQPU)
	if err != nil {
		return 0, false, err
	}
	sub, err := p.c.Sub(group.First, group.Size)
	if err != nil {
		return 0, false, fmt.Errorf("virtual qpu %d: %w", group.Index, err)
	}
	leader := comm.IsRoot(sub)

	start := time.Now()
	var energy float64
	if leader {
		energy, err = p.base.Execute(ctx, circuit, obs)
		if err != nil {
			err = fmt.Errorf("virtual qpu %d: %w", group.Index, err)
			return 0, false, comm.Abort(ctx, sub, comm.Root, err)
		}
	}
	energy, err = comm.BroadcastScalar(ctx, sub, energy, comm.Root)
	if err != nil {
		return 0, false, fmt.Errorf("virtual qpu %d: %w", group.Index, err)
	}

	if e := p.log.Debug(); e.Enabled() {
		e.Int("vqpu", group.Index).
			Int("vqpu_size", group.Size).
			Bool("leader", leader).
			Str("backend", p.base.Name()).
			Int("terms", obs.Len()).
			Dur("duration", time.Since(start)).
			Uint64("rss_bytes", residentBytes()).
			Msg("Virtual QPU evaluation")
	}
	return energy, leader, nil
}

func residentBytes() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
