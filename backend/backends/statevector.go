package backends

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/bits"
	"math/cmplx"
	"math/rand/v2"
	"sort"

	"github.com/perclft/hpcvqe/internal/pauli"
)

const (
	SimTypeStatevector = "statevector"
	SimTypeShots       = "shots"

	defaultMaxQubits = 24 // 2^24 amplitudes, 256 MiB per state
	defaultShots     = 1024
)

// ------------------------------------------------------------------
// Statevector Simulator
// ------------------------------------------------------------------

// Simulator is a dense statevector simulator. In statevector mode it returns
// exact expectation values; in shots mode it estimates each term from sampled
// measurement parities.
type Simulator struct {
	simType   string
	shots     int
	seed      int64
	maxQubits int
}

func NewSimulator(opts Options) (*Simulator, error) {
	s := &Simulator{
		simType:   opts.SimType,
		shots:     opts.Shots,
		seed:      opts.Seed,
		maxQubits: opts.MaxQubits,
	}
	if s.simType == "" {
		s.simType = SimTypeStatevector
	}
	if s.simType != SimTypeStatevector && s.simType != SimTypeShots {
		return nil, fmt.Errorf("backends: unsupported sim-type %q", s.simType)
	}
	if s.shots <= 0 {
		s.shots = defaultShots
	}
	if s.maxQubits <= 0 {
		s.maxQubits = defaultMaxQubits
	}
	return s, nil
}

func (s *Simulator) Name() string   { return "statevector-sim" }
func (s *Simulator) MaxQubits() int { return s.maxQubits }

func (s *Simulator) Execute(ctx context.Context, circuit *Circuit, obs *pauli.Operator) (float64, error) {
	if circuit.NumQubits > s.maxQubits {
		return 0, fmt.Errorf("backends: circuit needs %d qubits, simulator limit is %d", circuit.NumQubits, s.maxQubits)
	}
	if obs.NumQubits() != circuit.NumQubits {
		return 0, fmt.Errorf("backends: observable acts on %d qubits, circuit has %d", obs.NumQubits(), circuit.NumQubits)
	}
	if err := circuit.Validate(); err != nil {
		return 0, err
	}

	st := newState(circuit.NumQubits)
	for _, g := range circuit.Gates {
		st.apply(g)
	}

	energy := 0.0
	for label, term := range obs.All() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var v float64
		switch {
		case term.IsIdentity():
			v = 1
		case s.simType == SimTypeShots:
			v = st.sampleParity(term, s.shots, s.rng(label))
		default:
			v = st.expectation(term)
		}
		energy += real(term.Coeff()) * v
	}
	return energy, nil
}

// rng derives a per-term stream so sampling does not depend on term order or rank.
func (s *Simulator) rng(label string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(label))
	return rand.New(rand.NewPCG(uint64(s.seed), h.Sum64()))
}

// ------------------------------------------------------------------
// State Vector
// ------------------------------------------------------------------

// state stores amplitudes with qubit q as bit q of the basis index.
type state struct {
	n    int
	amps []complex128
}

func newState(n int) *state {
	amps := make([]complex128, 1<<n)
	amps[0] = 1
	return &state{n: n, amps: amps}
}

func (s *state) clone() *state {
	amps := make([]complex128, len(s.amps))
	copy(amps, s.amps)
	return &state{n: s.n, amps: amps}
}

var (
	invSqrt2 = complex(1/math.Sqrt2, 0)
	matH     = [2][2]complex128{{invSqrt2, invSqrt2}, {invSqrt2, -invSqrt2}}
	matX     = [2][2]complex128{{0, 1}, {1, 0}}
	matY     = [2][2]complex128{{0, -1i}, {1i, 0}}
	matZ     = [2][2]complex128{{1, 0}, {0, -1}}
	matS     = [2][2]complex128{{1, 0}, {0, 1i}}
	matSdg   = [2][2]complex128{{1, 0}, {0, -1i}}
)

// apply assumes g has passed Circuit.Validate.
func (s *state) apply(g GateOp) {
	switch g.Name {
	case "I":
	case "H":
		s.apply1(g.Qubits[0], matH)
	case "X":
		s.apply1(g.Qubits[0], matX)
	case "Y":
		s.apply1(g.Qubits[0], matY)
	case "Z":
		s.apply1(g.Qubits[0], matZ)
	case "S":
		s.apply1(g.Qubits[0], matS)
	case "Sdg":
		s.apply1(g.Qubits[0], matSdg)
	case "RX":
		c, sn := math.Cos(g.Params[0]/2), math.Sin(g.Params[0]/2)
		s.apply1(g.Qubits[0], [2][2]complex128{{complex(c, 0), complex(0, -sn)}, {complex(0, -sn), complex(c, 0)}})
	case "RY":
		c, sn := math.Cos(g.Params[0]/2), math.Sin(g.Params[0]/2)
		s.apply1(g.Qubits[0], [2][2]complex128{{complex(c, 0), complex(-sn, 0)}, {complex(sn, 0), complex(c, 0)}})
	case "RZ":
		half := g.Params[0] / 2
		s.apply1(g.Qubits[0], [2][2]complex128{{cmplx.Exp(complex(0, -half)), 0}, {0, cmplx.Exp(complex(0, half))}})
	case "CNOT":
		s.cnot(g.Qubits[0], g.Qubits[1])
	case "CZ":
		s.cz(g.Qubits[0], g.Qubits[1])
	case "SWAP":
		s.swap(g.Qubits[0], g.Qubits[1])
	}
}

func (s *state) apply1(q int, m [2][2]complex128) {
	bit := 1 << q
	for i := range s.amps {
		if i&bit != 0 {
			continue
		}
		j := i | bit
		a0, a1 := s.amps[i], s.amps[j]
		s.amps[i] = m[0][0]*a0 + m[0][1]*a1
		s.amps[j] = m[1][0]*a0 + m[1][1]*a1
	}
}

func (s *state) cnot(control, target int) {
	cb, tb := 1<<control, 1<<target
	for i := range s.amps {
		if i&cb != 0 && i&tb == 0 {
			j := i | tb
			s.amps[i], s.amps[j] = s.amps[j], s.amps[i]
		}
	}
}

func (s *state) cz(a, b int) {
	mask := 1<<a | 1<<b
	for i := range s.amps {
		if i&mask == mask {
			s.amps[i] = -s.amps[i]
		}
	}
}

func (s *state) swap(a, b int) {
	ab, bb := 1<<a, 1<<b
	for i := range s.amps {
		if i&ab != 0 && i&bb == 0 {
			j := i ^ ab ^ bb
			s.amps[i], s.amps[j] = s.amps[j], s.amps[i]
		}
	}
}

// expectation returns <psi|P|psi>. With Y = iXZ on each qubit,
// P|b> = i^nY (-1)^popcount(b&zMask) |b^xMask>.
func (s *state) expectation(t pauli.Term) float64 {
	xMask, zMask, nY := masks(t)
	var sum complex128
	for b, amp := range s.amps {
		if amp == 0 {
			continue
		}
		v := cmplx.Conj(s.amps[b^xMask]) * amp
		if bits.OnesCount(uint(b&zMask))%2 == 1 {
			v = -v
		}
		sum += v
	}
	return real(sum * iPow(nY))
}

// sampleParity rotates a copy of the state into the measurement basis of t
// and averages the sampled parity over shots.
func (s *state) sampleParity(t pauli.Term, shots int, rng *rand.Rand) float64 {
	rot := s.clone()
	parity := 0
	for q := 0; q < t.NumQubits(); q++ {
		switch t.Op(q) {
		case 'X':
			rot.apply1(q, matH)
		case 'Y':
			rot.apply1(q, matSdg)
			rot.apply1(q, matH)
		}
		if t.Op(q) != 'I' {
			parity |= 1 << q
		}
	}

	cdf := make([]float64, len(rot.amps))
	acc := 0.0
	for i, a := range rot.amps {
		acc += real(a)*real(a) + imag(a)*imag(a)
		cdf[i] = acc
	}

	sum := 0
	for range shots {
		u := rng.Float64() * acc
		idx := sort.Search(len(cdf), func(i int) bool { return cdf[i] > u })
		if idx == len(cdf) {
			idx = len(cdf) - 1
		}
		if bits.OnesCount(uint(idx&parity))%2 == 0 {
			sum++
		} else {
			sum--
		}
	}
	return float64(sum) / float64(shots)
}

func masks(t pauli.Term) (xMask, zMask, nY int) {
	for q := 0; q < t.NumQubits(); q++ {
		switch t.Op(q) {
		case 'X':
			xMask |= 1 << q
		case 'Y':
			xMask |= 1 << q
			zMask |= 1 << q
			nY++
		case 'Z':
			zMask |= 1 << q
		}
	}
	return xMask, zMask, nY
}

func iPow(n int) complex128 {
	switch n % 4 {
	case 0:
		return 1
	case 1:
		return 1i
	case 2:
		return -1
	default:
		return -1i
	}
}
