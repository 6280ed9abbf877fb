package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perclft/hpcvqe/backend/backends"
	"github.com/perclft/hpcvqe/internal/comm"
	"github.com/perclft/hpcvqe/internal/config"
	"github.com/perclft/hpcvqe/internal/pauli"
	"github.com/perclft/hpcvqe/internal/utils"
	"github.com/perclft/hpcvqe/internal/vqe"
	"github.com/perclft/hpcvqe/modules/ansatz"
	"github.com/perclft/hpcvqe/modules/physics"
	"github.com/perclft/hpcvqe/pkg/logger"
	"github.com/perclft/hpcvqe/services/runstore"
)

// Exit codes. The output-file codes follow the order the files are opened.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitLogFile     = 10
	exitEnergyFile  = 11
	exitHamiltonian = 12
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// runHeader is what the root decides alone and every rank must share.
type runHeader struct {
	RunID string `msgpack:"run_id"`
	Seed  int64  `msgpack:"seed"`
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "hpcvqe: %v\n", err)
		return exitConfig
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: stderr})
	logger.SetGlobalLogger(log)

	if cfg.ListRuns > 0 {
		err = listRuns(ctx, cfg, stdout, log)
	} else {
		err = execute(ctx, cfg, stdin, stdout, log)
	}
	code := exitCode(err)
	if err != nil {
		log.Error().Err(err).Int("exit_code", code).Msg("Run failed")
	}
	return code
}

// execute runs every rank of the group, in-process or over the network.
func execute(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout io.Writer, log zerolog.Logger) error {
	log.Info().
		Int("ranks", cfg.GroupSize()).
		Bool("in_process", cfg.LocalRanks > 0).
		Int("virtual_qpus", cfg.NVirtualQPUs).
		Msg("Starting process group")
	if cfg.NVirtualQPUs > cfg.GroupSize() {
		log.Warn().Msg("More virtual QPUs than ranks; each rank forms its own virtual QPU")
	}

	if cfg.LocalRanks > 0 {
		return comm.RunLocal(ctx, cfg.LocalRanks, func(ctx context.Context, c comm.Communicator) error {
			return runRank(ctx, cfg, c, stdin, stdout, log)
		})
	}

	c, err := comm.Connect(ctx, comm.Config{Rank: cfg.Rank, Size: cfg.Size, Addr: cfg.Coordinator})
	if err != nil {
		return fmt.Errorf("connect rank %d/%d: %w", cfg.Rank, cfg.Size, err)
	}
	// A failed rank exits without the closing barrier; the launcher tears
	// down the rest of the group.
	if err := runRank(ctx, cfg, c, stdin, stdout, log); err != nil {
		return err
	}
	return c.Close()
}

// runRank is the SPMD body: every rank issues the same collectives in the
// same order, and only the root touches stdin and the output files.
func runRank(ctx context.Context, cfg *config.Config, c comm.Communicator, stdin io.Reader, stdout io.Writer, log zerolog.Logger) (err error) {
	log = logger.ForRank(log, c.Rank())
	isRoot := comm.IsRoot(c)

	var (
		geometry string
		outs     *outputs
	)
	if isRoot {
		fmt.Fprintf(stdout, "Start running H%d with %d QPUs.\n", cfg.NHydrogens, cfg.NVirtualQPUs)

		geometry, err = readGeometry(cfg, stdin)
		if err != nil {
			return err
		}
		outs, err = openOutputs(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := outs.Close(); err == nil {
				err = cerr
			}
		}()
	}

	// Geometry
	if err := c.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier before geometry: %w", err)
	}
	geometry, err = comm.BroadcastString(ctx, c, geometry, comm.Root)
	if err != nil {
		return fmt.Errorf("broadcast geometry: %w", err)
	}
	if err := c.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier after geometry: %w", err)
	}
	log.Debug().Str("geometry", geometry).Msg("Received geometry")

	// Run ID and seed
	var header runHeader
	if isRoot {
		header = runHeader{RunID: runstore.NewRunID(), Seed: cfg.Seed}
		if header.Seed == 0 {
			header.Seed = rand.Int64()
		}
	}
	header, err = comm.BroadcastScalar(ctx, c, header, comm.Root)
	if err != nil {
		return fmt.Errorf("broadcast run header: %w", err)
	}
	log = log.With().Str("run_id", header.RunID).Logger()

	// Hamiltonian
	timer := utils.NewTimer("hamiltonian", log)
	op, err := buildHamiltonian(cfg, geometry)
	if err != nil {
		return err
	}
	subOps := pauli.Split(op, cfg.MaxTermsPerSplit())
	hamDuration := timer.Stop()
	log.Info().
		Int("qubits", op.NumQubits()).
		Int("terms", op.Len()).
		Int("sub_operators", len(subOps)).
		Msg("Hamiltonian ready")

	if isRoot {
		if err := outs.writeHamiltonian(op.String(), utils.Milliseconds(hamDuration)); err != nil {
			return err
		}
	}

	// Ansatz
	timer = utils.NewTimer("ansatz", log)
	tmpl, err := ansatz.Build(cfg.Ansatz, ansatz.Options{
		NumQubits:    cfg.NumQubits(),
		NumParticles: cfg.NumElectrons(),
		Layers:       cfg.Layers,
	})
	if err != nil {
		return err
	}
	if tmpl.NumQubits() != op.NumQubits() {
		return fmt.Errorf("%w: ansatz for H%d has %d qubits but the Hamiltonian has %d",
			config.ErrInvalid, cfg.NHydrogens, tmpl.NumQubits(), op.NumQubits())
	}
	ansatzDuration := timer.Stop()
	description, _ := ansatz.Describe(cfg.Ansatz)
	log.Info().
		Str("ansatz", cfg.Ansatz).
		Str("description", description).
		Int("parameters", tmpl.NumVariables()).
		Msg("Ansatz ready")
	if isRoot {
		if err := outs.logf("Ansatz generation runtime: %.3f [ms].\n", utils.Milliseconds(ansatzDuration)); err != nil {
			return err
		}
	}

	// Initial parameters
	initial := make([]float64, tmpl.NumVariables())
	if isRoot {
		rng := rand.New(rand.NewPCG(uint64(header.Seed), 0))
		for i := range initial {
			initial[i] = -math.Pi + 2*math.Pi*rng.Float64()
		}
	}
	initial, err = comm.BroadcastVector(ctx, c, initial, comm.Root)
	if err != nil {
		return fmt.Errorf("broadcast initial parameters: %w", err)
	}
	if isRoot && log.GetLevel() <= zerolog.DebugLevel {
		if circuit, err := tmpl.Bind(initial); err == nil {
			log.Debug().Str("qasm", circuit.QASM()).Msg("Initial circuit")
		}
	}

	// Run record
	var store *runstore.Store
	if isRoot && cfg.RedisAddr != "" {
		store = openRunStore(ctx, cfg, header.RunID, op, len(subOps), c.Size(), log)
		if store != nil {
			defer store.Close()
		}
	}

	// Optimization
	var progress io.Writer
	if isRoot {
		progress = outs.log
	}
	simOpts := backends.Options{SimType: cfg.SimType, Shots: cfg.Shots, Seed: header.Seed}
	orch, err := vqe.NewOrchestrator(vqe.Config{
		Ansatz:       tmpl,
		SubOperators: subOps,
		Acquire: func() (vqe.Evaluator, error) {
			base, err := backends.New("statevector", simOpts)
			if err != nil {
				return nil, err
			}
			pool, err := backends.NewVirtualPool(base, c, cfg.NVirtualQPUs, log)
			if err != nil {
				return nil, err
			}
			return pool, nil
		},
		IsRoot:   isRoot,
		Progress: progress,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	settings := vqe.Settings{
		MaxEvaluations: cfg.MaxEvals,
		MaxIterations:  cfg.MaxIters,
		Tolerance:      cfg.Tolerance,
	}
	if store != nil {
		settings.Observer = func(ev vqe.Evaluation) {
			if err := store.RecordEvaluation(ctx, header.RunID, ev.Index, ev.Energy, ev.Parameters); err != nil {
				log.Warn().Err(err).Int("evaluation", ev.Index).Msg("Failed to record evaluation")
			}
		}
	}
	opt, err := vqe.NewOptimizer(cfg.Optimizer, settings)
	if err != nil {
		return err
	}

	optTimer := utils.NewTimer("optimization", log)
	result, err := vqe.Optimize(ctx, opt, orch.Objective, initial)
	if err != nil {
		if store != nil {
			if ferr := store.Fail(context.WithoutCancel(ctx), header.RunID, err); ferr != nil {
				log.Warn().Err(ferr).Msg("Failed to mark run failed")
			}
		}
		return fmt.Errorf("optimize: %w", err)
	}

	log.Info().
		Float64("energy", result.MinEnergy).
		Int("evaluations", result.Evaluations).
		Int("iterations", result.Iterations).
		Str("status", result.Status).
		Dur("elapsed", optTimer.Elapsed()).
		Msg("Optimization finished")

	if isRoot {
		if err := outs.writeResult(result); err != nil {
			return err
		}
		if store != nil {
			if err := store.Complete(ctx, header.RunID, result.MinEnergy, result.Parameters, result.Status); err != nil {
				log.Warn().Err(err).Msg("Failed to complete run record")
			}
		}
	}
	return nil
}

// listRuns prints the newest run records, one per line.
func listRuns(ctx context.Context, cfg *config.Config, stdout io.Writer, log zerolog.Logger) error {
	store, err := runstore.Dial(ctx, cfg.RedisAddr, log)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(ctx, cfg.ListRuns)
	if err != nil {
		return err
	}
	return printRuns(stdout, runs)
}

func printRuns(w io.Writer, runs []*runstore.Run) error {
	for _, r := range runs {
		energy := "-"
		if r.State == runstore.StateCompleted || r.Evaluations > 0 {
			energy = strconv.FormatFloat(r.BestEnergy, 'g', -1, 64)
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%d evaluations\t%s\n",
			r.ID, r.State, r.Molecule, r.Evaluations, energy); err != nil {
			return err
		}
	}
	return nil
}

// readGeometry returns the library molecule's geometry, or stdin read to EOF.
func readGeometry(cfg *config.Config, stdin io.Reader) (string, error) {
	if cfg.Molecule != "" {
		preset, err := physics.Preset(cfg.Molecule)
		if err != nil {
			return "", fmt.Errorf("%w: molecule %q: %w", config.ErrInvalid, cfg.Molecule, err)
		}
		return preset.Config.Geometry(), nil
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read geometry from stdin: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%w: empty geometry on stdin", physics.ErrInvalidGeometry)
	}
	return string(data), nil
}

// buildHamiltonian runs the observable builder and the Jordan-Wigner
// transform, and downcasts the result to a Pauli operator.
func buildHamiltonian(cfg *config.Config, geometry string) (*pauli.Operator, error) {
	opts := physics.DefaultBuildOptions()
	opts.Basis = cfg.Basis
	opts.Geometry = geometry

	obs, err := physics.BuildObservable("hubbard", opts)
	if err != nil {
		return nil, fmt.Errorf("build observable: %w", err)
	}
	transformed, err := physics.Transform("jw", obs)
	if err != nil {
		return nil, fmt.Errorf("transform observable: %w", err)
	}
	op, ok := transformed.(*pauli.Operator)
	if !ok {
		return nil, fmt.Errorf("%w: transform produced %T, not a Pauli operator", config.ErrInvalid, transformed)
	}
	return op, nil
}

// openRunStore creates the Redis run record. Run records are advisory: a
// Redis failure is logged and the run continues without them.
func openRunStore(ctx context.Context, cfg *config.Config, runID string, op *pauli.Operator, nSplits, ranks int, log zerolog.Logger) *runstore.Store {
	store, err := runstore.Dial(ctx, cfg.RedisAddr, log)
	if err != nil {
		log.Warn().Err(err).Msg("Run records disabled")
		return nil
	}
	molecule := cfg.Molecule
	if molecule == "" {
		molecule = "H" + strconv.Itoa(cfg.NHydrogens)
	}
	err = store.Create(ctx, &runstore.Run{
		ID:          runID,
		Molecule:    molecule,
		NumQubits:   op.NumQubits(),
		NumTerms:    op.Len(),
		NumSplits:   nSplits,
		Ranks:       ranks,
		VirtualQPUs: cfg.NVirtualQPUs,
		Ansatz:      cfg.Ansatz,
		Optimizer:   cfg.Optimizer,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Run records disabled")
		_ = store.Close()
		return nil
	}
	return store
}

// outputs are the root's three result files.
type outputs struct {
	log         *os.File
	energy      *os.File
	hamiltonian *os.File
}

func openOutputs(cfg *config.Config) (*outputs, error) {
	outs := &outputs{}
	var err error
	if outs.log, err = os.Create(cfg.OutFilename); err != nil {
		return nil, &exitError{code: exitLogFile, err: fmt.Errorf("open run log: %w", err)}
	}
	if outs.energy, err = os.Create(cfg.OutEnergyFilename); err != nil {
		outs.Close()
		return nil, &exitError{code: exitEnergyFile, err: fmt.Errorf("open energy file: %w", err)}
	}
	if outs.hamiltonian, err = os.Create(cfg.OutHamiltonianFilename); err != nil {
		outs.Close()
		return nil, &exitError{code: exitHamiltonian, err: fmt.Errorf("open hamiltonian file: %w", err)}
	}
	return outs, nil
}

func (o *outputs) logf(format string, args ...any) error {
	if _, err := fmt.Fprintf(o.log, format, args...); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	return nil
}

func (o *outputs) writeHamiltonian(text string, ms float64) error {
	if err := o.logf("Hamiltonian generation runtime: %.3f [ms].\n", ms); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(o.hamiltonian, text); err != nil {
		return fmt.Errorf("write hamiltonian: %w", err)
	}
	return nil
}

func (o *outputs) writeResult(res vqe.Result) error {
	params := make([]string, len(res.Parameters))
	for i, p := range res.Parameters {
		params[i] = strconv.FormatFloat(p, 'g', -1, 64)
	}
	energy := strconv.FormatFloat(res.MinEnergy, 'g', -1, 64)

	if err := o.logf("Min energy = %s\n", energy); err != nil {
		return err
	}
	if err := o.logf("Optimal parameters = %s\n", strings.Join(params, ", ")); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(o.energy, energy); err != nil {
		return fmt.Errorf("write energy: %w", err)
	}
	return nil
}

func (o *outputs) Close() error {
	var errs []error
	for _, f := range []*os.File{o.log, o.energy, o.hamiltonian} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, config.ErrInvalid),
		errors.Is(err, physics.ErrUnknownKind),
		errors.Is(err, physics.ErrUnsupportedBasis),
		errors.Is(err, ansatz.ErrUnknownKind),
		errors.Is(err, vqe.ErrUnknownOptimizer):
		return exitConfig
	default:
		return exitFailure
	}
}
