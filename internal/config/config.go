package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/perclft/hpcvqe/modules/ansatz"
)

// ErrInvalid marks configuration errors; the CLI exits with status 2.
var ErrInvalid = errors.New("invalid configuration")

// Config holds run configuration
type Config struct {
	// Problem size and partitioning
	NVirtualQPUs int
	NHydrogens   int
	Molecule     string // library molecule, overrides stdin geometry
	Basis        string
	Ansatz       string
	Layers       int

	// Optimizer
	Optimizer string
	MaxEvals  int
	MaxIters  int
	Tolerance float64
	Seed      int64 // 0 draws a random seed on the root rank

	// Simulator
	SimType string
	Shots   int

	// Outputs (root only)
	OutFilename            string
	OutEnergyFilename      string
	OutHamiltonianFilename string

	// Process group
	Rank        int
	Size        int
	Coordinator string
	LocalRanks  int // run this many ranks in-process; 0 uses Rank/Size

	RedisAddr string
	ListRuns  int // print this many run records and exit
	Verbose   bool
	LogLevel  string
	LogPretty bool
}

// Load reads configuration from .env, VQE_* environment variables and then
// command-line flags, in increasing precedence.
func Load(args []string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	rank, err := envRank("RANK")
	if err != nil {
		return nil, err
	}
	size, err := envRank("SIZE")
	if err != nil {
		return nil, err
	}
	if size == 0 {
		size = 1
	}

	cfg := &Config{
		NVirtualQPUs:           getEnvAsInt("VQE_N_VIRTUAL_QPUS", 2),
		NHydrogens:             getEnvAsInt("VQE_N_HYDROGENS", 8),
		Molecule:               getEnv("VQE_MOLECULE", ""),
		Basis:                  getEnv("VQE_BASIS", "sto-3g"),
		Ansatz:                 getEnv("VQE_ANSATZ", "hea"),
		Layers:                 getEnvAsInt("VQE_LAYERS", 1),
		Optimizer:              getEnv("VQE_OPTIMIZER", "nelder-mead"),
		MaxEvals:               getEnvAsInt("VQE_MAX_EVALS", 200),
		MaxIters:               getEnvAsInt("VQE_MAX_ITERS", 0),
		Tolerance:              getEnvAsFloat("VQE_TOLERANCE", 1e-6),
		Seed:                   int64(getEnvAsInt("VQE_SEED", 0)),
		SimType:                getEnv("VQE_SIM_TYPE", "statevector"),
		Shots:                  getEnvAsInt("VQE_SHOTS", 1024),
		OutFilename:            getEnv("VQE_OUT_FILENAME", "all_results.log"),
		OutEnergyFilename:      getEnv("VQE_OUT_ENERGY_FILENAME", "energy.result"),
		OutHamiltonianFilename: getEnv("VQE_OUT_HAMILTONIAN_FILENAME", "hamiltonian.result"),
		Rank:                   rank,
		Size:                   size,
		Coordinator:            getEnv("VQE_COORDINATOR", ""),
		LocalRanks:             getEnvAsInt("VQE_LOCAL_RANKS", 0),
		RedisAddr:              getEnv("VQE_REDIS_ADDR", ""),
		ListRuns:               getEnvAsInt("VQE_LIST_RUNS", 0),
		Verbose:                getEnvAsBool("VQE_VERBOSE", false),
		LogLevel:               getEnv("VQE_LOG_LEVEL", "info"),
		LogPretty:              getEnvAsBool("VQE_LOG_PRETTY", false),
	}

	fs := flag.NewFlagSet("hpcvqe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.NVirtualQPUs, "n-virtual-qpus", cfg.NVirtualQPUs, "number of virtual QPUs the process group is partitioned into")
	fs.IntVar(&cfg.NHydrogens, "n-hydrogens", cfg.NHydrogens, "hydrogen atoms; sizes the ansatz (2n qubits, n electrons)")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "debug logging and geometry echo")
	fs.StringVar(&cfg.OutFilename, "out-filename", cfg.OutFilename, "run log path")
	fs.StringVar(&cfg.OutEnergyFilename, "out-energy-filename", cfg.OutEnergyFilename, "minimum energy output path")
	fs.StringVar(&cfg.OutHamiltonianFilename, "out-hamiltonian-filename", cfg.OutHamiltonianFilename, "Hamiltonian output path")
	fs.IntVar(&cfg.Rank, "rank", cfg.Rank, "rank of this process")
	fs.IntVar(&cfg.Size, "size", cfg.Size, "number of processes in the group")
	fs.StringVar(&cfg.Coordinator, "coordinator", cfg.Coordinator, "host:port of the rank-0 coordinator")
	fs.IntVar(&cfg.LocalRanks, "local-ranks", cfg.LocalRanks, "run this many ranks inside one process")
	fs.StringVar(&cfg.Basis, "basis", cfg.Basis, "basis set")
	fs.StringVar(&cfg.Ansatz, "ansatz", cfg.Ansatz, "ansatz kind ("+strings.Join(ansatz.Kinds(), ", ")+")")
	fs.IntVar(&cfg.Layers, "layers", cfg.Layers, "ansatz layers")
	fs.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "optimizer (nelder-mead, nlopt)")
	fs.IntVar(&cfg.MaxEvals, "max-evals", cfg.MaxEvals, "objective evaluation limit, 0 for none")
	fs.IntVar(&cfg.MaxIters, "max-iters", cfg.MaxIters, "optimizer iteration limit, 0 for none")
	fs.Float64Var(&cfg.Tolerance, "tolerance", cfg.Tolerance, "energy convergence tolerance")
	fs.StringVar(&cfg.SimType, "sim-type", cfg.SimType, "simulation mode (statevector, shots)")
	fs.IntVar(&cfg.Shots, "shots", cfg.Shots, "shots per term in shots mode")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "seed for initial parameters and shot sampling, 0 for random")
	fs.StringVar(&cfg.Molecule, "molecule", cfg.Molecule, "library molecule (H2_equilibrium, LiH, H<n>, ...) instead of stdin")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for run records, empty to disable")
	fs.IntVar(&cfg.ListRuns, "list-runs", cfg.ListRuns, "print the newest n run records from Redis and exit")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, error")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "human-readable logs")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", ErrInvalid, fs.Args())
	}
	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and combinations
func (c *Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	check(c.NVirtualQPUs >= 1, "n-virtual-qpus must be >= 1, got %d", c.NVirtualQPUs)
	check(c.NHydrogens >= 1, "n-hydrogens must be >= 1, got %d", c.NHydrogens)
	check(c.Basis != "", "basis is required")
	check(slices.Contains(ansatz.Kinds(), c.Ansatz), "ansatz must be one of %v, got %q", ansatz.Kinds(), c.Ansatz)
	check(c.Layers >= 1, "layers must be >= 1, got %d", c.Layers)
	check(c.Optimizer != "", "optimizer is required")
	check(c.MaxEvals >= 0, "max-evals must be >= 0, got %d", c.MaxEvals)
	check(c.MaxIters >= 0, "max-iters must be >= 0, got %d", c.MaxIters)
	check(c.Tolerance >= 0, "tolerance must be >= 0, got %g", c.Tolerance)
	check(c.SimType == "statevector" || c.SimType == "shots", "sim-type must be statevector or shots, got %q", c.SimType)
	check(c.SimType != "shots" || c.Shots >= 1, "shots must be >= 1 in shots mode, got %d", c.Shots)
	check(c.OutFilename != "", "out-filename is required")
	check(c.OutEnergyFilename != "", "out-energy-filename is required")
	check(c.OutHamiltonianFilename != "", "out-hamiltonian-filename is required")
	check(c.Size >= 1, "size must be >= 1, got %d", c.Size)
	check(c.Rank >= 0 && c.Rank < max(c.Size, 1), "rank %d outside group of %d", c.Rank, c.Size)
	check(c.LocalRanks >= 0, "local-ranks must be >= 0, got %d", c.LocalRanks)
	check(c.LocalRanks == 0 || c.Size == 1, "local-ranks and size are mutually exclusive")
	check(c.Size == 1 || c.Coordinator != "", "coordinator is required when size > 1")
	check(c.ListRuns >= 0, "list-runs must be >= 0, got %d", c.ListRuns)
	check(c.ListRuns == 0 || c.RedisAddr != "", "list-runs needs redis-addr")
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("log-level must be debug, info, warn or error, got %q", c.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(problems...))
	}
	return nil
}

// MaxTermsPerSplit bounds the terms handed to one virtual QPU evaluation.
func (c *Config) MaxTermsPerSplit() int { return 2 * c.NVirtualQPUs }

// NumQubits is the register width for the hydrogen chain: two spin orbitals per atom.
func (c *Config) NumQubits() int { return 2 * c.NHydrogens }

// NumElectrons is one electron per hydrogen.
func (c *Config) NumElectrons() int { return c.NHydrogens }

// GroupSize is the number of ranks the run will use.
func (c *Config) GroupSize() int {
	if c.LocalRanks > 0 {
		return c.LocalRanks
	}
	return c.Size
}

// envRank reads VQE_<name>, then the Open MPI and PMI launcher variables.
// A variable that is set but not a non-negative integer is an error.
func envRank(name string) (int, error) {
	for _, key := range []string{"VQE_" + name, "OMPI_COMM_WORLD_" + name, "PMI_" + name} {
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %s=%q is not a valid %s", ErrInvalid, key, value, name)
		}
		return n, nil
	}
	return 0, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
