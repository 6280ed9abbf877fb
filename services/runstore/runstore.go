// Package runstore keeps VQE run records in Redis so an external dashboard
// or operator can follow a run while the ranks are still optimizing.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ------------------------------------------------------------------
// Run Representation
// ------------------------------------------------------------------

type State int32

const (
	StateUnknown   State = 0
	StateRunning   State = 1
	StateCompleted State = 2
	StateFailed    State = 3
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned for an unknown run ID.
var ErrNotFound = errors.New("run not found")

const (
	runKeyPrefix = "run:"
	runIndexKey  = "runs"
	defaultTTL   = 7 * 24 * time.Hour
)

type Run struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Molecule     string    `json:"molecule"`
	NumQubits    int       `json:"num_qubits"`
	NumTerms     int       `json:"num_terms"`
	NumSplits    int       `json:"num_splits"`
	Ranks        int       `json:"ranks"`
	VirtualQPUs  int       `json:"virtual_qpus"`
	Ansatz       string    `json:"ansatz"`
	Optimizer    string    `json:"optimizer"`
	Evaluations  int       `json:"evaluations"`
	LastEnergy   float64   `json:"last_energy"`
	BestEnergy   float64   `json:"best_energy"`
	Parameters   []float64 `json:"parameters"`
	Status       string    `json:"status"`
	StartedAt    int64     `json:"started_at"`
	UpdatedAt    int64     `json:"updated_at"`
	CompletedAt  int64     `json:"completed_at"`
	ErrorMessage string    `json:"error_message"`
}

// Client is the subset of *redis.Client the store uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	ZAdd(ctx context.Context, key string, members ...*redis.Z) *redis.IntCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Close() error
}

// ------------------------------------------------------------------
// Store
// ------------------------------------------------------------------

type Store struct {
	rdb Client
	ttl time.Duration
	log zerolog.Logger
	now func() time.Time
}

func NewStore(rdb Client, log zerolog.Logger) *Store {
	return &Store{
		rdb: rdb,
		ttl: defaultTTL,
		log: log.With().Str("component", "runstore").Logger(),
		now: time.Now,
	}
}

// Dial connects to Redis at addr and checks the connection.
func Dial(ctx context.Context, addr string, log zerolog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("Connected to Redis")
	return NewStore(rdb, log), nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.New().String() }

// Close releases the Redis connection.
func (s *Store) Close() error { return s.rdb.Close() }

// Create stores run in the running state and indexes it by start time.
// An empty ID is filled in.
func (s *Store) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	now := s.now().Unix()
	run.State = StateRunning
	run.StartedAt = now
	run.UpdatedAt = now

	if err := s.save(ctx, run); err != nil {
		return err
	}
	if err := s.rdb.ZAdd(ctx, runIndexKey, &redis.Z{
		Score:  float64(now),
		Member: run.ID,
	}).Err(); err != nil {
		return fmt.Errorf("index run %s: %w", run.ID, err)
	}

	s.log.Info().
		Str("run_id", run.ID).
		Str("molecule", run.Molecule).
		Int("qubits", run.NumQubits).
		Int("terms", run.NumTerms).
		Msg("Run created")
	return nil
}

// RecordEvaluation updates the evaluation count, last energy and best point.
func (s *Store) RecordEvaluation(ctx context.Context, id string, index int, energy float64, params []float64) error {
	return s.update(ctx, id, func(run *Run) {
		if run.Evaluations == 0 || energy < run.BestEnergy {
			run.BestEnergy = energy
			run.Parameters = append([]float64(nil), params...)
		}
		run.Evaluations = index
		run.LastEnergy = energy
	})
}

// Complete marks the run finished with its optimum.
func (s *Store) Complete(ctx context.Context, id string, energy float64, params []float64, status string) error {
	err := s.update(ctx, id, func(run *Run) {
		run.State = StateCompleted
		run.BestEnergy = energy
		run.Parameters = append([]float64(nil), params...)
		run.Status = status
		run.CompletedAt = s.now().Unix()
	})
	if err == nil {
		s.log.Info().Str("run_id", id).Float64("energy", energy).Msg("Run completed")
	}
	return err
}

// Fail marks the run failed with cause.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	return s.update(ctx, id, func(run *Run) {
		run.State = StateFailed
		if cause != nil {
			run.ErrorMessage = cause.Error()
		}
		run.CompletedAt = s.now().Unix()
	})
}

// Get loads a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	data, err := s.rdb.Get(ctx, runKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", id, err)
	}
	return &run, nil
}

// List returns up to limit runs, newest first. Expired records are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.ZRevRange(ctx, runIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *Store) update(ctx context.Context, id string, mutate func(*Run)) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	mutate(run)
	run.UpdatedAt = s.now().Unix()
	return s.save(ctx, run)
}

func (s *Store) save(ctx context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	if err := s.rdb.Set(ctx, runKeyPrefix+run.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store run %s: %w", run.ID, err)
	}
	return nil
}
