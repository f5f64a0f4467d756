package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "stepgraph:run:"

// Hash fields of a run record.
const (
	fieldGraphID   = "graph_id"
	fieldStatus    = "status"
	fieldState     = "state"
	fieldHistory   = "history"
	fieldError     = "error"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// farFuture is the index score of runs that never expire (2100-01-01).
const farFuture = 4102444800

// Store implements ports.RunStore using one Redis hash per run.
// Patches only touch their own fields, so concurrent writers of
// different fields never clobber each other.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

var (
	_ ports.RunStore    = (*Store)(nil)
	_ ports.StoreOpener = (*Store)(nil)
)

type Option func(*Store)

// WithTTL sets the expiration for runs.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for runs.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
		ttl:    0, // No expiration by default
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Client exposes the underlying client so lockers and buses can share it.
func (s *Store) Client() *backend.Client {
	return s.client
}

// Open returns a handle sharing the store's connection pool.
func (s *Store) Open(ctx context.Context) (ports.RunHandle, error) {
	return ports.NewHandle(s), nil
}

func (s *Store) key(runID string) string {
	return s.prefix + runID
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

func (s *Store) score() float64 {
	if s.ttl == 0 {
		return farFuture
	}
	return float64(time.Now().Add(s.ttl).Unix())
}

// Create writes the full run record.
func (s *Store) Create(ctx context.Context, run *domain.Run) error {
	state, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	history, err := json.Marshal(run.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	key := s.key(run.ID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		fieldGraphID, run.GraphID,
		fieldStatus, string(run.Status),
		fieldState, state,
		fieldHistory, history,
		fieldError, run.Error,
		fieldCreatedAt, run.CreatedAt.Format(time.RFC3339Nano),
		fieldUpdatedAt, run.UpdatedAt.Format(time.RFC3339Nano),
	)
	s.touch(ctx, pipe, run.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create run in redis: %w", err)
	}
	return nil
}

// Save writes only the fields set in patch. A missing run is created
// with the pending defaults.
func (s *Store) Save(ctx context.Context, runID string, patch domain.RunPatch) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	values := []any{fieldUpdatedAt, now}

	if patch.Status != nil {
		values = append(values, fieldStatus, string(*patch.Status))
	}
	if patch.State != nil {
		data, err := json.Marshal(patch.State)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		values = append(values, fieldState, data)
	}
	if patch.History != nil {
		data, err := json.Marshal(patch.History)
		if err != nil {
			return fmt.Errorf("failed to marshal history: %w", err)
		}
		values = append(values, fieldHistory, data)
	}
	if patch.Error != nil {
		values = append(values, fieldError, *patch.Error)
	}

	key := s.key(runID)
	pipe := s.client.TxPipeline()
	// Defaults for an upserted record; no-ops when the run exists.
	pipe.HSetNX(ctx, key, fieldStatus, string(domain.StatusPending))
	pipe.HSetNX(ctx, key, fieldState, "{}")
	pipe.HSetNX(ctx, key, fieldHistory, "[]")
	pipe.HSetNX(ctx, key, fieldCreatedAt, now)
	pipe.HSet(ctx, key, values...)
	s.touch(ctx, pipe, runID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// touch refreshes the key TTL and the index score.
func (s *Store) touch(ctx context.Context, pipe backend.Pipeliner, runID string) {
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(runID), s.ttl)
	}
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  s.score(),
		Member: runID,
	})
}

// Load retrieves the run from Redis.
func (s *Store) Load(ctx context.Context, runID string) (*domain.Run, error) {
	fields, err := s.client.HGetAll(ctx, s.key(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrRunNotFound
	}
	return decodeRun(runID, fields)
}

func decodeRun(runID string, fields map[string]string) (*domain.Run, error) {
	run := &domain.Run{
		ID:      runID,
		GraphID: fields[fieldGraphID],
		Status:  domain.RunStatus(fields[fieldStatus]),
		Error:   fields[fieldError],
		State:   domain.State{},
		History: []domain.StepRecord{},
	}

	if raw := fields[fieldState]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &run.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		if run.State == nil {
			run.State = domain.State{}
		}
	}
	if raw := fields[fieldHistory]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &run.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
		if run.History == nil {
			run.History = []domain.StepRecord{}
		}
	}

	var err error
	if run.CreatedAt, err = parseTime(fields[fieldCreatedAt]); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(fields[fieldUpdatedAt]); err != nil {
		return nil, err
	}
	return run, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	return t, nil
}

// Delete removes the run.
func (s *Store) Delete(ctx context.Context, runID string) error {
	pipe := s.client.Pipeline()

	pipe.Del(ctx, s.key(runID))
	pipe.ZRem(ctx, s.indexKey(), runID)

	_, err := pipe.Exec(ctx)
	return err
}

// List returns live run IDs from the index, pruning expired entries first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	now := float64(time.Now().Unix())

	err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired runs: %w", err)
	}

	runs, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, backend.ErrClosed) {
		return err
	}
	return nil
}
