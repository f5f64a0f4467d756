// Package sqlstore persists runs in a SQL database through gorm.
// SQLite (pure Go) and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/stepgraph/pkg/domain"
	"github.com/aretw0/stepgraph/pkg/ports"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// runRecord is the table row of a run. State and history are JSON text.
type runRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	GraphID   string `gorm:"size:128;index"`
	Status    string `gorm:"size:16;index"`
	State     string `gorm:"type:text"`
	History   string `gorm:"type:text"`
	Error     string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (runRecord) TableName() string { return "stepgraph_runs" }

// Open connects to the database behind driver and dsn.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLite allows a single writer; an in-memory database also lives
		// only as long as its connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store implements ports.RunStore on a gorm database.
type Store struct {
	db *gorm.DB
}

var (
	_ ports.RunStore    = (*Store)(nil)
	_ ports.StoreOpener = (*Store)(nil)
)

// New migrates the schema and returns a store.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&runRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Open returns a handle backed by a fresh gorm session.
func (s *Store) Open(ctx context.Context) (ports.RunHandle, error) {
	session := &Store{db: s.db.Session(&gorm.Session{NewDB: true})}
	return ports.NewHandle(session), nil
}

// Create inserts the run, replacing any previous record with the same ID.
func (s *Store) Create(ctx context.Context, run *domain.Run) error {
	rec, err := toRecord(run)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Save updates the columns set in patch, inserting a pending record first
// if the run does not exist yet.
func (s *Store) Save(ctx context.Context, runID string, patch domain.RunPatch) error {
	now := time.Now().UTC()
	updates := map[string]any{"updated_at": now}

	if patch.Status != nil {
		updates["status"] = string(*patch.Status)
	}
	if patch.State != nil {
		data, err := json.Marshal(patch.State)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		updates["state"] = string(data)
	}
	if patch.History != nil {
		data, err := json.Marshal(patch.History)
		if err != nil {
			return fmt.Errorf("failed to marshal history: %w", err)
		}
		updates["history"] = string(data)
	}
	if patch.Error != nil {
		updates["error"] = *patch.Error
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		placeholder := &runRecord{
			ID:        runID,
			Status:    string(domain.StatusPending),
			State:     "{}",
			History:   "[]",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(placeholder).Error; err != nil {
			return err
		}
		return tx.Model(&runRecord{}).Where("id = ?", runID).Updates(updates).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// Load retrieves the run.
func (s *Store) Load(ctx context.Context, runID string) (*domain.Run, error) {
	var rec runRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return fromRecord(&rec)
}

// List returns run IDs ordered by ID.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&runRecord{}).Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return ids, nil
}

// Delete removes the run.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if err := s.db.WithContext(ctx).Delete(&runRecord{}, "id = ?", runID).Error; err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(run *domain.Run) (*runRecord, error) {
	state, err := json.Marshal(run.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	history, err := json.Marshal(run.History)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	return &runRecord{
		ID:        run.ID,
		GraphID:   run.GraphID,
		Status:    string(run.Status),
		State:     string(state),
		History:   string(history),
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}, nil
}

func fromRecord(rec *runRecord) (*domain.Run, error) {
	run := &domain.Run{
		ID:        rec.ID,
		GraphID:   rec.GraphID,
		Status:    domain.RunStatus(rec.Status),
		Error:     rec.Error,
		State:     domain.State{},
		History:   []domain.StepRecord{},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.State != "" {
		if err := json.Unmarshal([]byte(rec.State), &run.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		if run.State == nil {
			run.State = domain.State{}
		}
	}
	if rec.History != "" {
		if err := json.Unmarshal([]byte(rec.History), &run.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
		if run.History == nil {
			run.History = []domain.StepRecord{}
		}
	}
	return run, nil
}
