// Package gormstore keeps job records in a SQL table through gorm.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tilemath/internal/apperrors"
	"tilemath/internal/job"
)

const maxCASRetries = 16

// jobRow is the persisted form of a job. Version makes every update a
// compare-and-swap so concurrent transitions on one id serialize.
type jobRow struct {
	ID            string     `gorm:"primaryKey;size:32"`
	SpecJSON      string     `gorm:"column:spec_json;type:text;not null"`
	State         string     `gorm:"size:16;not null;index"`
	CreatedAt     time.Time  `gorm:"not null;autoCreateTime:false"`
	UpdatedAt     time.Time  `gorm:"not null;autoUpdateTime:false"`
	StartedAt     *time.Time `gorm:"index"`
	FinishedAt    *time.Time
	ResultJSON    *string `gorm:"column:result_json;type:text"`
	Error         string  `gorm:"type:text"`
	WallTimeMs    *float64
	ComputeTimeMs *float64
	Version       int64 `gorm:"not null;default:0"`
}

func (jobRow) TableName() string { return "jobs" }

// Store is a job.Store backed by a gorm database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Make sure we conform to the job.Store interface
var _ job.Store = (*Store)(nil)

// New creates a store over db. Call InitialMigration before use.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// InitialMigration creates or updates the jobs table.
func (s *Store) InitialMigration() error {
	return s.db.AutoMigrate(&jobRow{})
}

// Create inserts a new QUEUED job.
func (s *Store) Create(ctx context.Context, spec job.Spec) (*job.Job, error) {
	j := job.New(spec, s.now())
	row, err := toRow(j)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, apperrors.Internal("sql.createJob", err)
	}
	return j, nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// Transition applies a state change as a versioned update, retrying when
// another writer got there first.
func (s *Store) Transition(ctx context.Context, id string, to job.State, upd job.Update) (*job.Job, error) {
	for i := 0; i < maxCASRetries; i++ {
		row, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		j, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		if err := job.Apply(j, to, upd, s.now()); err != nil {
			return nil, err
		}
		next, err := toRow(j)
		if err != nil {
			return nil, err
		}

		res := s.db.WithContext(ctx).Model(&jobRow{}).
			Where("id = ? AND version = ?", id, row.Version).
			Updates(map[string]any{
				"state":           next.State,
				"updated_at":      next.UpdatedAt,
				"started_at":      next.StartedAt,
				"finished_at":     next.FinishedAt,
				"result_json":     next.ResultJSON,
				"error":           next.Error,
				"wall_time_ms":    next.WallTimeMs,
				"compute_time_ms": next.ComputeTimeMs,
				"version":         row.Version + 1,
			})
		if res.Error != nil {
			return nil, apperrors.Internal("sql.transition", res.Error)
		}
		if res.RowsAffected == 1 {
			return j, nil
		}
	}
	return nil, apperrors.Internal("sql.transition", fmt.Errorf("job %s: too many concurrent updates", id))
}

// ListRunning returns RUNNING jobs started before the cutoff, oldest first.
func (s *Store) ListRunning(ctx context.Context, startedBefore time.Time) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("state = ? AND started_at < ?", string(job.StateRunning), startedBefore).
		Order("started_at").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Internal("sql.listRunning", err)
	}
	out := make([]job.Job, 0, len(rows))
	for i := range rows {
		j, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}

// Count returns the number of stored jobs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Count(&n).Error; err != nil {
		return 0, apperrors.Internal("sql.count", err)
	}
	return n, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) load(ctx context.Context, id string) (*jobRow, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("sql.getJob", err)
	}
	return &row, nil
}

func toRow(j *job.Job) (*jobRow, error) {
	spec, err := json.Marshal(j.Spec)
	if err != nil {
		return nil, apperrors.Internal("sql.encodeSpec", err)
	}
	row := &jobRow{
		ID:            j.ID,
		SpecJSON:      string(spec),
		State:         string(j.State),
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
		Error:         j.Error,
		WallTimeMs:    j.WallTimeMs,
		ComputeTimeMs: j.ComputeTimeMs,
	}
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, apperrors.Internal("sql.encodeResult", err)
		}
		s := string(b)
		row.ResultJSON = &s
	}
	return row, nil
}

func fromRow(row *jobRow) (*job.Job, error) {
	j := &job.Job{
		ID:            row.ID,
		State:         job.State(row.State),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		StartedAt:     row.StartedAt,
		FinishedAt:    row.FinishedAt,
		Error:         row.Error,
		WallTimeMs:    row.WallTimeMs,
		ComputeTimeMs: row.ComputeTimeMs,
	}
	if err := json.Unmarshal([]byte(row.SpecJSON), &j.Spec); err != nil {
		return nil, apperrors.Internal("sql.decodeSpec", err)
	}
	if row.ResultJSON != nil {
		var res job.ResultSummary
		if err := json.Unmarshal([]byte(*row.ResultJSON), &res); err != nil {
			return nil, apperrors.Internal("sql.decodeResult", err)
		}
		j.Result = &res
	}
	return j, nil
}
