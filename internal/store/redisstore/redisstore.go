// Package redisstore keeps job records in Redis hashes, one per job, in a
// layout any out-of-process worker can read and update directly:
//
//	job:<id>:meta    hash   job_id state created_at updated_at started_at
//	                        finished_at error wall_time_ms compute_time_ms spec_json
//	job:<id>:result  string JSON result summary
//	jobs:running     zset   member id, score started_at
//	jobs:count       int    number of created jobs
//
// Timestamps are unix seconds; an empty field means unset.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tilemath/internal/apperrors"
	"tilemath/internal/job"
)

const (
	runningKey   = "jobs:running"
	countKey     = "jobs:count"
	maxTxRetries = 16
)

func metaKey(id string) string   { return "job:" + id + ":meta" }
func resultKey(id string) string { return "job:" + id + ":result" }

// Store is a job.Store backed by Redis. The caller owns the client.
type Store struct {
	client redis.UniversalClient
	now    func() time.Time
}

// Make sure we conform to the job.Store interface
var _ job.Store = (*Store)(nil)

// New creates a store over client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, now: time.Now}
}

// Create writes a new QUEUED job.
func (s *Store) Create(ctx context.Context, spec job.Spec) (*job.Job, error) {
	j := job.New(spec, s.now())
	fields, err := encodeMeta(j)
	if err != nil {
		return nil, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey(j.ID), fields)
		pipe.Incr(ctx, countKey)
		return nil
	})
	if err != nil {
		return nil, apperrors.Internal("redis.createJob", err)
	}
	return j, nil
}

// Get reads the job and, when present, its result.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, apperrors.Internal("redis.getJob", err)
	}
	if len(vals) == 0 {
		return nil, apperrors.NotFound("job", id)
	}
	j, err := decodeMeta(id, vals)
	if err != nil {
		return nil, err
	}
	if j.State == job.StateDone {
		raw, err := s.client.Get(ctx, resultKey(id)).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return nil, apperrors.Internal("redis.getResult", err)
		default:
			var res job.ResultSummary
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return nil, apperrors.Internal("redis.decodeResult", err)
			}
			j.Result = &res
		}
	}
	return j, nil
}

// Transition applies a state change with optimistic locking on the meta hash.
func (s *Store) Transition(ctx context.Context, id string, to job.State, upd job.Update) (*job.Job, error) {
	key := metaKey(id)
	var out *job.Job

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return apperrors.NotFound("job", id)
		}
		j, err := decodeMeta(id, vals)
		if err != nil {
			return err
		}
		if err := job.Apply(j, to, upd, s.now()); err != nil {
			return err
		}
		fields, err := encodeMeta(j)
		if err != nil {
			return err
		}
		var resultJSON []byte
		if to == job.StateDone {
			if resultJSON, err = json.Marshal(j.Result); err != nil {
				return apperrors.Internal("redis.encodeResult", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			switch to {
			case job.StateRunning:
				pipe.ZAdd(ctx, runningKey, redis.Z{Score: job.UnixSeconds(*j.StartedAt), Member: id})
			case job.StateDone:
				pipe.Set(ctx, resultKey(id), resultJSON, 0)
				pipe.ZRem(ctx, runningKey, id)
			case job.StateFailed:
				pipe.ZRem(ctx, runningKey, id)
			}
			return nil
		})
		if err == nil {
			out = j
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var appErr *apperrors.Error
			if errors.As(err, &appErr) {
				return nil, err
			}
			return nil, apperrors.Internal("redis.transition", err)
		}
		return out, nil
	}
	return nil, apperrors.Internal("redis.transition", fmt.Errorf("job %s: too many concurrent updates", id))
}

// ListRunning returns RUNNING jobs started before the cutoff, oldest first.
func (s *Store) ListRunning(ctx context.Context, startedBefore time.Time) ([]job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, runningKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + formatFloat(job.UnixSeconds(startedBefore)),
	}).Result()
	if err != nil {
		return nil, apperrors.Internal("redis.listRunning", err)
	}
	out := make([]job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if j.State == job.StateRunning {
			out = append(out, *j)
		}
	}
	return out, nil
}

// Count returns the number of created jobs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.client.Get(ctx, countKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Internal("redis.count", err)
	}
	return n, nil
}

// Ping checks Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is closed by its owner.
func (s *Store) Close() error { return nil }

func encodeMeta(j *job.Job) (map[string]any, error) {
	spec, err := json.Marshal(j.Spec)
	if err != nil {
		return nil, apperrors.Internal("redis.encodeSpec", err)
	}
	return map[string]any{
		"job_id":          j.ID,
		"state":           string(j.State),
		"created_at":      formatFloat(job.UnixSeconds(j.CreatedAt)),
		"updated_at":      formatFloat(job.UnixSeconds(j.UpdatedAt)),
		"started_at":      formatTime(j.StartedAt),
		"finished_at":     formatTime(j.FinishedAt),
		"error":           j.Error,
		"wall_time_ms":    formatFloatPtr(j.WallTimeMs),
		"compute_time_ms": formatFloatPtr(j.ComputeTimeMs),
		"spec_json":       string(spec),
	}, nil
}

func decodeMeta(id string, vals map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:    id,
		State: job.State(vals["state"]),
		Error: vals["error"],
	}
	if !j.State.Valid() {
		return nil, apperrors.Internal("redis.decodeJob", fmt.Errorf("job %s has unknown state %q", id, vals["state"]))
	}
	if err := json.Unmarshal([]byte(vals["spec_json"]), &j.Spec); err != nil {
		return nil, apperrors.Internal("redis.decodeSpec", err)
	}

	created, err := parseFloatPtr(vals["created_at"])
	if err != nil || created == nil {
		return nil, apperrors.Internal("redis.decodeJob", fmt.Errorf("job %s: bad created_at %q", id, vals["created_at"]))
	}
	j.CreatedAt = job.FromUnixSeconds(*created)
	j.UpdatedAt = j.CreatedAt
	if updated, _ := parseFloatPtr(vals["updated_at"]); updated != nil {
		j.UpdatedAt = job.FromUnixSeconds(*updated)
	}
	if j.StartedAt, err = parseTime(vals["started_at"]); err != nil {
		return nil, apperrors.Internal("redis.decodeJob", err)
	}
	if j.FinishedAt, err = parseTime(vals["finished_at"]); err != nil {
		return nil, apperrors.Internal("redis.decodeJob", err)
	}
	if j.WallTimeMs, err = parseFloatPtr(vals["wall_time_ms"]); err != nil {
		return nil, apperrors.Internal("redis.decodeJob", err)
	}
	if j.ComputeTimeMs, err = parseFloatPtr(vals["compute_time_ms"]); err != nil {
		return nil, apperrors.Internal("redis.decodeJob", err)
	}
	return j, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatFloat(job.UnixSeconds(*t))
}

func parseFloatPtr(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return &v, nil
}

func parseTime(s string) (*time.Time, error) {
	v, err := parseFloatPtr(s)
	if err != nil || v == nil {
		return nil, err
	}
	t := job.FromUnixSeconds(*v)
	return &t, nil
}
