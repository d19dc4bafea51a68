package job

import (
	"fmt"
	"time"

	"tilemath/internal/apperrors"
)

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateFailed},
	StateRunning: {StateDone, StateFailed},
}

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateDone, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Update carries the fields written alongside a transition.
type Update struct {
	Result        *ResultSummary // required for DONE
	Error         string         // required for FAILED
	WallTimeMs    *float64
	ComputeTimeMs *float64
}

// Apply performs a transition on j in place. It is the single implementation
// of the state machine shared by every store. On error j is left unchanged.
//
// Timestamps never move backwards: now is clamped to the previous update time.
func Apply(j *Job, to State, upd Update, now time.Time) error {
	if !j.State.CanTransition(to) {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("cannot transition from %s to %s", j.State, to))
	}
	switch to {
	case StateDone:
		if upd.Result == nil {
			return apperrors.Validation("result", "result is required to mark a job DONE")
		}
	case StateFailed:
		if upd.Error == "" {
			return apperrors.Validation("error", "error is required to mark a job FAILED")
		}
	}

	if now.Before(j.UpdatedAt) {
		now = j.UpdatedAt
	}
	j.State = to
	j.UpdatedAt = now

	switch to {
	case StateRunning:
		j.StartedAt = &now
	case StateDone:
		j.FinishedAt = &now
		j.Result = upd.Result.Clone()
		j.WallTimeMs = clonePtr(upd.WallTimeMs)
		j.ComputeTimeMs = clonePtr(upd.ComputeTimeMs)
	case StateFailed:
		j.FinishedAt = &now
		j.Error = upd.Error
		if upd.WallTimeMs != nil {
			j.WallTimeMs = clonePtr(upd.WallTimeMs)
		}
		if upd.ComputeTimeMs != nil {
			j.ComputeTimeMs = clonePtr(upd.ComputeTimeMs)
		}
	}
	return nil
}
