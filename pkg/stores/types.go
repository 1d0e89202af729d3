package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/director/pkg/profile"
)

// ErrProfileNotFound is returned by Commit when the profile was never added.
var ErrProfileNotFound = errors.New("profile not found")

// Outcome is the final state of an execution.
type Outcome string

const (
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeFailed             Outcome = "failed"
	OutcomeRolledBack         Outcome = "rolled_back"
	OutcomeRollbackIncomplete Outcome = "rollback_incomplete"
	OutcomeRejected           Outcome = "rejected"
)

// ExecutionRecord is one entry of the execution journal.
type ExecutionRecord struct {
	SessionID          string        `json:"session_id"`
	ProfileID          string        `json:"profile_id"`
	PlanID             string        `json:"plan_id"`
	BaseTimestamp      int64         `json:"base_timestamp"`
	CommittedTimestamp *int64        `json:"committed_timestamp,omitempty"`
	Outcome            Outcome       `json:"outcome"`
	Message            string        `json:"message"`
	ActionsExecuted    int           `json:"actions_executed"`
	ActionsUndone      int           `json:"actions_undone"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
}

// Registry is a profile registry with an execution journal.
type Registry interface {
	AddProfile(ctx context.Context, id string, properties map[string]string) (*profile.Profile, error)
	GetProfile(ctx context.Context, id string) (*profile.Profile, error)
	GetProfileAt(ctx context.Context, id string, timestamp int64) (*profile.Profile, error)
	ListProfileTimestamps(ctx context.Context, id string) ([]int64, error)
	ListProfiles(ctx context.Context) ([]string, error)
	Commit(ctx context.Context, p *profile.Profile, base int64) (*profile.Profile, error)

	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
	ListExecutions(ctx context.Context, profileID string, limit int) ([]*ExecutionRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Clock returns the current time. Registries assign snapshot timestamps from
// it in milliseconds.
type Clock func() time.Time

// nextTimestamp returns the commit timestamp for a profile whose latest
// snapshot is at latest. Timestamps strictly increase even when the clock
// stalls or goes backwards.
func nextTimestamp(now time.Time, latest int64) int64 {
	ts := now.UnixMilli()
	if ts <= latest {
		ts = latest + 1
	}
	return ts
}
