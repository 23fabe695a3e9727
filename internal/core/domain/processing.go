package domain

import (
	"fmt"
	"strings"
	"time"
)

type Stage string

const (
	StageExtraction     Stage = "extraction"
	StageClassification Stage = "classification"
	StageIndexing       Stage = "indexing"
)

// PipelineStages is the fixed execution order. No stage is skipped or reordered.
var PipelineStages = []Stage{StageExtraction, StageClassification, StageIndexing}

func ParseStage(raw string) (Stage, error) {
	for _, s := range PipelineStages {
		if string(s) == strings.TrimSpace(raw) {
			return s, nil
		}
	}
	return "", WrapError(ErrInvalidInput, "parse stage", fmt.Errorf("unknown stage %q", raw))
}

// Previous returns the stage that must have succeeded before s may start.
func (s Stage) Previous() (Stage, bool) {
	for i, st := range PipelineStages {
		if st == s && i > 0 {
			return PipelineStages[i-1], true
		}
	}
	return "", false
}

// Next returns the stage that runs after s.
func (s Stage) Next() (Stage, bool) {
	for i, st := range PipelineStages {
		if st == s && i+1 < len(PipelineStages) {
			return PipelineStages[i+1], true
		}
	}
	return "", false
}

func (s Stage) Final() bool {
	return s == PipelineStages[len(PipelineStages)-1]
}

type StageStatus string

const (
	StagePending         StageStatus = "pending"
	StageRunning         StageStatus = "running"
	StageSucceeded       StageStatus = "succeeded"
	StageFailedRetryable StageStatus = "failed_retryable"
	StageFailedTerminal  StageStatus = "failed_terminal"
)

// LeaseExpiredReason is recorded when a stage is failed because its last
// allowed run stopped renewing the lease.
const LeaseExpiredReason = "lease expired"

func (s StageStatus) Terminal() bool {
	return s == StageSucceeded || s == StageFailedTerminal
}

// StageKey identifies one unit of work.
type StageKey struct {
	VersionID string `json:"version_id"`
	Stage     Stage  `json:"stage"`
}

func (k StageKey) String() string {
	return k.VersionID + "/" + string(k.Stage)
}

// WorkItem is the queue payload.
type WorkItem = StageKey

// ProcessingState is owned by the orchestrator and only changes through the
// transition methods below.
type ProcessingState struct {
	VersionID      string      `json:"version_id"`
	Stage          Stage       `json:"stage"`
	Status         StageStatus `json:"status"`
	AttemptCount   int         `json:"attempt_count"`
	LastError      string      `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time  `json:"next_attempt_at,omitempty"`
	LeaseOwner     string      `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func NewProcessingState(versionID string, stage Stage, now time.Time) ProcessingState {
	return ProcessingState{
		VersionID: versionID,
		Stage:     stage,
		Status:    StagePending,
		UpdatedAt: now,
	}
}

func (s ProcessingState) Key() StageKey {
	return StageKey{VersionID: s.VersionID, Stage: s.Stage}
}

// LeaseExpired reports whether a running state's lease may be reclaimed.
func (s ProcessingState) LeaseExpired(now time.Time) bool {
	return s.Status == StageRunning && (s.LeaseExpiresAt == nil || !now.Before(*s.LeaseExpiresAt))
}

// Due reports whether the state can be started (or reclaimed) at now.
func (s ProcessingState) Due(now time.Time) bool {
	switch s.Status {
	case StagePending:
		return true
	case StageFailedRetryable:
		return s.NextAttemptAt == nil || !now.Before(*s.NextAttemptAt)
	case StageRunning:
		return s.LeaseExpired(now)
	default:
		return false
	}
}

// Start grants the lease to owner until `until`, counting one attempt.
// reclaimed is true when a stale running lease was taken over. A stale lease
// whose run used the last attempt is not regranted: the state goes
// FAILED_TERMINAL and the caller fails the version.
func (s ProcessingState) Start(owner string, policy RetryPolicy, now, until time.Time) (next ProcessingState, reclaimed bool, err error) {
	if strings.TrimSpace(owner) == "" {
		return s, false, WrapError(ErrInvalidInput, "start stage", fmt.Errorf("empty lease owner"))
	}
	switch {
	case s.Status == StageRunning && !s.LeaseExpired(now):
		return s, false, WrapError(ErrLeaseHeld, "start stage", fmt.Errorf("%s held by %s", s.Key(), s.LeaseOwner))
	case !s.Due(now):
		return s, false, WrapError(ErrStageNotRunnable, "start stage", fmt.Errorf("%s is %s", s.Key(), s.Status))
	}
	reclaimed = s.Status == StageRunning
	next = s
	if reclaimed && policy.Exhausted(s.AttemptCount) {
		next.Status = StageFailedTerminal
		next.LastError = LeaseExpiredReason
		next.LeaseOwner = ""
		next.LeaseExpiresAt = nil
		next.NextAttemptAt = nil
		next.UpdatedAt = now
		return next, true, nil
	}
	next.Status = StageRunning
	next.AttemptCount++
	next.LeaseOwner = owner
	next.LeaseExpiresAt = timePtr(until)
	next.NextAttemptAt = nil
	next.UpdatedAt = now
	return next, reclaimed, nil
}

// Renew extends a lease still owned by owner.
func (s ProcessingState) Renew(owner string, now, until time.Time) (ProcessingState, error) {
	if err := s.checkLease(owner, now, "renew lease"); err != nil {
		return s, err
	}
	next := s
	next.LeaseExpiresAt = timePtr(until)
	next.UpdatedAt = now
	return next, nil
}

// Succeed closes the run. The caller must still own the lease.
func (s ProcessingState) Succeed(owner string, now time.Time) (ProcessingState, error) {
	if err := s.checkLease(owner, now, "complete stage"); err != nil {
		return s, err
	}
	next := s
	next.Status = StageSucceeded
	next.LastError = ""
	next.LeaseOwner = ""
	next.LeaseExpiresAt = nil
	next.NextAttemptAt = nil
	next.UpdatedAt = now
	return next, nil
}

// Fail records a failed run. The state becomes terminal when the cause is not
// retryable or the attempt budget is spent; otherwise the next attempt is
// scheduled with the policy's backoff.
func (s ProcessingState) Fail(owner string, cause error, policy RetryPolicy, now time.Time) (ProcessingState, error) {
	if err := s.checkLease(owner, now, "fail stage"); err != nil {
		return s, err
	}
	next := s
	next.LastError = errorText(cause)
	next.LeaseOwner = ""
	next.LeaseExpiresAt = nil
	next.UpdatedAt = now
	if !IsRetryable(cause) || policy.Exhausted(s.AttemptCount) {
		next.Status = StageFailedTerminal
		next.NextAttemptAt = nil
		return next, nil
	}
	next.Status = StageFailedRetryable
	next.NextAttemptAt = timePtr(now.Add(policy.Backoff(s.AttemptCount)))
	return next, nil
}

// Abandon ends the stage of a version that was cancelled or deleted. Any
// non-terminal state may be abandoned except a live lease held by someone else.
func (s ProcessingState) Abandon(owner, reason string, now time.Time) (ProcessingState, error) {
	if s.Status.Terminal() {
		return s, WrapError(ErrStageNotRunnable, "abandon stage", fmt.Errorf("%s is %s", s.Key(), s.Status))
	}
	if s.Status == StageRunning && !s.LeaseExpired(now) && s.LeaseOwner != owner {
		return s, WrapError(ErrLeaseHeld, "abandon stage", fmt.Errorf("%s held by %s", s.Key(), s.LeaseOwner))
	}
	next := s
	next.Status = StageFailedTerminal
	next.LastError = reason
	next.LeaseOwner = ""
	next.LeaseExpiresAt = nil
	next.NextAttemptAt = nil
	next.UpdatedAt = now
	return next, nil
}

// checkLease fences every write of a running stage: a worker whose lease was
// reclaimed must not advance state.
func (s ProcessingState) checkLease(owner string, now time.Time, op string) error {
	if s.Status != StageRunning || s.LeaseOwner != owner {
		return WrapError(ErrLeaseExpired, op, fmt.Errorf("%s not leased by %s", s.Key(), owner))
	}
	if s.LeaseExpiresAt != nil && now.After(*s.LeaseExpiresAt) {
		return WrapError(ErrLeaseExpired, op, fmt.Errorf("%s lease ran out at %s", s.Key(), s.LeaseExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return msg
}

func timePtr(t time.Time) *time.Time { return &t }
