package scheduler

import (
	"errors"
	"time"

	"mailsync/internal/pipeline"
	"mailsync/internal/token"
)

// State is how far an account task got.
type State string

const (
	StateIdle           State = "IDLE"
	StateLockAcquired   State = "LOCK_ACQUIRED"
	StateTokenValid     State = "TOKEN_VALID"
	StateFetched        State = "FETCHED"
	StateBatchDone      State = "BATCH_DONE"
	StateCursorAdvanced State = "CURSOR_ADVANCED"
)

type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeLocked     Outcome = "locked"
	OutcomeInactive   Outcome = "inactive"
	OutcomeAuthFailed Outcome = "auth_failed"
	OutcomeFailed     Outcome = "failed"
	OutcomePanic      Outcome = "panic"
)

const (
	TriggerInterval     = "interval"
	TriggerSignal       = "signal"
	TriggerOwnerRequest = "owner"
)

type AccountReport struct {
	AccountID string
	State     State
	Outcome   Outcome
	Result    pipeline.Result
	Err       error
}

// CycleReport covers the accounts that finished before the wait ended;
// Dispatched may exceed len(Accounts) when TimedOut is set.
type CycleReport struct {
	CycleID    string
	Trigger    string
	Dispatched int
	Accounts   []AccountReport
	TimedOut   bool
	Duration   time.Duration
	Err        error
}

// Failed counts accounts whose task ended in an error or panic.
func (r CycleReport) Failed() int {
	n := 0
	for _, a := range r.Accounts {
		switch a.Outcome {
		case OutcomeFailed, OutcomeAuthFailed, OutcomePanic:
			n++
		}
	}
	return n
}

func authOutcome(err error) Outcome {
	if errors.Is(err, token.ErrReauthRequired) || errors.Is(err, token.ErrRefreshFailed) {
		return OutcomeAuthFailed
	}
	return OutcomeFailed
}
