package history

import (
	"context"
	"time"
)

// Outcome names how a task ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeStopped   Outcome = "stopped"
	OutcomeAbandoned Outcome = "abandoned"
)

// Run is the record of one finished task.
type Run struct {
	ID          string    `json:"id"`
	ProcessID   string    `json:"processId"`
	ClientID    string    `json:"clientId"`
	ShareURL    string    `json:"shareUrl"`
	TargetCount int       `json:"targetCount"`
	SharedCount int       `json:"sharedCount"`
	ErrorCount  int       `json:"errorCount"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
}

type Store interface {
	Record(ctx context.Context, run Run) error
	// ListByClient returns the newest runs first.
	ListByClient(ctx context.Context, clientID string, limit int) ([]Run, error)
	Close() error
}
