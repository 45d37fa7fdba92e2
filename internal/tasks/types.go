package tasks

import (
	"math"
	"time"

	"github.com/ent0n29/autoshare/internal/upstream"
)

// Params is the immutable copy of a start request, kept for restart.
type Params struct {
	Credential  string    `json:"-"`
	ShareURL    string    `json:"shareUrl"`
	ShareCount  int       `json:"shareCount"`
	IntervalMS  int       `json:"timeInterval"`
	ClientID    string    `json:"clientId"`
	ProcessID   string    `json:"processId"`
	Origin      string    `json:"-"`
	RequestedAt time.Time `json:"requestedAt"`
}

type LogEntry struct {
	Message   string    `json:"message"`
	IsError   bool      `json:"isError"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is one scheduled run of repeated upstream calls for one client.
type Task struct {
	ProcessID   string        `json:"processId"`
	ClientID    string        `json:"clientId"`
	ShareURL    string        `json:"shareUrl"`
	TargetCount int           `json:"targetCount"`
	Interval    time.Duration `json:"-"`
	SharedCount int           `json:"sharedCount"`
	ErrorCount  int           `json:"errorCount"`
	IsPaused    bool          `json:"isPaused"`
	// Responded latches once a terminal outcome has been dispatched.
	Responded bool       `json:"-"`
	Params    Params     `json:"originalParams"`
	Logs      []LogEntry `json:"logs"`
	PostIDs   []string   `json:"-"`
	StartedAt time.Time  `json:"startedAt"`

	Credential upstream.Credential `json:"-"`
	// Cleanup cancels the task's timers. Invoked by the store on removal.
	Cleanup func() `json:"-"`
}

func (t Task) Clone() Task {
	out := t
	if t.Logs != nil {
		out.Logs = make([]LogEntry, len(t.Logs))
		copy(out.Logs, t.Logs)
	}
	if t.PostIDs != nil {
		out.PostIDs = make([]string, len(t.PostIDs))
		copy(out.PostIDs, t.PostIDs)
	}
	return out
}

// Deadline is the absolute fail-safe for the whole run. It saturates at
// the largest representable duration instead of wrapping.
func (t Task) Deadline(grace time.Duration) time.Duration {
	if grace < 0 {
		grace = 0
	}
	if t.TargetCount <= 0 || t.Interval <= 0 {
		return grace
	}
	if int64(t.TargetCount) > (math.MaxInt64-int64(grace))/int64(t.Interval) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(t.TargetCount)*t.Interval + grace
}
