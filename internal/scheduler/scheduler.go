package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/autoshare/internal/history"
	"github.com/ent0n29/autoshare/internal/observability"
	"github.com/ent0n29/autoshare/internal/policy"
	"github.com/ent0n29/autoshare/internal/reliability"
	"github.com/ent0n29/autoshare/internal/tasks"
	"github.com/ent0n29/autoshare/internal/upstream"
)

// Sharer performs one unit of work.
type Sharer interface {
	Share(ctx context.Context, cred upstream.Credential, link string) (string, error)
}

// Presence reports whether a client still holds a live connection.
type Presence interface {
	IsConnected(clientID string) bool
}

// Events receives everything a client should see about its task.
type Events interface {
	Log(clientID, processID, message string, isError bool)
	Success(clientID, message, details string)
	Failure(clientID, message, details string, final bool)
}

type Config struct {
	ErrorThreshold int
	DeadlineGrace  time.Duration
	HistoryTimeout time.Duration
}

type Deps struct {
	Store    *tasks.Store
	Sharer   Sharer
	Presence Presence
	Events   Events
	History  history.Store
	Metrics  *observability.Metrics
}

const (
	msgBonusShare  = "Additional 1 shared (special)."
	msgExhausted   = "Failed to share post after multiple attempts."
	msgTimedOut    = "Sharing process timed out or encountered issues."
	msgInterrupted = "Sharing process was interrupted."
)

// Scheduler drives each live task: one goroutine runs its ticks, another
// waits on its absolute deadline.
type Scheduler struct {
	cfg      Config
	store    *tasks.Store
	sharer   Sharer
	presence Presence
	events   Events
	runs     history.Store
	metrics  *observability.Metrics
	logger   zerolog.Logger

	// ctx bounds in-flight upstream calls; cancelled on Shutdown only.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add in Start against wg.Wait in Shutdown.
	mu     sync.Mutex
	closed bool
}

// ErrClosed is returned by Start once Shutdown has begun.
var ErrClosed = errors.New("scheduler is shut down")

func New(cfg Config, deps Deps, logger zerolog.Logger) *Scheduler {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if cfg.DeadlineGrace < 0 {
		cfg.DeadlineGrace = 0
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		sharer:   deps.Sharer,
		presence: deps.Presence,
		events:   deps.Events,
		runs:     deps.History,
		metrics:  deps.Metrics,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers task and schedules its first unit of work immediately.
// Store errors (duplicate process, busy client) are returned unchanged.
func (s *Scheduler) Start(task tasks.Task) (tasks.Task, error) {
	if task.TargetCount <= 0 {
		return tasks.Task{}, errors.New("target count must be positive")
	}
	if task.Interval <= 0 {
		return tasks.Task{}, errors.New("interval must be positive")
	}
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tasks.Task{}, ErrClosed
	}

	loopCtx, stop := context.WithCancel(s.ctx)
	task.Cleanup = stop
	created, err := s.store.Create(task)
	if err != nil {
		stop()
		return tasks.Task{}, err
	}

	s.metrics.ObserveTaskEvent("started")
	s.logger.Info().
		Str("process_id", created.ProcessID).
		Str("client_id", created.ClientID).
		Int("target", created.TargetCount).
		Dur("interval", created.Interval).
		Msg("task started")

	s.wg.Add(2)
	go s.run(loopCtx, created)
	go s.watchDeadline(loopCtx, created)
	return created, nil
}

// Cancel removes a task and stops its timers. Idempotent.
func (s *Scheduler) Cancel(processID string) (tasks.Task, bool) {
	removed, ok := s.store.Remove(processID)
	if !ok {
		return tasks.Task{}, false
	}
	s.finished(removed, history.OutcomeStopped, "")
	return removed, true
}

// Shutdown cancels every live task and in-flight call, then waits for the
// task goroutines until ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, t := range s.store.List() {
		s.store.Remove(t.ProcessID)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, task tasks.Task) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("process_id", task.ProcessID).
				Interface("panic", r).
				Msg("task loop panicked")
			s.store.Remove(task.ProcessID)
		}
	}()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	if !s.tick(ctx, task.ProcessID) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(ctx, task.ProcessID) {
				return
			}
			// Drop a tick that came due while the call was in flight.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// tick attempts at most one unit of work and reports whether the task
// should keep ticking.
func (s *Scheduler) tick(ctx context.Context, processID string) bool {
	if ctx.Err() != nil {
		return false
	}
	task, ok := s.store.Get(processID)
	if !ok {
		return false
	}
	if task.IsPaused {
		return true
	}
	if task.SharedCount >= task.TargetCount || task.Responded || !s.presence.IsConnected(task.ClientID) {
		s.abandon(task)
		return false
	}

	started := time.Now()
	postID, err := s.sharer.Share(s.ctx, task.Credential, task.ShareURL)
	s.metrics.ObserveUpstreamCall(reliability.CallOutcome(err), time.Since(started))
	if err != nil {
		s.onFailure(task, err)
	} else {
		s.onSuccess(task, postID)
	}

	_, ok = s.store.Get(processID)
	return ok
}

func (s *Scheduler) onSuccess(task tasks.Task, postID string) {
	updated, err := s.store.Update(task.ProcessID, func(t *tasks.Task) {
		t.SharedCount++
		t.PostIDs = append(t.PostIDs, postID)
	})
	if errors.Is(err, tasks.ErrTaskNotFound) {
		// The deadline or a stop won the race against this call. Only a
		// share past the target counts as a bonus.
		n := task.SharedCount + 1
		if n > task.TargetCount {
			s.metrics.ObserveTaskEvent("bonus")
			s.events.Log(task.ClientID, "", msgBonusShare, false)
		} else {
			s.events.Log(task.ClientID, "",
				fmt.Sprintf("Shared (%d/%d) successfully", n, task.TargetCount), false)
		}
		return
	}

	if updated.SharedCount > updated.TargetCount {
		s.metrics.ObserveTaskEvent("bonus")
		s.events.Log(task.ClientID, task.ProcessID, msgBonusShare, false)
	} else {
		s.events.Log(task.ClientID, task.ProcessID,
			fmt.Sprintf("Shared (%d/%d) successfully", updated.SharedCount, updated.TargetCount), false)
	}

	if updated.SharedCount < updated.TargetCount {
		return
	}
	final, ok := s.store.Finish(task.ProcessID)
	if !ok {
		return
	}
	s.events.Success(task.ClientID,
		fmt.Sprintf("Total successful shares : %d", final.SharedCount),
		fmt.Sprintf("%d shares injected", final.SharedCount))
	s.finished(final, history.OutcomeCompleted, "")
}

func (s *Scheduler) onFailure(task tasks.Task, callErr error) {
	detail := describe(callErr, task.Credential)
	updated, err := s.store.Update(task.ProcessID, func(t *tasks.Task) {
		t.ErrorCount++
	})
	if errors.Is(err, tasks.ErrTaskNotFound) {
		s.events.Log(task.ClientID, "",
			fmt.Sprintf("Error sharing post (%d): %s", task.ErrorCount+1, detail), true)
		return
	}

	s.logger.Warn().
		Str("process_id", task.ProcessID).
		Int("error_count", updated.ErrorCount).
		Str("error", detail).
		Msg("unit of work failed")
	s.events.Log(task.ClientID, task.ProcessID,
		fmt.Sprintf("Error sharing post (%d): %s", updated.ErrorCount, detail), true)

	if updated.ErrorCount < s.cfg.ErrorThreshold {
		return
	}
	final, ok := s.store.Finish(task.ProcessID)
	if !ok {
		return
	}
	s.events.Failure(task.ClientID, msgExhausted, detail, true)
	s.finished(final, history.OutcomeExhausted, detail)
}

// abandon tears down a task that can no longer make progress.
func (s *Scheduler) abandon(task tasks.Task) {
	final, ok := s.store.Finish(task.ProcessID)
	if !ok {
		return
	}
	connected := s.presence.IsConnected(task.ClientID)
	if connected && final.SharedCount < final.TargetCount {
		s.events.Failure(task.ClientID, msgInterrupted,
			fmt.Sprintf("Stopped after %d successful shares.", final.SharedCount), true)
	}
	detail := ""
	if !connected {
		detail = "client disconnected"
	}
	s.finished(final, history.OutcomeAbandoned, detail)
}

func (s *Scheduler) watchDeadline(ctx context.Context, task tasks.Task) {
	defer s.wg.Done()
	timer := time.NewTimer(task.Deadline(s.cfg.DeadlineGrace))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	final, ok := s.store.Finish(task.ProcessID)
	if !ok {
		return
	}
	detail := fmt.Sprintf("Reached timeout after %d successful shares.", final.SharedCount)
	s.events.Failure(task.ClientID, msgTimedOut, detail, true)
	s.finished(final, history.OutcomeTimedOut, detail)
}

func (s *Scheduler) finished(task tasks.Task, outcome history.Outcome, detail string) {
	s.metrics.ObserveTaskEvent(string(outcome))
	s.logger.Info().
		Str("process_id", task.ProcessID).
		Str("client_id", task.ClientID).
		Str("outcome", string(outcome)).
		Int("shared", task.SharedCount).
		Int("errors", task.ErrorCount).
		Msg("task finished")

	if s.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HistoryTimeout)
	defer cancel()
	err := s.runs.Record(ctx, history.Run{
		ProcessID:   task.ProcessID,
		ClientID:    task.ClientID,
		ShareURL:    task.ShareURL,
		TargetCount: task.TargetCount,
		SharedCount: task.SharedCount,
		ErrorCount:  task.ErrorCount,
		Outcome:     outcome,
		Detail:      detail,
		StartedAt:   task.StartedAt,
		EndedAt:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("process_id", task.ProcessID).Msg("record run failed")
	}
}

// describe extracts the client-facing failure text with credential
// material masked.
func describe(err error, cred upstream.Credential) string {
	msg := err.Error()
	var uerr *upstream.Error
	if errors.As(err, &uerr) && uerr.Message != "" {
		msg = uerr.Message
	}
	return policy.RedactCredentials(msg, cred.Secrets()...)
}
