package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/autoshare/internal/history"
	"github.com/ent0n29/autoshare/internal/policy"
	"github.com/ent0n29/autoshare/internal/tasks"
	"github.com/ent0n29/autoshare/internal/upstream"
)

type Scheduler interface {
	Start(task tasks.Task) (tasks.Task, error)
	Cancel(processID string) (tasks.Task, bool)
}

// Exchanger trades a session cookie for an access token.
type Exchanger interface {
	CanExchange() bool
	Exchange(ctx context.Context, cookie string) (string, error)
}

type Presence interface {
	IsConnected(clientID string) bool
}

type Events interface {
	Log(clientID, processID, message string, isError bool)
	Failure(clientID, message, details string, final bool)
	Ack(clientID, action string, success bool, message, processID string)
}

type Config struct {
	Secret         string
	AllowedOrigins []string
	ClientIDs      ClientIDCodec
	TokenPrefixes  []string
	MinInterval    time.Duration
	RestartDelay   time.Duration
}

type Deps struct {
	Store     *tasks.Store
	Scheduler Scheduler
	Exchanger Exchanger
	Presence  Presence
	Events    Events
	History   history.Store
}

const cookieFormatHint = `Expected: [{"key":"...","value":"..."}] or "key=value; key2=value2"`

var shareURLPattern = regexp.MustCompile(`(?i)^https?://`)

// Service is the control surface: it validates start requests and applies
// pause, resume, stop and restart to live tasks.
type Service struct {
	cfg       Config
	store     *tasks.Store
	scheduler Scheduler
	exchanger Exchanger
	presence  Presence
	events    Events
	runs      history.Store
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps, logger zerolog.Logger) *Service {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		scheduler: deps.Scheduler,
		exchanger: deps.Exchanger,
		presence:  deps.Presence,
		events:    deps.Events,
		runs:      deps.History,
		logger:    logger.With().Str("component", "control").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// StartRequest carries a share request as received. ShareCount and
// TimeInterval stay textual so numbers and numeric strings are both
// accepted.
type StartRequest struct {
	Origin       string
	ClientIDX    string
	Secret       string
	Credential   string
	ShareURL     string
	ShareCount   string
	TimeInterval string
	ProcessID    string
}

func (s *Service) Start(ctx context.Context, req StartRequest) (string, error) {
	if !s.originAllowed(req.Origin) {
		return "", validation("Unauthorized origin")
	}

	clientID, ok := s.cfg.ClientIDs.Decode(req.ClientIDX)
	if !ok || !s.presence.IsConnected(clientID) {
		return "", validation("Invalid client ID.")
	}

	if existing, ok := s.store.FindByClient(clientID); ok {
		s.events.Log(clientID, "", "A process is already running for this client.", true)
		return "", &Error{
			Kind:      KindValidation,
			Message:   "A process is already running for this client.",
			ProcessID: existing.ProcessID,
		}
	}

	if !s.secretOK(req.Secret) {
		s.logger.Warn().Str("client_id", clientID).Msg("unauthorized start attempt")
		s.events.Log(clientID, "", "Unauthorized access attempt.", true)
		return "", errUnauthorized
	}

	if strings.TrimSpace(req.Credential) == "" {
		return "", s.reject(clientID, "Authentication data is required.")
	}
	shareURL := strings.TrimSpace(req.ShareURL)
	if shareURL == "" {
		return "", s.reject(clientID, "Share URL is required.")
	}
	if !shareURLPattern.MatchString(shareURL) {
		return "", s.reject(clientID, "Invalid Share URL format.")
	}
	count, ok := parseCount(req.ShareCount)
	if !ok || count <= 0 {
		return "", s.reject(clientID, "Invalid share count.")
	}
	minMS := int(s.cfg.MinInterval / time.Millisecond)
	intervalMS, ok := parseCount(req.TimeInterval)
	if !ok || intervalMS < minMS {
		return "", s.reject(clientID, fmt.Sprintf("Invalid time interval (must be >= %d ms).", minMS))
	}

	cred, form, err := upstream.ParseCredential(req.Credential, s.cfg.TokenPrefixes)
	if err != nil {
		s.events.Log(clientID, "", "INVALID COOKIE FORMAT: "+err.Error(), true)
		return "", &Error{Kind: KindValidation, Message: "Invalid cookie format", Details: cookieFormatHint}
	}
	switch form {
	case upstream.FormToken:
		s.events.Log(clientID, "", "USING ACCESS TOKEN", false)
	case upstream.FormJSONCookie:
		s.events.Log(clientID, "", "USING JSON COOKIE", false)
	default:
		s.events.Log(clientID, "", "USING RAW COOKIE", false)
	}

	if cred.Token == "" && s.exchanger != nil && s.exchanger.CanExchange() {
		token, err := s.exchanger.Exchange(ctx, cred.Cookie)
		if err != nil {
			detail := policy.RedactCredentials(err.Error(), cred.Secrets()...)
			s.logger.Warn().Str("client_id", clientID).Str("error", detail).Msg("credential exchange failed")
			s.events.Log(clientID, "", "ERROR GENERATING TOKEN: "+detail, true)
			return "", validation("Failed to obtain access token.")
		}
		cred = upstream.Credential{Token: token, Cookie: cred.Cookie}
	}

	processID := strings.TrimSpace(req.ProcessID)
	if processID == "" {
		processID = uuid.NewString()
	}
	now := time.Now().UTC()
	task := tasks.Task{
		ProcessID:   processID,
		ClientID:    clientID,
		ShareURL:    shareURL,
		TargetCount: count,
		Interval:    time.Duration(intervalMS) * time.Millisecond,
		StartedAt:   now,
		Credential:  cred,
		Params: tasks.Params{
			Credential:  req.Credential,
			ShareURL:    shareURL,
			ShareCount:  count,
			IntervalMS:  intervalMS,
			ClientID:    clientID,
			ProcessID:   processID,
			Origin:      req.Origin,
			RequestedAt: now,
		},
	}
	if _, err := s.scheduler.Start(task); err != nil {
		var busy *tasks.ClientBusyError
		switch {
		case errors.As(err, &busy):
			return "", &Error{
				Kind:      KindValidation,
				Message:   "A process is already running for this client.",
				ProcessID: busy.ProcessID,
			}
		case errors.Is(err, tasks.ErrDuplicateProcess):
			return "", validation("Process ID already in use.")
		default:
			return "", fmt.Errorf("start task: %w", err)
		}
	}
	return processID, nil
}

// ControlRequest addresses one live task.
type ControlRequest struct {
	Action    string
	ProcessID string
	Secret    string
	ClientID  string
}

// Control applies an action and returns the message for the HTTP reply.
// Restart only schedules the new start; its outcome reaches the client as
// an event.
func (s *Service) Control(req ControlRequest) (string, error) {
	if !s.secretOK(req.Secret) {
		return "", errUnauthorized
	}
	task, ok := s.store.Get(req.ProcessID)
	if !ok {
		return "", errNotFound
	}
	if task.ClientID != req.ClientID {
		return "", errForbidden
	}

	switch req.Action {
	case "pause", "resume":
		paused := req.Action == "pause"
		if _, err := s.store.Update(task.ProcessID, func(t *tasks.Task) { t.IsPaused = paused }); err != nil {
			return "", errNotFound
		}
		msg := "Process resumed successfully"
		if paused {
			msg = "Process paused successfully"
		}
		s.events.Ack(task.ClientID, req.Action, true, msg, "")
		return "", nil
	case "stop":
		s.scheduler.Cancel(task.ProcessID)
		s.events.Ack(task.ClientID, req.Action, true, "Process stopped successfully", "")
		return "", nil
	case "restart":
		if task.Params.ShareURL == "" || task.Params.Credential == "" {
			return "", validation("Original parameters not available for restart")
		}
		s.scheduler.Cancel(task.ProcessID)
		s.scheduleRestart(task, req.Secret)
		return "Process restart initiated", nil
	default:
		return "", validation("Invalid action")
	}
}

func (s *Service) scheduleRestart(old tasks.Task, secret string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.cfg.RestartDelay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		origin := ""
		if len(s.cfg.AllowedOrigins) > 0 {
			origin = s.cfg.AllowedOrigins[0]
		}
		newID := uuid.NewString()
		p := old.Params
		_, err := s.Start(s.ctx, StartRequest{
			Origin:       origin,
			ClientIDX:    s.cfg.ClientIDs.Encode(old.ClientID),
			Secret:       secret,
			Credential:   p.Credential,
			ShareURL:     p.ShareURL,
			ShareCount:   strconv.Itoa(p.ShareCount),
			TimeInterval: strconv.Itoa(p.IntervalMS),
			ProcessID:    newID,
		})
		if err != nil {
			var cerr *Error
			if errors.As(err, &cerr) {
				s.events.Failure(old.ClientID, fmt.Sprintf("Restart failed with status %d", cerr.Kind.Status()), cerr.Message, true)
			} else {
				s.events.Failure(old.ClientID, "Error during restart", err.Error(), true)
			}
			s.logger.Warn().Err(err).Str("process_id", old.ProcessID).Msg("restart failed")
			return
		}
		s.logger.Info().Str("process_id", old.ProcessID).Str("new_process_id", newID).Msg("task restarted")
		s.events.Ack(old.ClientID, "restart", true, "Process restarted with ID: "+newID, newID)
	}()
}

// CheckExisting returns the client's active task, if any.
func (s *Service) CheckExisting(secret, clientID string) (tasks.Task, bool, error) {
	if !s.secretOK(secret) {
		return tasks.Task{}, false, errUnauthorized
	}
	task, ok := s.store.FindByClient(clientID)
	return task, ok, nil
}

// History lists the client's most recent finished runs.
func (s *Service) History(ctx context.Context, secret, clientID string, limit int) ([]history.Run, error) {
	if !s.secretOK(secret) {
		return nil, errUnauthorized
	}
	if strings.TrimSpace(clientID) == "" {
		return nil, validation("Client ID is required.")
	}
	if s.runs == nil {
		return nil, nil
	}
	runs, err := s.runs.ListByClient(ctx, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Close cancels pending restarts and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) secretOK(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Secret)) == 1
}

func (s *Service) originAllowed(origin string) bool {
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func (s *Service) reject(clientID, msg string) *Error {
	s.events.Log(clientID, "", msg, true)
	return validation(msg)
}

// parseCount accepts an integer or a plain decimal; fractions are
// truncated. Exponent and hex forms are rejected.
func parseCount(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, n <= math.MaxInt32
	}
	if strings.ContainsAny(raw, "eExXpP") {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
