package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/autoshare/internal/history"
	"github.com/ent0n29/autoshare/internal/tasks"
)

type storeScheduler struct {
	store *tasks.Store
}

func (s storeScheduler) Start(task tasks.Task) (tasks.Task, error) {
	return s.store.Create(task)
}

func (s storeScheduler) Cancel(processID string) (tasks.Task, bool) {
	return s.store.Remove(processID)
}

type fakeExchanger struct {
	token string
	err   error
	got   string
}

func (f *fakeExchanger) CanExchange() bool { return true }

func (f *fakeExchanger) Exchange(_ context.Context, cookie string) (string, error) {
	f.got = cookie
	return f.token, f.err
}

type presenceSet map[string]bool

func (p presenceSet) IsConnected(clientID string) bool { return p[clientID] }

type sentEvent struct {
	kind      string
	message   string
	details   string
	isError   bool
	processID string
}

type eventLog struct {
	mu     sync.Mutex
	events []sentEvent
}

func (e *eventLog) Log(_, processID, message string, isError bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, sentEvent{kind: "log", message: message, isError: isError, processID: processID})
}

func (e *eventLog) Failure(_, message, details string, _ bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, sentEvent{kind: "failure", message: message, details: details})
}

func (e *eventLog) Ack(_, action string, success bool, message, processID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, sentEvent{kind: "ack:" + action, message: message, processID: processID})
}

func (e *eventLog) find(kind string) (sentEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.kind == kind {
			return ev, true
		}
	}
	return sentEvent{}, false
}

func (e *eventLog) lastLog() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].kind == "log" {
			return e.events[i].message
		}
	}
	return ""
}

const (
	testSecret = "s3cret"
	testOrigin = "https://ui.example.test"
)

var codec = ClientIDCodec{PrefixA: "aa", PrefixB: "bb", Suffix: "zz"}

type fixture struct {
	svc    *Service
	store  *tasks.Store
	events *eventLog
	runs   *history.InMemoryStore
}

func newFixture(t *testing.T, exchanger Exchanger) *fixture {
	t.Helper()
	f := &fixture{
		store:  tasks.NewStore(100),
		events: &eventLog{},
		runs:   history.NewInMemoryStore(10),
	}
	f.svc = New(Config{
		Secret:         testSecret,
		AllowedOrigins: []string{testOrigin, "http://localhost:5173"},
		ClientIDs:      codec,
		TokenPrefixes:  []string{"TOK"},
		MinInterval:    time.Second,
		RestartDelay:   10 * time.Millisecond,
	}, Deps{
		Store:     f.store,
		Scheduler: storeScheduler{store: f.store},
		Exchanger: exchanger,
		Presence:  presenceSet{"client-1": true, "client-2": true},
		Events:    f.events,
		History:   f.runs,
	}, zerolog.Nop())
	t.Cleanup(f.svc.Close)
	return f
}

func validRequest() StartRequest {
	return StartRequest{
		Origin:       testOrigin,
		ClientIDX:    codec.Encode("client-1"),
		Secret:       testSecret,
		Credential:   "TOKabc123",
		ShareURL:     "https://example.test/post/1",
		ShareCount:   "3",
		TimeInterval: "1000",
	}
}

func wantKind(t *testing.T, err error, kind Kind, msg string) *Error {
	t.Helper()
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if cerr.Kind != kind || cerr.Message != msg {
		t.Fatalf("error = %+v, want %s %q", cerr, kind, msg)
	}
	return cerr
}

func TestClientIDCodecRoundTrip(t *testing.T) {
	x := codec.Encode("abc-def_1")
	if x != "aa-bb-abc-def_1-zz" {
		t.Fatalf("Encode() = %q", x)
	}
	id, ok := codec.Decode(x)
	if !ok || id != "abc-def_1" {
		t.Fatalf("Decode() = %q,%v", id, ok)
	}
	for _, bad := range []string{"", "aa-bb-zz", "xx-bb-id-zz", "aa-xx-id-zz", "aa-bb-id-xx", "aa-bb- -zz"} {
		if _, ok := codec.Decode(bad); ok {
			t.Fatalf("Decode(%q) ok, want rejection", bad)
		}
	}
}

func TestStartCreatesTask(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.svc.Start(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	task, ok := f.store.Get(id)
	if !ok {
		t.Fatalf("task %q not stored", id)
	}
	if task.ClientID != "client-1" || task.TargetCount != 3 || task.Interval != time.Second {
		t.Fatalf("task = %+v", task)
	}
	if task.Credential.Token != "TOKabc123" || task.Params.Credential != "TOKabc123" {
		t.Fatalf("credential not carried: %+v", task.Credential)
	}
	if got := f.events.lastLog(); got != "USING ACCESS TOKEN" {
		t.Fatalf("last log = %q", got)
	}
}

func TestStartKeepsCallerProcessID(t *testing.T) {
	f := newFixture(t, nil)
	req := validRequest()
	req.ProcessID = "proc-fixed"
	id, err := f.svc.Start(context.Background(), req)
	if err != nil || id != "proc-fixed" {
		t.Fatalf("Start() = %q,%v want proc-fixed", id, err)
	}
}

func TestStartJSONCookie(t *testing.T) {
	f := newFixture(t, nil)
	req := validRequest()
	req.Credential = `[{"key":"c_user","value":"123"}]`
	id, err := f.svc.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	task, _ := f.store.Get(id)
	if task.Credential.Cookie != "c_user=123" || task.Credential.Token != "" {
		t.Fatalf("credential = %+v", task.Credential)
	}
	if got := f.events.lastLog(); got != "USING JSON COOKIE" {
		t.Fatalf("last log = %q", got)
	}
}

func TestStartExchangesCookie(t *testing.T) {
	ex := &fakeExchanger{token: "tok-from-cookie"}
	f := newFixture(t, ex)
	req := validRequest()
	req.Credential = "sid=abcdef; c_user=42"
	id, err := f.svc.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	task, _ := f.store.Get(id)
	if ex.got != "sid=abcdef; c_user=42" || task.Credential.Token != "tok-from-cookie" {
		t.Fatalf("exchange got %q, credential %+v", ex.got, task.Credential)
	}
}

func TestStartExchangeFailureIsRedacted(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("upstream rejected sid=abcdef123")}
	f := newFixture(t, ex)
	req := validRequest()
	req.Credential = "sid=abcdef123"
	_, err := f.svc.Start(context.Background(), req)
	wantKind(t, err, KindValidation, "Failed to obtain access token.")
	if got := f.events.lastLog(); strings.Contains(got, "abcdef123") || !strings.HasPrefix(got, "ERROR GENERATING TOKEN: ") {
		t.Fatalf("last log = %q", got)
	}
	if f.store.Count() != 0 {
		t.Fatalf("task created after failed exchange")
	}
}

func TestStartValidationOrder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*StartRequest)
		kind   Kind
		msg    string
	}{
		{"origin", func(r *StartRequest) { r.Origin = "https://evil.test"; r.Secret = "" }, KindValidation, "Unauthorized origin"},
		{"client id", func(r *StartRequest) { r.ClientIDX = "aa-bb-client-1-yy"; r.Secret = "" }, KindValidation, "Invalid client ID."},
		{"offline client", func(r *StartRequest) { r.ClientIDX = codec.Encode("ghost") }, KindValidation, "Invalid client ID."},
		{"secret", func(r *StartRequest) { r.Secret = "nope"; r.Credential = "" }, KindAuthorization, "Unauthorized"},
		{"credential", func(r *StartRequest) { r.Credential = "  "; r.ShareURL = "" }, KindValidation, "Authentication data is required."},
		{"url empty", func(r *StartRequest) { r.ShareURL = ""; r.ShareCount = "0" }, KindValidation, "Share URL is required."},
		{"url scheme", func(r *StartRequest) { r.ShareURL = "ftp://example.test" }, KindValidation, "Invalid Share URL format."},
		{"count zero", func(r *StartRequest) { r.ShareCount = "0"; r.TimeInterval = "5" }, KindValidation, "Invalid share count."},
		{"count text", func(r *StartRequest) { r.ShareCount = "many" }, KindValidation, "Invalid share count."},
		{"interval", func(r *StartRequest) { r.TimeInterval = "999" }, KindValidation, "Invalid time interval (must be >= 1000 ms)."},
		{"cookie json", func(r *StartRequest) { r.Credential = `{"key":"a"}` }, KindValidation, "Invalid cookie format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := validRequest()
			tc.mutate(&req)
			_, err := f.svc.Start(context.Background(), req)
			wantKind(t, err, tc.kind, tc.msg)
			if f.store.Count() != 0 {
				t.Fatalf("task created on rejected start")
			}
		})
	}
}

func TestStartRejectsSecondProcessForClient(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.svc.Start(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	req := validRequest()
	req.Secret = "wrong"
	_, err = f.svc.Start(context.Background(), req)
	cerr := wantKind(t, err, KindValidation, "A process is already running for this client.")
	if cerr.ProcessID != first {
		t.Fatalf("ProcessID = %q, want %q", cerr.ProcessID, first)
	}
}

func TestControlChecksSecretExistenceOwnership(t *testing.T) {
	f := newFixture(t, nil)
	id, _ := f.svc.Start(context.Background(), validRequest())

	_, err := f.svc.Control(ControlRequest{Action: "pause", ProcessID: id, Secret: "x", ClientID: "client-1"})
	wantKind(t, err, KindAuthorization, "Unauthorized")
	_, err = f.svc.Control(ControlRequest{Action: "pause", ProcessID: "missing", Secret: testSecret, ClientID: "client-1"})
	wantKind(t, err, KindNotFound, "Process not found")
	_, err = f.svc.Control(ControlRequest{Action: "pause", ProcessID: id, Secret: testSecret, ClientID: "client-2"})
	wantKind(t, err, KindForbidden, "Forbidden")
	_, err = f.svc.Control(ControlRequest{Action: "jump", ProcessID: id, Secret: testSecret, ClientID: "client-1"})
	wantKind(t, err, KindValidation, "Invalid action")
}

func TestControlPauseResumeStop(t *testing.T) {
	f := newFixture(t, nil)
	id, _ := f.svc.Start(context.Background(), validRequest())
	req := ControlRequest{ProcessID: id, Secret: testSecret, ClientID: "client-1"}

	req.Action = "pause"
	if _, err := f.svc.Control(req); err != nil {
		t.Fatalf("pause error = %v", err)
	}
	if task, _ := f.store.Get(id); !task.IsPaused {
		t.Fatalf("task not paused")
	}
	if ack, ok := f.events.find("ack:pause"); !ok || ack.message != "Process paused successfully" {
		t.Fatalf("pause ack = %+v,%v", ack, ok)
	}

	req.Action = "resume"
	if _, err := f.svc.Control(req); err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if task, _ := f.store.Get(id); task.IsPaused {
		t.Fatalf("task still paused")
	}

	req.Action = "stop"
	if _, err := f.svc.Control(req); err != nil {
		t.Fatalf("stop error = %v", err)
	}
	if _, ok, _ := f.svc.CheckExisting(testSecret, "client-1"); ok {
		t.Fatalf("CheckExisting() found a stopped task")
	}
	if _, ok := f.events.find("ack:stop"); !ok {
		t.Fatalf("stop not acknowledged")
	}
}

func TestControlRestartStartsNewProcess(t *testing.T) {
	f := newFixture(t, nil)
	oldID, _ := f.svc.Start(context.Background(), validRequest())

	msg, err := f.svc.Control(ControlRequest{Action: "restart", ProcessID: oldID, Secret: testSecret, ClientID: "client-1"})
	if err != nil || msg != "Process restart initiated" {
		t.Fatalf("restart = %q,%v", msg, err)
	}

	var ack sentEvent
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		if ack, ok = f.events.find("ack:restart"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if ack.processID == "" || ack.processID == oldID {
		t.Fatalf("restart ack = %+v", ack)
	}
	if ack.message != "Process restarted with ID: "+ack.processID {
		t.Fatalf("restart message = %q", ack.message)
	}
	task, ok, err := f.svc.CheckExisting(testSecret, "client-1")
	if err != nil || !ok || task.ProcessID != ack.processID {
		t.Fatalf("CheckExisting() = %+v,%v,%v", task, ok, err)
	}
	if task.Params.ShareCount != 3 || task.Params.IntervalMS != 1000 || task.Params.Credential != "TOKabc123" {
		t.Fatalf("restarted params = %+v", task.Params)
	}
}

func TestCheckExistingRequiresSecret(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.svc.CheckExisting("bad", "client-1")
	wantKind(t, err, KindAuthorization, "Unauthorized")
	if _, ok, err := f.svc.CheckExisting(testSecret, "client-1"); err != nil || ok {
		t.Fatalf("CheckExisting() = %v,%v want none", ok, err)
	}
}

func TestHistoryListsRuns(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.runs.Record(context.Background(), history.Run{ProcessID: "p1", ClientID: "client-1", Outcome: history.OutcomeCompleted})

	runs, err := f.svc.History(context.Background(), testSecret, "client-1", 5)
	if err != nil || len(runs) != 1 || runs[0].ProcessID != "p1" {
		t.Fatalf("History() = %+v,%v", runs, err)
	}
	_, err = f.svc.History(context.Background(), "bad", "client-1", 5)
	wantKind(t, err, KindAuthorization, "Unauthorized")
}

func TestParseCount(t *testing.T) {
	cases := map[string]struct {
		n  int
		ok bool
	}{
		"12":    {12, true},
		" 7 ":   {7, true},
		"12.9":  {12, true},
		"-3":    {-3, true},
		"":      {0, false},
		"abc":   {0, false},
		"1e400": {0, false},
		"1e3":   {0, false},
		"2E2":   {0, false},
		"0x10":  {0, false},
		"0x1p4": {0, false},
	}
	for raw, want := range cases {
		n, ok := parseCount(raw)
		if n != want.n || ok != want.ok {
			t.Fatalf("parseCount(%q) = %d,%v want %d,%v", raw, n, ok, want.n, want.ok)
		}
	}
}

func TestKindStatus(t *testing.T) {
	if KindValidation.Status() != 400 || KindAuthorization.Status() != 401 || KindForbidden.Status() != 403 || KindNotFound.Status() != 404 {
		t.Fatalf("unexpected status mapping")
	}
}
