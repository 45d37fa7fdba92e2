package tasks

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrDuplicateProcess = errors.New("process id already active")
	ErrClientBusy       = errors.New("client already has an active process")
)

const defaultLogWindow = 100

// ClientBusyError carries the process id that blocks a new start.
type ClientBusyError struct {
	ProcessID string
}

func (e *ClientBusyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrClientBusy, e.ProcessID)
}

func (e *ClientBusyError) Unwrap() error { return ErrClientBusy }

// Store holds live tasks keyed by process id with a client index. All
// reads and writes serialize on one mutex.
type Store struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	byClient  map[string]string
	logWindow int
	onChange  func(active int)
}

func NewStore(logWindow int) *Store {
	if logWindow <= 0 {
		logWindow = defaultLogWindow
	}
	return &Store{
		tasks:     make(map[string]*Task),
		byClient:  make(map[string]string),
		logWindow: logWindow,
	}
}

// SetChangeHook is called with the active task count after create/remove.
func (s *Store) SetChangeHook(hook func(active int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = hook
}

func (s *Store) Create(task Task) (Task, error) {
	task.ProcessID = strings.TrimSpace(task.ProcessID)
	if task.ProcessID == "" {
		return Task{}, errors.New("process id is required")
	}

	s.mu.Lock()
	if _, ok := s.tasks[task.ProcessID]; ok {
		s.mu.Unlock()
		return Task{}, ErrDuplicateProcess
	}
	if existing, ok := s.byClient[task.ClientID]; ok && task.ClientID != "" {
		s.mu.Unlock()
		return Task{}, &ClientBusyError{ProcessID: existing}
	}
	stored := task.Clone()
	s.tasks[stored.ProcessID] = &stored
	if stored.ClientID != "" {
		s.byClient[stored.ClientID] = stored.ProcessID
	}
	out := stored.Clone()
	count := len(s.tasks)
	hook := s.onChange
	s.mu.Unlock()

	if hook != nil {
		hook(count)
	}
	return out, nil
}

func (s *Store) Get(processID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[processID]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

func (s *Store) FindByClient(clientID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClient[clientID]
	if !ok {
		return Task{}, false
	}
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// Update applies mutate to the stored task and returns the result.
func (s *Store) Update(processID string, mutate func(*Task)) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[processID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	mutate(t)
	return t.Clone(), nil
}

// Remove is idempotent. The second return reports whether an entry was
// removed by this call.
func (s *Store) Remove(processID string) (Task, bool) {
	s.mu.Lock()
	t, ok := s.removeLocked(processID)
	count := len(s.tasks)
	hook := s.onChange
	s.mu.Unlock()
	if !ok {
		return Task{}, false
	}
	if t.Cleanup != nil {
		t.Cleanup()
	}
	if hook != nil {
		hook(count)
	}
	return t.Clone(), true
}

// Finish latches Responded and removes the task in one step. Only the
// first caller for a live, unresponded task gets ok=true.
func (s *Store) Finish(processID string) (Task, bool) {
	s.mu.Lock()
	t, ok := s.tasks[processID]
	if !ok || t.Responded {
		s.mu.Unlock()
		return Task{}, false
	}
	t.Responded = true
	s.removeLocked(processID)
	count := len(s.tasks)
	hook := s.onChange
	s.mu.Unlock()

	if t.Cleanup != nil {
		t.Cleanup()
	}
	if hook != nil {
		hook(count)
	}
	return t.Clone(), true
}

// AppendLog records entry in the task's bounded replay window.
func (s *Store) AppendLog(processID string, entry LogEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[processID]
	if !ok {
		return false
	}
	t.Logs = append(t.Logs, entry)
	if over := len(t.Logs) - s.logWindow; over > 0 {
		t.Logs = append([]LogEntry(nil), t.Logs[over:]...)
	}
	return true
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// List returns a snapshot of every live task.
func (s *Store) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

func (s *Store) removeLocked(processID string) (*Task, bool) {
	t, ok := s.tasks[processID]
	if !ok {
		return nil, false
	}
	delete(s.tasks, processID)
	if cur, ok := s.byClient[t.ClientID]; ok && cur == processID {
		delete(s.byClient, t.ClientID)
	}
	return t, true
}
