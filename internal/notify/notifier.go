package notify

import (
	"time"

	"github.com/ent0n29/autoshare/internal/protocol"
	"github.com/ent0n29/autoshare/internal/tasks"
)

// Sender delivers an event to one client, best effort.
type Sender interface {
	Send(clientID string, v any) bool
}

// LogSink keeps the replay window of a task's log lines.
type LogSink interface {
	AppendLog(processID string, entry tasks.LogEntry) bool
}

// Notifier formats task events and pushes them to the owning client.
type Notifier struct {
	clients Sender
	logs    LogSink
	now     func() time.Time
}

func New(clients Sender, logs LogSink) *Notifier {
	return &Notifier{
		clients: clients,
		logs:    logs,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Log pushes a backend-log line. When processID names a live task the line
// is also kept in its replay window, even if the client is offline.
func (n *Notifier) Log(clientID, processID, message string, isError bool) {
	if isError {
		message = protocol.ErrorPrefix + message
	}
	ts := n.now()
	if processID != "" && n.logs != nil {
		n.logs.AppendLog(processID, tasks.LogEntry{Message: message, IsError: isError, Timestamp: ts})
	}
	n.clients.Send(clientID, protocol.BackendLog{
		Type:      protocol.TypeBackendLog,
		Message:   message,
		IsError:   isError,
		Timestamp: ts,
	})
}

func (n *Notifier) Success(clientID, message, details string) {
	n.clients.Send(clientID, protocol.SuccessShared{
		Type:    protocol.TypeSuccessShared,
		Message: message,
		Details: details,
	})
}

// Failure pushes an error-shared event. final marks a terminal outcome.
func (n *Notifier) Failure(clientID, message, details string, final bool) {
	n.clients.Send(clientID, protocol.ErrorShared{
		Type:    protocol.TypeErrorShared,
		Message: message,
		Details: details,
		IsFinal: final,
	})
}

// Ack acknowledges a control action. Unknown actions are ignored.
func (n *Notifier) Ack(clientID, action string, success bool, message, processID string) {
	msgType, ok := protocol.AckTypeFor(action)
	if !ok {
		return
	}
	n.clients.Send(clientID, protocol.ControlAck{
		Type:      msgType,
		Success:   success,
		Message:   message,
		ProcessID: processID,
	})
}

// History replays a task's buffered log lines to a reconnecting client.
func (n *Notifier) History(clientID string, task tasks.Task) bool {
	lines := make([]protocol.LogLine, 0, len(task.Logs))
	for _, l := range task.Logs {
		lines = append(lines, protocol.LogLine{Message: l.Message, IsError: l.IsError, Timestamp: l.Timestamp})
	}
	return n.clients.Send(clientID, protocol.LogHistory{
		Type:      protocol.TypeLogHistory,
		ProcessID: task.ProcessID,
		IsPaused:  task.IsPaused,
		Logs:      lines,
	})
}
