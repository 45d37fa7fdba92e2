package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeBackendLog       MessageType = "backend-log"
	TypeSuccessShared    MessageType = "success-shared"
	TypeErrorShared      MessageType = "error-shared"
	TypeProcessPaused    MessageType = "process-paused"
	TypeProcessResumed   MessageType = "process-resumed"
	TypeProcessStopped   MessageType = "process-stopped"
	TypeProcessRestarted MessageType = "process-restarted"
	TypeLogHistory       MessageType = "log-history"

	TypeClientPing MessageType = "ping"
	TypePong       MessageType = "pong"
)

// ErrorPrefix is prepended to the message of error log lines.
const ErrorPrefix = "ERROR: "

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type BackendLog struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	IsError   bool        `json:"isError"`
	Timestamp time.Time   `json:"timestamp"`
}

type SuccessShared struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Details string      `json:"details"`
}

type ErrorShared struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Details string      `json:"details"`
	IsFinal bool        `json:"isFinal"`
}

// ControlAck acknowledges pause/resume/stop/restart. Type is
// "process-" + the past tense of the action.
type ControlAck struct {
	Type      MessageType `json:"type"`
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	ProcessID string      `json:"processId,omitempty"`
}

type LogLine struct {
	Message   string    `json:"message"`
	IsError   bool      `json:"isError"`
	Timestamp time.Time `json:"timestamp"`
}

type LogHistory struct {
	Type      MessageType `json:"type"`
	ProcessID string      `json:"processId"`
	IsPaused  bool        `json:"isPaused"`
	Logs      []LogLine   `json:"logs"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
}

type Pong struct {
	Type MessageType `json:"type"`
	At   time.Time   `json:"at"`
}

// AckTypeFor maps a control action to its acknowledgement type.
func AckTypeFor(action string) (MessageType, bool) {
	switch action {
	case "pause":
		return TypeProcessPaused, true
	case "resume":
		return TypeProcessResumed, true
	case "stop":
		return TypeProcessStopped, true
	case "restart":
		return TypeProcessRestarted, true
	default:
		return "", false
	}
}

// ParseClientMessage decodes an inbound websocket frame. Clients only
// listen on this channel, so ping is the sole accepted message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientPing:
		return ClientPing{Type: env.Type}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type of an outbound event.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case BackendLog:
		return m.Type, true
	case SuccessShared:
		return m.Type, true
	case ErrorShared:
		return m.Type, true
	case ControlAck:
		return m.Type, true
	case LogHistory:
		return m.Type, true
	case Pong:
		return m.Type, true
	default:
		return "", false
	}
}
