package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(ClientPing); !ok {
		t.Fatalf("message type = %T, want ClientPing", msg)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsGarbage(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`not-json`)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want envelope error")
	}
}

func TestAckTypeFor(t *testing.T) {
	cases := map[string]MessageType{
		"pause":   TypeProcessPaused,
		"resume":  TypeProcessResumed,
		"stop":    TypeProcessStopped,
		"restart": TypeProcessRestarted,
	}
	for action, want := range cases {
		got, ok := AckTypeFor(action)
		if !ok || got != want {
			t.Fatalf("AckTypeFor(%q) = %q,%v want %q", action, got, ok, want)
		}
	}
	if _, ok := AckTypeFor("explode"); ok {
		t.Fatalf("AckTypeFor(explode) ok = true, want false")
	}
}
