package core

import (
	"context"
	"testing"
)

type mockSessions struct {
	history     []Message
	state       []byte
	version     int64
	storedState []byte
}

func (m *mockSessions) LoadHistory(context.Context, string) ([]Message, error) {
	return m.history, nil
}

func (m *mockSessions) LoadState(context.Context, string) ([]byte, int64, error) {
	return m.state, m.version, nil
}

func (m *mockSessions) StoreState(_ context.Context, _ string, blob []byte, _ int64) error {
	m.storedState = append([]byte(nil), blob...)
	return nil
}

func TestRunContext_SessionBoundAccess(t *testing.T) {
	sessions := &mockSessions{
		history: []Message{UserText("earlier")},
		state:   []byte(`{"n":1}`),
		version: 3,
	}
	run := NewRun("echo", "sess-1", []Message{UserText("hi")})
	rc := NewRunContext(run, nil, func(Message) error { return nil }, sessions, nil)

	history, err := rc.LoadHistory(context.Background())
	if err != nil || len(history) != 1 {
		t.Fatalf("LoadHistory failed: %v %v", history, err)
	}

	blob, version, err := rc.LoadState(context.Background())
	if err != nil || string(blob) != `{"n":1}` || version != 3 {
		t.Fatalf("LoadState failed: %s %d %v", blob, version, err)
	}

	if err := rc.StoreState(context.Background(), []byte(`{"n":2}`), version); err != nil {
		t.Fatalf("StoreState failed: %v", err)
	}
	if string(sessions.storedState) != `{"n":2}` {
		t.Errorf("state blob not forwarded: %s", sessions.storedState)
	}
}

func TestRunContext_SessionlessRuns(t *testing.T) {
	run := NewRun("echo", "", []Message{UserText("hi")})
	rc := NewRunContext(run, nil, func(Message) error { return nil }, nil, nil)

	history, err := rc.LoadHistory(context.Background())
	if err != nil || history != nil {
		t.Errorf("session-less history should be empty, got %v %v", history, err)
	}

	blob, version, err := rc.LoadState(context.Background())
	if err != nil || blob != nil || version != 0 {
		t.Errorf("session-less state should be empty, got %s %d %v", blob, version, err)
	}

	if err := rc.StoreState(context.Background(), []byte("x"), 0); !IsValidation(err) {
		t.Errorf("session-less StoreState should fail validation, got %v", err)
	}
}

func TestRunContext_YieldValidatesBeforeForwarding(t *testing.T) {
	var forwarded []Message
	run := NewRun("echo", "", []Message{UserText("hi")})
	rc := NewRunContext(run, nil, func(m Message) error {
		forwarded = append(forwarded, m)
		return nil
	}, nil, nil)

	if err := rc.Yield(Message{Role: "bogus", Parts: []Part{TextPart("x")}}); !IsValidation(err) {
		t.Fatalf("invalid message should not be forwarded, got %v", err)
	}
	if len(forwarded) != 0 {
		t.Fatal("invalid message reached the yield callback")
	}

	if err := rc.Yield(AgentMessage("echo", TextPart("ok"))); err != nil {
		t.Fatalf("valid yield failed: %v", err)
	}
	if len(forwarded) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(forwarded))
	}
}
