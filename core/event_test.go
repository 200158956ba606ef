package core

import (
	"testing"
)

func TestEvent_ConstructorsAndTerminal(t *testing.T) {
	status := NewStatusEvent("run-1", StatusInProgress)
	if status.ID == "" || status.RunID != "run-1" || status.Timestamp.IsZero() {
		t.Fatalf("NewStatusEvent did not initialize fields: %+v", status)
	}
	if status.Kind != EventStatusChanged || status.Status != StatusInProgress || status.Terminal() {
		t.Fatalf("status event malformed: %+v", status)
	}

	msg := NewMessageEvent("run-1", AgentMessage("echo", TextPart("hi")))
	if msg.Kind != EventMessagePart || msg.Message == nil || msg.Message.Text() != "hi" {
		t.Fatalf("message event malformed: %+v", msg)
	}

	await := NewAwaitRequestedEvent("run-1", AgentMessage("echo", TextPart("name?")))
	if await.Kind != EventAwaitRequested || await.Status != StatusAwaiting || await.Message == nil {
		t.Fatalf("await-requested event malformed: %+v", await)
	}

	resumed := NewAwaitResumedEvent("run-1", UserText("Ada"))
	if resumed.Kind != EventAwaitResumed || resumed.Status != StatusInProgress {
		t.Fatalf("await-resumed event malformed: %+v", resumed)
	}

	finished := NewFinishedEvent("run-1", StatusFailed, &RunError{Code: "agent-error", Message: "boom"})
	if finished.Kind != EventRunFinished || !finished.Terminal() || finished.Error == nil {
		t.Fatalf("finished event malformed: %+v", finished)
	}

	ok := NewFinishedEvent("run-1", StatusCompleted, nil)
	if !ok.Terminal() || ok.Error != nil {
		t.Fatalf("completed event malformed: %+v", ok)
	}
}
