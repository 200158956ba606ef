package core

import (
	"testing"
)

func TestStatus_TerminalSet(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusInProgress, StatusAwaiting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatus_TransitionTable(t *testing.T) {
	allowed := map[Status][]Status{
		StatusCreated:    {StatusInProgress, StatusCancelled},
		StatusInProgress: {StatusAwaiting, StatusCompleted, StatusFailed, StatusCancelled},
		StatusAwaiting:   {StatusInProgress, StatusFailed, StatusCancelled},
	}
	all := []Status{StatusCreated, StatusInProgress, StatusAwaiting, StatusCompleted, StatusFailed, StatusCancelled}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatus_TerminalStatesPermitNothing(t *testing.T) {
	all := []Status{StatusCreated, StatusInProgress, StatusAwaiting, StatusCompleted, StatusFailed, StatusCancelled}
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestNewRun_Defaults(t *testing.T) {
	input := []Message{UserText("hi")}
	run := NewRun("echo", "sess-1", input)

	if run.ID == "" || run.AgentName != "echo" || run.SessionID != "sess-1" {
		t.Fatalf("NewRun did not initialize identity fields: %+v", run)
	}
	if run.Status != StatusCreated {
		t.Errorf("new runs start created, got %s", run.Status)
	}
	if run.CreatedAt.IsZero() || run.UpdatedAt.IsZero() || run.FinishedAt != nil {
		t.Errorf("timestamp initialization wrong: %+v", run)
	}

	// The input is cloned; mutating the caller's slice must not leak in.
	other := "changed"
	input[0].Parts[0].Content = &other
	if run.Input[0].Text() != "hi" {
		t.Error("run input must be an independent copy")
	}
}

func TestRun_CloneIsDeep(t *testing.T) {
	run := NewRun("echo", "sess-1", []Message{UserText("hi")})
	run.Output = []Message{AgentMessage("echo", TextPart("hi"))}
	req := AgentMessage("echo", TextPart("more?"))
	run.AwaitRequest = &req
	run.Error = &RunError{Code: "agent-error", Message: "boom"}
	run.AgentState = []byte(`{"n":1}`)

	clone := run.Clone()
	clone.Output[0].Parts[0] = TextPart("altered")
	clone.AwaitRequest.Parts[0] = TextPart("altered")
	clone.Error.Code = "altered"
	clone.AgentState[0] = 'X'

	if run.Output[0].Text() != "hi" ||
		run.AwaitRequest.Text() != "more?" ||
		run.Error.Code != "agent-error" ||
		string(run.AgentState) != `{"n":1}` {
		t.Errorf("clone mutation leaked into original: %+v", run)
	}

	var nilRun *Run
	if nilRun.Clone() != nil {
		t.Error("cloning a nil run should yield nil")
	}
}

func TestRunError_ErrorString(t *testing.T) {
	e := &RunError{Code: "agent-error", Message: "boom"}
	if e.Error() != "agent-error: boom" {
		t.Errorf("unexpected error string %q", e.Error())
	}
}
