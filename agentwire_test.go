package agentwire

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire/agent"
	"github.com/agentwire/agentwire/core"
	"github.com/agentwire/agentwire/dispatcher"
)

func TestRunSync_EchoRoundTrip(t *testing.T) {
	w := New()
	t.Cleanup(func() { _ = w.Close() })
	w.Register(agent.NewEcho())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, events, err := w.RunSync(ctx, dispatcher.StartRunRequest{
		AgentName: agent.EchoName,
		Input:     []core.Message{core.UserText("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, run.Status)
	require.Len(t, run.Output, 1)
	assert.Equal(t, "hello", run.Output[0].Text())
	assert.NotEmpty(t, events)
	assert.Equal(t, core.EventRunFinished, events[len(events)-1].Kind)
}

func TestRunSync_ReturnsAwaitingRunForResumption(t *testing.T) {
	w := New()
	t.Cleanup(func() { _ = w.Close() })
	w.Register(agent.NewFunc("asker", "", func(_ context.Context, rc *core.RunContext) (*core.StepResult, error) {
		if rc.Resume == nil {
			return core.AwaitWith(core.AgentMessage("asker", core.TextPart("which city?")), nil), nil
		}
		return nil, rc.Yield(core.AgentMessage("asker", core.TextPart("weather in "+rc.Resume.Text())))
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, _, err := w.RunSync(ctx, dispatcher.StartRunRequest{
		AgentName: "asker",
		Input:     []core.Message{core.UserText("forecast please")},
	})
	require.NoError(t, err)
	require.Equal(t, core.StatusAwaiting, run.Status)
	require.NotNil(t, run.AwaitRequest)
	assert.Equal(t, "which city?", run.AwaitRequest.Text())

	_, err = w.ResumeRun(ctx, run.ID, core.UserText("Berlin"))
	require.NoError(t, err)

	events, err := w.StreamRun(ctx, run.ID, 1)
	require.NoError(t, err)
	for range events {
	}

	final, err := w.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, final.Status)
	require.Len(t, final.Output, 1)
	assert.Equal(t, "weather in Berlin", final.Output[0].Text())
}

func TestListAgents_ThroughFacade(t *testing.T) {
	w := New()
	t.Cleanup(func() { _ = w.Close() })
	w.Register(agent.NewEcho())

	agents := w.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, agent.EchoName, agents[0].Name)
}
