package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire/core"
)

func TestFunc_ImplementsAgent(t *testing.T) {
	f := NewFunc("greeter", "Says hello.", func(_ context.Context, rc *core.RunContext) (*core.StepResult, error) {
		return nil, rc.Yield(core.AgentMessage("greeter", core.TextPart("hello")))
	})
	assert.Equal(t, "greeter", f.Name())
	assert.Equal(t, "Says hello.", f.Description())
}

func TestEcho_YieldsInputBack(t *testing.T) {
	var got []core.Message
	yield := func(msg core.Message) error {
		got = append(got, msg)
		return nil
	}

	run := core.NewRun(EchoName, "", []core.Message{
		core.UserText("first"),
		core.UserText("second"),
	})
	rc := core.NewRunContext(run, nil, yield, nil, nil)

	step, err := NewEcho().Execute(context.Background(), rc)
	require.NoError(t, err)
	assert.Nil(t, step)

	require.Len(t, got, 2)
	assert.Equal(t, "agent/echo", got[0].Role)
	assert.Equal(t, "first", got[0].Text())
	assert.Equal(t, "second", got[1].Text())
}

func TestEcho_PropagatesYieldError(t *testing.T) {
	yield := func(core.Message) error { return core.ErrRunCancelled }
	run := core.NewRun(EchoName, "", []core.Message{core.UserText("hi")})
	rc := core.NewRunContext(run, nil, yield, nil, nil)

	_, err := NewEcho().Execute(context.Background(), rc)
	assert.ErrorIs(t, err, core.ErrRunCancelled)
}
