package agent

import (
	"context"

	"github.com/agentwire/agentwire/core"
)

// EchoName is the registry name of the built-in echo agent.
const EchoName = "echo"

// NewEcho returns an agent that streams every input message back as its own
// output. It completes in a single segment and never awaits.
func NewEcho() *Func {
	return NewFunc(EchoName, "Echoes the run input back to the caller.", func(ctx context.Context, rc *core.RunContext) (*core.StepResult, error) {
		for _, msg := range rc.Input {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := rc.Yield(core.AgentMessage(EchoName, msg.Parts...)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}
