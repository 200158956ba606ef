// Package anthropic provides a Claude-backed conversational agent. Each
// segment sends the session history, the run input and any resume message to
// the Anthropic Messages API and streams the reply back as a single yielded
// message.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/agentwire/agentwire/core"
)

// Options configures the Claude agent adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	// System is prepended to every request as the system prompt.
	System string
	// Description is surfaced through agent listings.
	Description string
}

// Agent implements core.Agent on the Anthropic Messages API. The client is
// injected and remains owned by the caller.
type Agent struct {
	name   string
	client *anthropic.Client
	opts   Options
}

var _ core.Agent = (*Agent)(nil)

// New builds a Claude agent registered under the given name.
func New(name string, client *anthropic.Client, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
		Description: "Claude-backed conversational agent.",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Agent{name: name, client: client, opts: opts}
}

// Name implements core.Agent.
func (a *Agent) Name() string { return a.name }

// Description implements core.Agent.
func (a *Agent) Description() string { return a.opts.Description }

// Execute sends the conversation to the model and yields its reply. The
// segment completes in one step; the conversational loop across runs is
// carried by session history, not by awaiting.
func (a *Agent) Execute(ctx context.Context, rc *core.RunContext) (*core.StepResult, error) {
	history, err := rc.LoadHistory(ctx)
	if err != nil {
		return nil, err
	}

	conversation := append(history, rc.Input...)
	if rc.Resume != nil {
		conversation = append(conversation, *rc.Resume)
	}
	messages := buildMessages(conversation)
	if len(messages) == 0 {
		return nil, &core.ValidationError{Field: "input", Reason: "no text content to send to the model"}
	}

	params := anthropic.MessageNewParams{
		Model:       a.opts.Model,
		Messages:    messages,
		MaxTokens:   a.opts.MaxTokens,
		Temperature: anthropic.Float(a.opts.Temperature),
	}
	if a.opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.opts.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return nil, nil
	}
	return nil, rc.Yield(core.AgentMessage(a.name, core.TextPart(sb.String())))
}

// buildMessages maps the normalized conversation onto Anthropic message
// params. User messages map to the user role; agent messages, whichever
// agent produced them, map to the assistant role. Non-text parts are
// skipped.
func buildMessages(msgs []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		text := msg.Text()
		if text == "" {
			continue
		}
		if strings.HasPrefix(msg.Role, "agent") {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	return out
}
