// Package openai provides an OpenAI-backed conversational agent using the
// Chat Completions API. It mirrors the Claude adapter: one completion per
// segment, the reply yielded as a single message, conversational continuity
// carried by session history.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/agentwire/agentwire/core"
)

// Options configures the OpenAI agent adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	// System is prepended to every request as the system message.
	System string
	// Description is surfaced through agent listings.
	Description string
}

// Agent implements core.Agent on the OpenAI Chat Completions API. The client
// is injected and remains owned by the caller.
type Agent struct {
	name   string
	client *openai.Client
	opts   Options
}

var _ core.Agent = (*Agent)(nil)

// New builds an OpenAI agent registered under the given name.
func New(name string, client *openai.Client, optFns ...func(o *Options)) *Agent {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Description:         "OpenAI-backed conversational agent.",
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

// Execute sends the conversation to the model and yields its reply.
func (a *Agent) Execute(ctx context.Context, rc *core.RunContext) (*core.StepResult, error) {
	history, err := rc.LoadHistory(ctx)
	if err != nil {
		return nil, err
	}

	conversation := append(history, rc.Input...)
	if rc.Resume != nil {
		conversation = append(conversation, *rc.Resume)
	}
	messages := buildMessages(conversation, a.opts.System)
	if len(messages) == 0 {
		return nil, &core.ValidationError{Field: "input", Reason: "no text content to send to the model"}
	}

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               a.opts.Model,
		Temperature:         openai.Float(a.opts.Temperature),
		MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	reply := resp.Choices[0].Message.Content
	if reply == "" {
		return nil, nil
	}
	return nil, rc.Yield(core.AgentMessage(a.name, core.TextPart(reply)))
}

// buildMessages maps the normalized conversation onto chat messages. Agent
// messages become the assistant role regardless of which agent produced
// them; non-text parts are skipped.
func buildMessages(msgs []core.Message, system string) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range msgs {
		text := msg.Text()
		if text == "" {
			continue
		}
		if strings.HasPrefix(msg.Role, "agent") {
			out = append(out, openai.AssistantMessage(text))
		} else {
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}
