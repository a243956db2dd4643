package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic implements Client using the Claude API.
type Anthropic struct {
	client  *anthropic.Client
	model   string
	timeout time.Duration
}

// NewAnthropic creates the provider. A zero timeout defaults to 60s.
func NewAnthropic(apiKey, model string, timeout time.Duration) *Anthropic {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &Anthropic{
		client:  &client,
		model:   model,
		timeout: timeout,
	}
}

// Complete sends one completion request. When req.Prefill is set it is
// injected as the start of the assistant turn so Claude continues with
// valid JSON, and prepended to the returned text.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
	}
	if req.Prefill != "" {
		messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(req.Prefill)))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	message, err := a.client.Messages.New(callCtx, params)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", &Error{Code: CodeTimeout, Msg: "completion timed out", Err: err}
		}
		return "", &Error{Code: CodeTransport, Msg: "completion call failed", Err: err}
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", &Error{Code: CodeEmptyResponse, Msg: "model returned no text"}
	}

	return req.Prefill + text, nil
}
