package worker

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// modelIDs maps the server's enumerated models onto concrete Anthropic
// model identifiers.
var modelIDs = map[Model]anthropic.Model{
	"haiku":  anthropic.ModelClaude3_5HaikuLatest,
	"sonnet": anthropic.ModelClaudeSonnet4_20250514,
	"opus":   anthropic.ModelClaudeOpus4_20250514,
}

// AnthropicAdapter runs tasks in-process against the Anthropic Messages
// API, streaming text deltas as ProgressMessage lines. It holds one
// reusable SDK client and no timeout or logger of its own; the transport is
// an in-process SDK client rather than a subprocess, per §4.3's hard
// constraint.
type AnthropicAdapter struct {
	client *anthropic.Client
}

// NewAnthropicAdapter builds an adapter around an API key sourced from the
// environment (ANTHROPIC_API_KEY) unless apiKey is non-empty.
func NewAnthropicAdapter(apiKey string) *AnthropicAdapter {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicAdapter{client: &client}
}

// Run satisfies Adapter. The returned Stream's Progress channel is closed
// once Result has a value ready to read.
func (a *AnthropicAdapter) Run(ctx context.Context, req Request) (*Stream, error) {
	modelID, ok := modelIDs[req.Model]
	if !ok {
		modelID = modelIDs["sonnet"]
	}

	progress := make(chan ProgressMessage, 16)
	result := make(chan TerminalResult, 1)

	params := anthropic.MessageNewParams{
		Model:     modelID,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}

	go func() {
		defer close(progress)
		defer close(result)

		stream := a.client.Messages.NewStreaming(ctx, params)
		var summary string
		var line string

		for stream.Next() {
			event := stream.Current()
			switch delta := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if text := delta.Delta.Text; text != "" {
					line += text
					if idx := indexNewline(line); idx >= 0 {
						emit, rest := line[:idx], line[idx+1:]
						select {
						case progress <- ProgressMessage{Line: emit}:
						case <-ctx.Done():
							result <- TerminalResult{Err: NewTransientError("context cancelled", ctx.Err())}
							return
						}
						summary += emit + "\n"
						line = rest
					}
				}
			}
		}

		if line != "" {
			select {
			case progress <- ProgressMessage{Line: line}:
			case <-ctx.Done():
			}
			summary += line
		}

		if err := stream.Err(); err != nil {
			result <- TerminalResult{Err: Classify(err)}
			return
		}

		if summary == "" {
			result <- TerminalResult{Err: NewPermanentError("empty response from worker backend", nil)}
			return
		}
		result <- TerminalResult{Summary: summary}
	}()

	return &Stream{Progress: progress, Result: result}, nil
}

func indexNewline(s string) int {
	for i, r := range s {
		if r == '\n' {
			return i
		}
	}
	return -1
}

var _ fmt.Stringer = Model("")

func (m Model) String() string { return string(m) }
