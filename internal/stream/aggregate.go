package stream

import (
	"context"
	"fmt"
	"strings"

	"github.com/rynfar/opencode-claude-max-proxy/internal/types"
	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

// FallbackText replaces an empty non-streaming answer.
const FallbackText = "I can help with that. Could you provide more details about what you'd like me to do?"

// Aggregate runs one upstream turn to completion and returns the text of
// every assistant message as a single response.
func Aggregate(ctx context.Context, provider upstream.Provider, prompt string, opts upstream.SessionOptions, model string) (*types.MessageResponse, error) {
	results, err := provider.Start(ctx, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("start upstream session: %w", err)
	}

	var text strings.Builder
	var firstErr error
	for res := range results {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		if m, ok := res.Message.(upstream.AssistantMessage); ok {
			text.WriteString(m.Text())
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	out := text.String()
	if out == "" {
		out = FallbackText
	}
	stop := stopReasonEndTurn
	return &types.MessageResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    []types.ContentBlock{{Type: "text", Text: out}},
		Model:      model,
		StopReason: &stop,
	}, nil
}
