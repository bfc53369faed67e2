// Package translate turns an Anthropic Messages request into the single
// prompt string and session options an upstream CLI turn consumes.
package translate

import (
	"strings"

	"github.com/rynfar/opencode-claude-max-proxy/internal/types"
	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

const messageSeparator = "\n\n"

// MapModel picks the CLI model alias for a client-supplied model name.
// Anything unrecognised runs on sonnet.
func MapModel(name string) upstream.Model {
	switch {
	case strings.Contains(name, "opus"):
		return upstream.ModelOpus
	case strings.Contains(name, "haiku"):
		return upstream.ModelHaiku
	default:
		return upstream.ModelSonnet
	}
}

// RoleLabel renders a message role as a transcript speaker.
func RoleLabel(role string) string {
	if role == "assistant" {
		return "Assistant"
	}
	return "Human"
}

// Prompt renders the conversation as a plain-text transcript. The output
// is a pure function of the request.
func Prompt(req *types.InboundRequest) string {
	lines := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		lines = append(lines, RoleLabel(m.Role)+": "+m.Content.Text())
	}
	prompt := strings.Join(lines, messageSeparator)

	if system := req.System.Text(); system != "" {
		prompt = system + messageSeparator + prompt
	}
	return prompt
}

// Translate builds the prompt and copies base with the mapped model. The
// tool lists are cloned so the returned options never alias base.
func Translate(req *types.InboundRequest, base upstream.SessionOptions) (string, upstream.SessionOptions) {
	opts := base
	opts.Model = MapModel(req.Model)
	opts.AllowedTools = cloneStrings(base.AllowedTools)
	opts.DisallowedTools = cloneStrings(base.DisallowedTools)
	return Prompt(req), opts
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
