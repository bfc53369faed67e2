package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rynfar/opencode-claude-max-proxy/internal/types"
	"github.com/rynfar/opencode-claude-max-proxy/internal/upstream"
)

func decode(t *testing.T, body string) *types.InboundRequest {
	t.Helper()
	req, err := types.DecodeRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func TestMapModel(t *testing.T) {
	tests := []struct {
		name string
		want upstream.Model
	}{
		{"claude-3-opus-20240229", upstream.ModelOpus},
		{"claude-3-5-haiku", upstream.ModelHaiku},
		{"claude-sonnet-4", upstream.ModelSonnet},
		{"gpt-4", upstream.ModelSonnet},
		{"", upstream.ModelSonnet},
		{"opus-haiku-hybrid", upstream.ModelOpus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapModel(tt.name))
		})
	}
}

func TestPrompt(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "two turns",
			body: `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`,
			want: "Human: hi\n\nAssistant: hello",
		},
		{
			name: "string system",
			body: `{"system":"be terse","messages":[{"role":"user","content":"hi"}]}`,
			want: "be terse\n\nHuman: hi",
		},
		{
			name: "block system",
			body: `{"system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[{"role":"user","content":"hi"}]}`,
			want: "a\nb\n\nHuman: hi",
		},
		{
			name: "unknown role is human",
			body: `{"messages":[{"role":"tool","content":"x"}]}`,
			want: "Human: x",
		},
		{
			name: "block content concatenated",
			body: `{"messages":[{"role":"user","content":[{"type":"text","text":"foo"},{"type":"text","text":"bar"}]}]}`,
			want: "Human: foobar",
		},
		{
			name: "non text content uses raw json",
			body: `{"messages":[{"role":"user","content":{"k":1}}]}`,
			want: `Human: {"k":1}`,
		},
		{
			name: "no messages",
			body: `{}`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := decode(t, tt.body)
			assert.Equal(t, tt.want, Prompt(req))
			// Rendering is deterministic.
			assert.Equal(t, Prompt(req), Prompt(req))
		})
	}
}

func TestTranslate(t *testing.T) {
	base := upstream.SessionOptions{
		MaxTurns:       100,
		PermissionMode: upstream.PermissionModeBypass,
		AllowedTools:   []string{"Read"},
	}
	req := decode(t, `{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`)

	prompt, opts := Translate(req, base)

	assert.Equal(t, "Human: hi", prompt)
	assert.Equal(t, upstream.ModelOpus, opts.Model)
	assert.Equal(t, 100, opts.MaxTurns)
	assert.Equal(t, upstream.PermissionModeBypass, opts.PermissionMode)
	require.Equal(t, []string{"Read"}, opts.AllowedTools)

	opts.AllowedTools[0] = "Write"
	assert.Equal(t, "Read", base.AllowedTools[0], "options must not alias base")
	assert.Empty(t, base.Model)
}

func TestPrompt_BuiltRequest(t *testing.T) {
	req := &types.InboundRequest{
		Model:  "claude-3-5-haiku",
		System: types.NewSystemText("answer in one word"),
		Messages: []types.Message{
			{Role: "user", Content: types.NewTextContent("colour of the sky?")},
			{Role: "assistant", Content: types.NewTextContent("Blue")},
		},
	}

	prompt, opts := Translate(req, upstream.SessionOptions{})

	assert.Equal(t, "answer in one word\n\nHuman: colour of the sky?\n\nAssistant: Blue", prompt)
	assert.Equal(t, upstream.ModelHaiku, opts.Model)
}
