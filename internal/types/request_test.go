package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	body := `{"model":"claude-3-opus","stream":true,"system":"be brief","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":[{"type":"text","text":"hel"},{"type":"image"},{"type":"text","text":"lo"}]}]}`

	req, err := DecodeRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "claude-3-opus", req.Model)
	assert.True(t, req.Stream)
	assert.Equal(t, "be brief", req.System.Text())
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "hi", req.Messages[0].Content.Text())
	assert.Equal(t, "hello", req.Messages[1].Content.Text(), "text blocks are concatenated")
}

func TestDecodeRequest_PermissiveDefaults(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"wrong model type", `{"model":42,"stream":"yes"}`},
		{"messages not an array", `{"messages":"nope"}`},
		{"null fields", `{"model":null,"system":null,"messages":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.body))
			require.NoError(t, err)
			assert.Empty(t, req.Model)
			assert.False(t, req.Stream)
			assert.Empty(t, req.Messages)
			assert.Empty(t, req.System.Text())
		})
	}
}

func TestDecodeRequest_RejectsNonObject(t *testing.T) {
	for _, body := range []string{``, `[]`, `"str"`, `{broken`} {
		_, err := DecodeRequest([]byte(body))
		assert.Error(t, err, "DecodeRequest(%q)", body)
	}
}

func TestContentText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"plain"`, "plain"},
		{`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{`[{"type":"tool_result","content":"x"}]`, ""},
		{`["stray",{"type":"text","text":"hello"},{"type":"tool_result","text":{"nested":1}}]`, "hello"},
		{`[{"type":"text","text":7},{"type":"text","text":"ok"}]`, "ok"},
		{`42`, "42"},
		{`{"k":"v"}`, `{"k":"v"}`},
		{`null`, ""},
	}

	for _, tt := range tests {
		var c Content
		require.NoError(t, c.UnmarshalJSON([]byte(tt.raw)))
		assert.Equal(t, tt.want, c.Text(), "Content(%s).Text()", tt.raw)
	}
}

func TestSystemText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"sys"`, "sys"},
		{`[{"type":"text","text":"one"},{"type":"image"},{"type":"text","text":"two"}]`, "one\ntwo"},
		{`42`, ""},
		{`{"text":"x"}`, ""},
		{`["stray",{"type":"text","text":"hello"}]`, "hello"},
	}

	for _, tt := range tests {
		var s SystemText
		require.NoError(t, s.UnmarshalJSON([]byte(tt.raw)))
		assert.Equal(t, tt.want, s.Text(), "SystemText(%s).Text()", tt.raw)
	}
}

func TestTextConstructors(t *testing.T) {
	assert.Equal(t, `say "hi"`, NewTextContent(`say "hi"`).Text())
	assert.Equal(t, "be brief", NewSystemText("be brief").Text())
}
