package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// InboundRequest is the decoded body of POST /v1/messages.
//
// Decoding is permissive by policy: missing fields default (empty model,
// stream=false, no system text, no messages) instead of being rejected.
// Only bodies that are not a JSON object fail.
type InboundRequest struct {
	Model    string     `json:"model"`
	Stream   bool       `json:"stream"`
	System   SystemText `json:"system,omitempty"`
	Messages []Message  `json:"messages"`
}

type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// DecodeRequest parses a request body into an InboundRequest.
func DecodeRequest(body []byte) (*InboundRequest, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("request body must be a JSON object")
	}
	var raw struct {
		Model    json.RawMessage `json:"model"`
		Stream   json.RawMessage `json:"stream"`
		System   SystemText      `json:"system"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}

	req := &InboundRequest{System: raw.System}
	// Wrongly typed optional fields fall back to their defaults.
	_ = json.Unmarshal(raw.Model, &req.Model)
	_ = json.Unmarshal(raw.Stream, &req.Stream)

	var msgs []json.RawMessage
	if err := json.Unmarshal(raw.Messages, &msgs); err == nil {
		for _, m := range msgs {
			var msg Message
			if err := json.Unmarshal(m, &msg); err != nil {
				var loose struct {
					Content Content `json:"content"`
				}
				_ = json.Unmarshal(m, &loose)
				msg = Message{Content: loose.Content}
			}
			req.Messages = append(req.Messages, msg)
		}
	}
	return req, nil
}

// Content is a message body: a string, an array of blocks, or anything
// else the client sent. The raw JSON is kept so Text can apply the
// extraction rules lazily.
type Content struct {
	raw json.RawMessage
}

// NewTextContent builds string content.
func NewTextContent(s string) Content {
	b, _ := json.Marshal(s)
	return Content{raw: b}
}

func (c *Content) UnmarshalJSON(data []byte) error {
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if len(c.raw) == 0 {
		return []byte("null"), nil
	}
	return c.raw, nil
}

// Text renders the content as prompt text: strings verbatim; arrays as the
// concatenation of every text block's text; anything else as its JSON form.
func (c Content) Text() string {
	if len(c.raw) == 0 || string(c.raw) == "null" {
		return ""
	}
	switch c.raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(c.raw, &s); err == nil {
			return s
		}
	case '[':
		if parts, ok := blockTexts(c.raw); ok {
			return strings.Join(parts, "")
		}
	}
	return string(c.raw)
}

// SystemText is the optional "system" field: a string or an array of
// blocks.
type SystemText struct {
	raw json.RawMessage
}

func (s *SystemText) UnmarshalJSON(data []byte) error {
	s.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s SystemText) MarshalJSON() ([]byte, error) {
	if len(s.raw) == 0 {
		return []byte("null"), nil
	}
	return s.raw, nil
}

// NewSystemText builds string system text.
func NewSystemText(text string) SystemText {
	b, _ := json.Marshal(text)
	return SystemText{raw: b}
}

// Text returns the string verbatim, or the text of every text block joined
// by newlines. Any other shape yields "".
func (s SystemText) Text() string {
	if len(s.raw) == 0 {
		return ""
	}
	switch s.raw[0] {
	case '"':
		var str string
		if err := json.Unmarshal(s.raw, &str); err == nil {
			return str
		}
	case '[':
		if parts, ok := blockTexts(s.raw); ok {
			return strings.Join(parts, "\n")
		}
	}
	return ""
}

// blockTexts decodes a JSON array one element at a time and returns the
// text of every well-formed text block. Elements that are not objects, and
// text blocks whose text is not a string, are skipped. ok is false when raw
// is not an array.
func blockTexts(raw json.RawMessage) (parts []string, ok bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}
	for _, elem := range elems {
		var b struct {
			Type string          `json:"type"`
			Text json.RawMessage `json:"text"`
		}
		if err := json.Unmarshal(elem, &b); err != nil || b.Type != "text" {
			continue
		}
		var text string
		if err := json.Unmarshal(b.Text, &text); err != nil {
			continue
		}
		parts = append(parts, text)
	}
	return parts, true
}

// ContentBlock is a typed content block in requests and responses.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
