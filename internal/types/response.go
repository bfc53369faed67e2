package types

// MessageResponse is the non-streaming reply body of /v1/messages and the
// message skeleton announced by a stream's message_start.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage is always zero: token accounting is not implemented.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ServiceDescriptor is served on GET /.
type ServiceDescriptor struct {
	Status    string   `json:"status"`
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Format    string   `json:"format"`
	Endpoints []string `json:"endpoints"`
}
