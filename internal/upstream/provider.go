package upstream

import "context"

// Result is one item on a session channel: either a decoded Message or a
// terminal Err. The channel is closed when the turn ends.
type Result struct {
	Message Message
	Err     error
}

// Provider starts upstream conversational sessions. A returned channel is
// finite and cannot be restarted; callers must drain it to completion.
type Provider interface {
	Start(ctx context.Context, prompt string, opts SessionOptions) (<-chan Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string, opts SessionOptions) (<-chan Result, error)

func (f ProviderFunc) Start(ctx context.Context, prompt string, opts SessionOptions) (<-chan Result, error) {
	return f(ctx, prompt, opts)
}
