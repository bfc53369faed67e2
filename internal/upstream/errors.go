package upstream

import "fmt"

// ProcessError reports a CLI process that could not be started or exited
// abnormally.
type ProcessError struct {
	Cause    error
	Message  string
	Stderr   string
	ExitCode int
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("claude process error: %s (exit code %d)", e.Message, e.ExitCode)
	}
	return fmt.Sprintf("claude process error: %s", e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// CLINotFoundError indicates the Claude CLI binary could not be resolved.
type CLINotFoundError struct {
	Path  string
	Cause error
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("claude CLI not found at %q: %v", e.Path, e.Cause)
}

func (e *CLINotFoundError) Unwrap() error {
	return e.Cause
}

// ProtocolError wraps a stdout line that could not be decoded.
type ProtocolError struct {
	Cause error
	Line  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}
