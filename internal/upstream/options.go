package upstream

import "fmt"

// Model is the CLI model alias a session runs on.
type Model string

const (
	ModelOpus   Model = "opus"
	ModelSonnet Model = "sonnet"
	ModelHaiku  Model = "haiku"
)

// PermissionMode controls tool execution approval inside the CLI.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModePlan        PermissionMode = "plan"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
)

// ParsePermissionMode validates s against the modes the CLI accepts.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch PermissionMode(s) {
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModePlan, PermissionModeBypass:
		return PermissionMode(s), nil
	default:
		return "", fmt.Errorf("unknown permission mode %q", s)
	}
}

// SessionOptions configure a single upstream turn. Built once per request
// and never mutated while the session runs.
type SessionOptions struct {
	MaxTurns        int
	Model           Model
	PermissionMode  PermissionMode
	AllowUnsafeSkip bool
	AllowedTools    []string
	DisallowedTools []string
}
