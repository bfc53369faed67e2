package upstream

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultBufferSize = 64
	maxLineSize       = 16 * 1024 * 1024
	stderrTailSize    = 4096
)

// CLIConfig configures the Claude CLI process adapter.
type CLIConfig struct {
	// Path is the resolved CLI binary; see ResolveCLI.
	Path       string
	WorkDir    string
	Env        []string
	BufferSize int
	// StopGrace is how long a cancelled process gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
}

// CLIProvider runs one `claude -p` process per session and decodes its
// stream-json output.
type CLIProvider struct {
	cfg    CLIConfig
	logger *slog.Logger
}

func NewCLIProvider(cfg CLIConfig, logger *slog.Logger) *CLIProvider {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIProvider{cfg: cfg, logger: logger.With("component", "upstream")}
}

// ResolveCLI looks the binary up on PATH (or checks an explicit path).
func ResolveCLI(path string) (string, error) {
	if path == "" {
		path = "claude"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", &CLINotFoundError{Path: path, Cause: err}
	}
	return resolved, nil
}

// BuildArgs renders session options as CLI flags. The prompt itself is
// written to stdin.
func BuildArgs(opts SessionOptions) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.Model != "" {
		args = append(args, "--model", string(opts.Model))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.AllowUnsafeSkip {
		args = append(args, "--dangerously-skip-permissions")
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	return args
}

// Start spawns the CLI and returns its decoded output. Cancelling ctx
// terminates the process.
func (p *CLIProvider) Start(ctx context.Context, prompt string, opts SessionOptions) (<-chan Result, error) {
	args := BuildArgs(opts)
	cmd := exec.CommandContext(ctx, p.cfg.Path, args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	if p.cfg.WorkDir != "" {
		cmd.Dir = p.cfg.WorkDir
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = p.cfg.StopGrace

	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to create stdout pipe", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &CLINotFoundError{Path: p.cfg.Path, Cause: err}
		}
		return nil, &ProcessError{Message: "failed to start CLI process", Cause: err}
	}

	p.logger.Debug("claude process started",
		"pid", cmd.Process.Pid,
		"model", opts.Model,
		"max_turns", opts.MaxTurns,
		"prompt_bytes", len(prompt),
	)

	out := make(chan Result, p.cfg.BufferSize)
	go func() {
		defer close(out)

		send := func(r Result) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		sawResult := false
		lines := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			lines++
			msg, err := ParseLine(line)
			if err != nil {
				p.logger.Warn("skipping undecodable CLI output", "error", err)
				continue
			}
			if msg == nil {
				continue
			}
			if _, ok := msg.(ResultMessage); ok {
				sawResult = true
			}
			if !send(Result{Message: msg}) {
				break
			}
		}
		scanErr := scanner.Err()
		waitErr := cmd.Wait()

		p.logger.Debug("claude process exited",
			"lines", lines,
			"saw_result", sawResult,
			"wait_error", waitErr,
		)

		if scanErr != nil && ctx.Err() == nil {
			send(Result{Err: &ProcessError{Message: "failed reading CLI output", Cause: scanErr, Stderr: stderr.String()}})
			return
		}
		if waitErr != nil && ctx.Err() == nil {
			// A turn that reached its result line is complete even if the
			// CLI exits non-zero (e.g. max turns reached).
			if sawResult {
				p.logger.Warn("claude exited non-zero after result", "error", waitErr, "stderr", stderr.String())
				return
			}
			send(Result{Err: exitError(waitErr, stderr.String())})
		}
	}()

	return out, nil
}

func exitError(err error, stderr string) error {
	pe := &ProcessError{Message: "claude exited before completing the turn", Cause: err, Stderr: stderr}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		pe.ExitCode = exitErr.ExitCode()
	}
	if line := lastLine(stderr); line != "" {
		pe.Message += ": " + line
	}
	return pe
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
