package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Shell defaults.
const (
	DefaultShellTimeout   = 30 * time.Second
	DefaultMaxOutputBytes = 100 * 1024
)

// restartAck is returned for restart requests. Every command already
// runs in a fresh process, so there is no session to restart.
const restartAck = "Shell restarted. Each command runs in a fresh shell."

// ShellConfig configures the bash tool.
type ShellConfig struct {
	WorkingDir     string
	DeniedPatterns []string // case-insensitive substrings
	Timeout        time.Duration
	MaxOutputBytes int
}

// DefaultDeniedPatterns blocks a few obviously destructive commands.
func DefaultDeniedPatterns() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"mkfs",
		"dd if=",
		"> /dev/sd",
		"chmod -R 777 /",
		":(){ :|:& };:",
	}
}

// Shell runs one command per call in a fresh shell process.
type Shell struct {
	cfg    ShellConfig
	logger *slog.Logger
}

// NewShell creates the shell tool backend.
func NewShell(cfg ShellConfig, logger *slog.Logger) *Shell {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultShellTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{cfg: cfg, logger: logger}
}

// Run executes command and describes the outcome as text. It never
// fails: timeouts, non-zero exits and spawn errors are all reported in
// the returned string.
func (s *Shell) Run(ctx context.Context, command string, restart bool) string {
	if restart {
		return restartAck
	}
	if strings.TrimSpace(command) == "" {
		return "Error: no command provided"
	}

	lower := strings.ToLower(command)
	for _, denied := range s.cfg.DeniedPatterns {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return fmt.Sprintf("Error: command blocked by policy (matches %q)", denied)
		}
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	cmd := shellCommand(ctx, command)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	cmd.Env = shellEnv()
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	// Grandchildren holding the pipes open must not stall Wait.
	cmd.WaitDelay = time.Second

	stdout := &limitedBuffer{max: s.cfg.MaxOutputBytes}
	stderr := &limitedBuffer{max: s.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	// The caller's context ending first is not our timeout.
	var stopped error
	var timedOut bool
	if err != nil {
		stopped = parent.Err()
		timedOut = stopped == nil && errors.Is(ctx.Err(), context.DeadlineExceeded)
	}
	s.logger.Debug("shell command finished",
		"request_id", RequestIDFromContext(ctx),
		"conversation", ConversationKeyFromContext(ctx),
		"elapsed", elapsed.Round(time.Millisecond),
		"timed_out", timedOut,
		"stopped", stopped,
		"stdout_bytes", stdout.total,
		"stderr_bytes", stderr.total,
	)

	return formatShellResult(stdout.String(), stderr.String(), err, timedOut, s.cfg.Timeout, stopped)
}

// formatShellResult renders the outcome. stopped is the caller's context
// error when the caller gave up before the command finished.
func formatShellResult(stdout, stderr string, runErr error, timedOut bool, timeout time.Duration, stopped error) string {
	var msg string
	switch {
	case timedOut:
		msg = fmt.Sprintf("Error: command timed out after %s", timeout)
	case stopped != nil:
		msg = fmt.Sprintf("Error: command interrupted: %v", stopped)
	}
	if msg != "" {
		if out := joinStreams(stdout, stderr); out != "" {
			msg = out + "\n" + msg
		}
		return msg
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		if out := joinStreams(stdout, stderr); out != "" {
			return out
		}
		return "(no output)"
	case errors.As(runErr, &exitErr):
		out := joinStreams(stdout, stderr)
		code := fmt.Sprintf("Exit code: %d", exitErr.ExitCode())
		if out == "" {
			return code
		}
		return out + "\n" + code
	default:
		if stderr != "" {
			return joinStreams(stdout, stderr)
		}
		return "Error: " + runErr.Error()
	}
}

// joinStreams returns stdout unlabeled followed by a labeled stderr
// section when there is any.
func joinStreams(stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(stdout, "\n"))
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("STDERR:\n")
		b.WriteString(strings.TrimRight(stderr, "\n"))
	}
	return b.String()
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}

// shellEnv inherits the host environment, defaulting USER.
func shellEnv() []string {
	env := os.Environ()
	if os.Getenv("USER") == "" {
		env = append(env, "USER=agent")
	}
	return env
}

// limitedBuffer keeps the first max bytes written and counts the rest.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	max   int
	total int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += len(p)
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total > b.buf.Len() {
		return fmt.Sprintf("%s\n[... output truncated, %d of %d bytes shown ...]", b.buf.String(), b.buf.Len(), b.total)
	}
	return b.buf.String()
}

// Tool returns the bash tool definition.
func (s *Shell) Tool() *Tool {
	return &Tool{
		Name: "bash",
		Description: fmt.Sprintf("Run a shell command on the host and return its output. "+
			"Each call runs in a fresh shell; state such as the working directory does not persist. "+
			"Commands are killed after %s.", s.cfg.Timeout),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The command to run.",
				},
				"restart": map[string]any{
					"type":        "boolean",
					"description": "Restart the shell session instead of running a command.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			restart, _ := args["restart"].(bool)
			return s.Run(ctx, command, restart), nil
		},
	}
}
