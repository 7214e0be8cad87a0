package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// stopGrace is how long Close waits for a provider to exit after its
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig describes a provider subprocess.
type StdioConfig struct {
	Command string
	Args    []string
	// Env entries ("KEY=VALUE") are appended to the inherited
	// environment, so they override it.
	Env    []string
	Logger *slog.Logger
}

// StdioTransport talks to a provider subprocess with newline-delimited
// JSON-RPC on its stdin and stdout. The process is started lazily and
// restarted on the next call after a failure.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// gen is bumped whenever a process is killed, so the next one is
	// known to need a fresh handshake.
	gen atomic.Uint64

	// sem is a one-slot semaphore guarding the fields below. A channel
	// rather than a mutex so that waiting honors the caller's context.
	sem    chan struct{}
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	lines  chan readResult
}

type readResult struct {
	line []byte
	err  error
}

// NewStdioTransport returns a transport for cfg. Nothing is started
// until the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// Generation reports how many times the subprocess has been killed.
func (t *StdioTransport) Generation() uint64 { return t.gen.Load() }

func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// select picks randomly when both are ready.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() { <-t.sem }

// start launches the subprocess if needed. Its lifetime is not tied to
// any call context. Caller holds sem.
func (t *StdioTransport) start() error {
	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)
	t.lines = make(chan readResult, 1)

	go t.drainStderr(stderr)

	t.logger.Info("provider process started",
		"command", t.config.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		t.logger.Debug("provider stderr", "line", sc.Text())
	}
}

func (t *StdioTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.kill()
		return fmt.Errorf("write to provider: %w", err)
	}
	return nil
}

// Send writes req and reads lines until the response with the matching
// id arrives. Lines that are not responses (notifications, log noise)
// are skipped. If ctx ends first the subprocess is killed, since the
// stream can no longer be trusted to be in sync.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return nil, err
	}
	if err := t.write(req); err != nil {
		return nil, err
	}

	for {
		reader, lines := t.reader, t.lines
		go func() {
			line, err := reader.ReadBytes('\n')
			lines <- readResult{line: line, err: err}
		}()

		select {
		case <-ctx.Done():
			t.kill()
			return nil, ctx.Err()
		case res := <-lines:
			if res.err != nil {
				t.kill()
				return nil, fmt.Errorf("read from provider: %w", res.err)
			}
			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON provider output", "line", string(res.line))
				continue
			}
			if resp.ID != req.ID {
				t.logger.Debug("skipping unmatched provider message", "id", resp.ID)
				continue
			}
			return &resp, nil
		}
	}
}

// Notify writes notif without waiting for anything back.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}
	return t.write(notif)
}

// Close closes the subprocess's stdin, waits up to five seconds for it
// to exit and kills it otherwise. Close waits for any in-flight Send.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	t.logger.Info("stopping provider process", "pid", cmd.Process.Pid)
	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(stopGrace):
		t.logger.Warn("provider did not exit, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
	t.reset()
	return err
}

// kill force-stops a misbehaving subprocess. Caller holds sem.
func (t *StdioTransport) kill() {
	if t.cmd == nil {
		return
	}
	t.stdin.Close()
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	t.reset()
	t.gen.Add(1)
}

func (t *StdioTransport) reset() {
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
	t.lines = nil
}
