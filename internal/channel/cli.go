package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/aql-agent/aql/internal/config"
	"github.com/aql-agent/aql/internal/message"
)

// CLI reads messages line by line from a reader and writes replies to
// a writer. All messages belong to one DM conversation ("cli:local").
type CLI struct {
	in     io.Reader
	out    io.Writer
	prompt bool
	logger *slog.Logger

	mu       sync.Mutex // serializes writes to out
	stop     chan struct{}
	stopOnce sync.Once
}

// NewCLI creates a terminal channel. A "> " prompt is shown only when
// in is an interactive terminal.
func NewCLI(in io.Reader, out io.Writer, logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	prompt := false
	if f, ok := in.(*os.File); ok {
		prompt = term.IsTerminal(int(f.Fd()))
	}
	return &CLI{
		in:     in,
		out:    out,
		prompt: prompt,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Name implements Channel.
func (c *CLI) Name() string { return config.ChannelCLI }

// Start implements Channel. It returns nil at end of input.
func (c *CLI) Start(ctx context.Context, h Handler) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	c.write("CLI channel ready. Type a message (Ctrl+D to quit).\n")
	c.showPrompt()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				c.logger.Info("cli input closed")
				return nil
			}
			c.handle(ctx, h, line)
			c.showPrompt()
		}
	}
}

func (c *CLI) handle(ctx context.Context, h Handler, line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		return
	}
	msg, err := message.New(message.Fields{
		Body:       text,
		Channel:    config.ChannelCLI,
		SenderID:   "local",
		SenderName: "You",
		ChatType:   message.DM,
	})
	if err != nil {
		c.logger.Error("bad cli message", "error", err)
		return
	}
	c.write("\n" + h(ctx, msg) + "\n\n")
}

func (c *CLI) showPrompt() {
	if c.prompt {
		c.write("> ")
	}
}

func (c *CLI) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.out, s)
}

// Stop implements Channel.
func (c *CLI) Stop(context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// Send implements Channel. The recipient is ignored.
func (c *CLI) Send(_ context.Context, _ string, text string) error {
	c.write(text + "\n")
	return nil
}
