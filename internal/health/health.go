// Package health emits the periodic liveness line.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aql-agent/aql/internal/buildinfo"
)

// Off is the schedule value that disables the heartbeat.
const Off = "off"

// Status is what each heartbeat reports.
type Status struct {
	Channels      []string
	Conversations int
	Providers     int
}

// Heartbeat logs a status line on a cron schedule. A nil *Heartbeat is
// valid and does nothing.
type Heartbeat struct {
	cron   *cron.Cron
	status func() Status
	logger *slog.Logger
}

// New validates schedule and prepares the heartbeat. It returns nil
// when schedule is [Off].
func New(schedule string, status func() Status, logger *slog.Logger) (*Heartbeat, error) {
	if strings.EqualFold(schedule, Off) {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Heartbeat{
		cron:   cron.New(),
		status: status,
		logger: logger,
	}
	if _, err := h.cron.AddFunc(schedule, h.beat); err != nil {
		return nil, fmt.Errorf("heartbeat schedule %q: %w", schedule, err)
	}
	return h, nil
}

// Start begins the schedule in the background.
func (h *Heartbeat) Start() {
	if h == nil {
		return
	}
	h.cron.Start()
	h.logger.Info("heartbeat started", "next", h.cron.Entries()[0].Next.Format(time.RFC3339))
}

// Stop ends the schedule and waits for a running beat, bounded by ctx.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop heartbeat: %w", ctx.Err())
	}
}

func (h *Heartbeat) beat() {
	s := h.status()
	h.logger.Info("heartbeat",
		"channels", strings.Join(s.Channels, ", "),
		"conversations", s.Conversations,
		"tool_providers", s.Providers,
		"uptime", buildinfo.Uptime().String(),
	)
}
