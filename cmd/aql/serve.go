package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aql-agent/aql/internal/buildinfo"
	"github.com/aql-agent/aql/internal/channel"
	"github.com/aql-agent/aql/internal/config"
	"github.com/aql-agent/aql/internal/health"
	"github.com/aql-agent/aql/internal/llm"
	"github.com/aql-agent/aql/internal/mqtt"
)

// runServe runs the enabled channels until a signal arrives or every
// channel has finished (the CLI finishes at end of input).
//
// Shutdown stops channels, the heartbeat, the MQTT publisher and the
// tool providers concurrently, each bounded by shutdownTimeout; a
// stuck resource is reported and does not hold up the others.
func runServe(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, cfgPath, nil, stdin, stdout, stderr)
}

// serve is runServe after configuration; tests pass their own client.
func serve(ctx context.Context, cfg *config.Config, cfgPath string, client llm.Client, stdin io.Reader, stdout, stderr io.Writer) error {
	// stdout carries the CLI conversation, so logs go to stderr.
	logger := config.NewLogger(stderr, logLevel(cfg), cfg.LogFormat)
	logger.Info("starting aql", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	if cfgPath == "" {
		logger.Info("no config file found, using defaults and environment")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}
	logger.Info("agent configured", "model", cfg.Agent.Model, "max_steps", cfg.Agent.MaxSteps, "channels", cfg.Channels.Enabled)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := newHost(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	channels := make([]channel.Channel, 0, len(cfg.Channels.Enabled))
	for _, name := range cfg.Channels.Enabled {
		switch name {
		case config.ChannelCLI:
			channels = append(channels, channel.NewCLI(stdin, stdout, logger))
		case config.ChannelSlack:
			channels = append(channels, channel.NewSlack(channel.SlackConfig{
				BotToken: cfg.Channels.Slack.BotToken,
				AppToken: cfg.Channels.Slack.AppToken,
				Logger:   logger,
			}))
		}
	}

	var bg sync.WaitGroup

	if interval := time.Duration(cfg.MCP.PingIntervalSec) * time.Second; interval > 0 {
		bg.Go(func() { h.mcp.Watch(ctx, interval) })
	}

	heartbeat, err := health.New(cfg.Heartbeat.Schedule, func() health.Status {
		names := make([]string, len(channels))
		for i, ch := range channels {
			names[i] = ch.Name()
		}
		return health.Status{
			Channels:      names,
			Conversations: h.agent.Conversations(),
			Providers:     h.mcp.Connected(),
		}
	}, logger)
	if err != nil {
		closeHost(h, logger)
		return err
	}
	heartbeat.Start()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			logger.Warn("mqtt disabled, no instance id", "error", err)
		} else {
			publisher = mqtt.New(cfg.MQTT, instanceID, h.tokens, mqttStats{h: h}, logger)
			bg.Go(func() {
				if err := publisher.Start(ctx); err != nil {
					logger.Error("mqtt publisher failed", "error", err)
				}
			})
			logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
		}
	}

	done := make(chan struct{}, len(channels))
	for _, ch := range channels {
		bg.Go(func() {
			defer func() { done <- struct{}{} }()
			logger.Info("channel starting", "channel", ch.Name())
			if err := ch.Start(ctx, h.agent.GetReply); err != nil {
				logger.Error("channel failed", "channel", ch.Name(), "error", err)
				return
			}
			logger.Info("channel finished", "channel", ch.Name())
		})
	}

wait:
	for remaining := len(channels); remaining > 0; remaining-- {
		select {
		case <-done:
		case <-ctx.Done():
			break wait
		}
	}
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	} else {
		logger.Info("all channels finished")
	}
	cancel()

	if err := shutdown(logger, h, channels, heartbeat, publisher); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	bg.Wait()

	logger.Info("aql stopped")
	return nil
}

// shutdown releases every resource concurrently with its own timeout
// and returns the joined failures.
func shutdown(logger *slog.Logger, h *host, channels []channel.Channel, heartbeat *health.Heartbeat, publisher *mqtt.Publisher) error {
	type step struct {
		name string
		fn   func(context.Context) error
	}
	steps := make([]step, 0, len(channels)+3)
	for _, ch := range channels {
		steps = append(steps, step{"channel " + ch.Name(), ch.Stop})
	}
	steps = append(steps, step{"heartbeat", heartbeat.Stop})
	if publisher != nil {
		steps = append(steps, step{"mqtt", publisher.Stop})
	}
	steps = append(steps, step{"host", h.close})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range steps {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
				mu.Unlock()
				return
			}
			logger.Debug("stopped", "component", s.name)
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
