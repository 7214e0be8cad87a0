package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aql-agent/aql/internal/tools"
)

// DefaultInitTimeout bounds each provider's startup handshake.
const DefaultInitTimeout = 30 * time.Second

type provider struct {
	client  *Client
	source  *providerSource
	healthy atomic.Bool
}

// Manager owns the connected tool providers.
type Manager struct {
	cfg         *FileConfig
	initTimeout time.Duration
	logger      *slog.Logger

	// dial builds the transport for a provider. Replaced in tests.
	dial func(name string, sc ServerConfig) Transport

	mu        sync.RWMutex
	providers map[string]*provider
}

// NewManager prepares a manager for the providers in cfg. Nothing is
// launched until Start.
func NewManager(cfg *FileConfig, initTimeout time.Duration, logger *slog.Logger) *Manager {
	if cfg == nil {
		cfg = &FileConfig{}
	}
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:         cfg,
		initTimeout: initTimeout,
		logger:      logger,
		providers:   make(map[string]*provider),
	}
	m.dial = func(name string, sc ServerConfig) Transport {
		return NewStdioTransport(StdioConfig{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.environ(),
			Logger:  m.logger.With("provider", name),
		})
	}
	return m
}

// Start launches every configured provider concurrently and performs
// the handshake, each bounded by the init timeout. Providers that fail
// are logged and closed; the rest are kept. Start returns the number of
// connected providers.
func (m *Manager) Start(ctx context.Context) int {
	var wg sync.WaitGroup
	for _, name := range m.cfg.Names() {
		sc := m.cfg.Servers[name]
		wg.Go(func() {
			p, err := m.connect(ctx, name, sc)
			if err != nil {
				m.logger.Warn("tool provider unavailable",
					"provider", name,
					"command", sc.Command,
					"error", err,
				)
				return
			}
			m.mu.Lock()
			m.providers[name] = p
			m.mu.Unlock()
		})
	}
	wg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	m.logger.Info("tool providers started",
		"configured", len(m.cfg.Servers),
		"connected", len(m.providers),
	)
	return len(m.providers)
}

func (m *Manager) connect(ctx context.Context, name string, sc ServerConfig) (*provider, error) {
	client := NewClient(name, m.dial(name, sc), m.logger)

	ictx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()

	if err := client.Initialize(ictx); err != nil {
		_ = client.Close()
		return nil, err
	}
	// Prime the cache so a provider that later stalls still has tools.
	if _, err := client.ListTools(ictx); err != nil {
		m.logger.Warn("initial tools/list failed", "provider", name, "error", err)
	}

	p := &provider{
		client: client,
		source: &providerSource{client: client, logger: m.logger.With("provider", name)},
	}
	p.healthy.Store(true)
	return p, nil
}

// Sources returns the healthy providers as tool sources, in name order.
func (m *Manager) Sources() []tools.Source {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name, p := range m.providers {
		if p.healthy.Load() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]tools.Source, 0, len(names))
	for _, name := range names {
		out = append(out, m.providers[name].source)
	}
	return out
}

// Connected returns how many providers are connected and healthy.
func (m *Manager) Connected() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.providers {
		if p.healthy.Load() {
			n++
		}
	}
	return n
}

// Watch pings every provider each interval until ctx ends. A provider
// that fails its ping is excluded from Sources; once it answers again
// (after a fresh handshake, since its process may have been restarted)
// it is included again.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx, interval)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context, timeout time.Duration) {
	m.mu.RLock()
	ps := make(map[string]*provider, len(m.providers))
	for name, p := range m.providers {
		ps[name] = p
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, p := range ps {
		wg.Go(func() { m.check(ctx, name, p, timeout) })
	}
	wg.Wait()
}

func (m *Manager) check(ctx context.Context, name string, p *provider, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wasHealthy := p.healthy.Load()
	var err error
	if wasHealthy {
		err = p.client.Ping(pctx)
	} else {
		err = p.client.Initialize(pctx)
	}

	switch {
	case err != nil && wasHealthy:
		p.healthy.Store(false)
		m.logger.Warn("tool provider down", "provider", name, "error", err)
	case err == nil && !wasHealthy:
		p.healthy.Store(true)
		m.logger.Info("tool provider recovered", "provider", name)
	case err != nil:
		m.logger.Debug("tool provider still down", "provider", name, "error", err)
	}
}

// Close shuts down every provider concurrently. Each close is bounded
// by ctx; providers that do not finish in time are reported, not
// waited for.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ps := m.providers
	m.providers = make(map[string]*provider)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for name, p := range ps {
		wg.Go(func() {
			done := make(chan error, 1)
			go func() { done <- p.client.Close() }()

			var err error
			select {
			case err = <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close provider %s: %w", name, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
