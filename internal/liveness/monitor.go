// ABOUTME: Heartbeat, reaper and typing-expiry loops keeping broker connections honest
// ABOUTME: A tick that arrives while the previous cycle is still running is skipped

package liveness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/support-gateway/internal/metrics"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReapInterval      = 60 * time.Second
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultTypingTTL         = 5 * time.Second
)

// Target is the broker surface the loops drive.
type Target interface {
	Heartbeat() int
	EvictIdle(now time.Time, timeout time.Duration) int
	ExpireTyping(now time.Time, ttl time.Duration) int
}

// Config holds loop timing. Zero fields take the defaults.
type Config struct {
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	IdleTimeout       time.Duration
	TypingTTL         time.Duration
	// TypingInterval is how often stale typing indicators are swept.
	// Defaults to half of TypingTTL.
	TypingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = c.TypingTTL / 2
	}
	return c
}

// cycle guards one loop so that at most one run is in flight.
type cycle struct {
	name    string
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

func (c *cycle) run(fn func()) bool {
	if !c.running.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		metrics.LivenessCyclesSkipped.WithLabelValues(c.name).Inc()
		return false
	}
	defer c.running.Store(false)
	fn()
	c.runs.Add(1)
	return true
}

// Monitor runs the heartbeat, reaper and typing-expiry loops.
type Monitor struct {
	target Target
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	heartbeat cycle
	reap      cycle
	typing    cycle

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastEvicted atomic.Int64
	lastExpired atomic.Int64
}

// NewMonitor creates a monitor for target. Pass nil logger for default.
func NewMonitor(target Target, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		target:    target,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    logger.With("component", "liveness"),
		heartbeat: cycle{name: "heartbeat"},
		reap:      cycle{name: "reaper"},
		typing:    cycle{name: "typing"},
	}
}

// Start launches the loops. They stop when ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Go(func() { m.loop(ctx, m.cfg.HeartbeatInterval, m.RunHeartbeat) })
	m.wg.Go(func() { m.loop(ctx, m.cfg.ReapInterval, m.RunReap) })
	m.wg.Go(func() { m.loop(ctx, m.cfg.TypingInterval, m.RunTypingExpiry) })

	m.logger.Info("liveness loops started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"reap_interval", m.cfg.ReapInterval,
		"idle_timeout", m.cfg.IdleTimeout,
		"typing_ttl", m.cfg.TypingTTL,
		"typing_interval", m.cfg.TypingInterval)
}

// loop fires run on every tick. Each run gets its own goroutine so a slow
// cycle does not delay the ticker; the cycle guard drops overlapping ticks.
func (m *Monitor) loop(ctx context.Context, interval time.Duration, run func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inflight.Go(func() { run() })
		}
	}
}

// Stop cancels the loops and waits for in-flight cycles to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("liveness loops stopped")
}

// RunHeartbeat runs one heartbeat cycle now. It returns false when a cycle
// was already in flight and this one was skipped.
func (m *Monitor) RunHeartbeat() bool {
	return m.heartbeat.run(func() {
		n := m.target.Heartbeat()
		m.logger.Debug("heartbeat sent", "connections", n)
	})
}

// RunReap runs one reaper cycle now, evicting idle connections.
func (m *Monitor) RunReap() bool {
	return m.reap.run(func() {
		evicted := m.target.EvictIdle(m.now(), m.cfg.IdleTimeout)
		m.lastEvicted.Store(int64(evicted))
		if evicted > 0 {
			m.logger.Info("reaper cycle", "evicted", evicted)
		}
	})
}

// RunTypingExpiry clears typing indicators older than the TTL.
func (m *Monitor) RunTypingExpiry() bool {
	return m.typing.run(func() {
		expired := m.target.ExpireTyping(m.now(), m.cfg.TypingTTL)
		m.lastExpired.Store(int64(expired))
		if expired > 0 {
			m.logger.Debug("typing indicators expired", "count", expired)
		}
	})
}

// Stats reports loop counters.
type Stats struct {
	HeartbeatRuns     uint64 `json:"heartbeat_runs"`
	HeartbeatSkipped  uint64 `json:"heartbeat_skipped"`
	ReapRuns          uint64 `json:"reap_runs"`
	ReapSkipped       uint64 `json:"reap_skipped"`
	TypingRuns        uint64 `json:"typing_runs"`
	TypingSkipped     uint64 `json:"typing_skipped"`
	LastEvicted       int64  `json:"last_evicted"`
	LastTypingExpired int64  `json:"last_typing_expired"`
}

func (m *Monitor) Stats() Stats {
	return Stats{
		HeartbeatRuns:     m.heartbeat.runs.Load(),
		HeartbeatSkipped:  m.heartbeat.skipped.Load(),
		ReapRuns:          m.reap.runs.Load(),
		ReapSkipped:       m.reap.skipped.Load(),
		TypingRuns:        m.typing.runs.Load(),
		TypingSkipped:     m.typing.skipped.Load(),
		LastEvicted:       m.lastEvicted.Load(),
		LastTypingExpired: m.lastExpired.Load(),
	}
}
