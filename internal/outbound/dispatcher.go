// ABOUTME: Bounded worker pool delivering outbound messages off the request path
// ABOUTME: Failures are retried a few times, then logged and counted; appends are never rolled back

package outbound

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/support-gateway/internal/apperr"
	"github.com/2389/support-gateway/internal/metrics"
)

// DispatcherConfig configures the worker pool. Zero fields take defaults.
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Dispatcher runs deliveries on a fixed set of workers.
type Dispatcher struct {
	target Deliverer
	cfg    DispatcherConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan Delivery
	stop   chan struct{}
	wg     sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher starts the workers. Pass nil logger for default.
func NewDispatcher(target Deliverer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		target: target,
		cfg:    cfg,
		logger: logger.With("component", "outbound"),
		jobs:   make(chan Delivery, cfg.QueueSize),
		stop:   make(chan struct{}),
	}
	for range cfg.Workers {
		d.wg.Go(d.work)
	}
	return d
}

// Submit queues a delivery without blocking.
func (d *Dispatcher) Submit(del Delivery) error {
	const op = "outbound_submit"
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return apperr.New(apperr.KindUnavailable, op, "outbound dispatcher is closed")
	}
	select {
	case d.jobs <- del:
		return nil
	default:
		d.dropped.Add(1)
		metrics.OutboundDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Warn("outbound queue full, dropping delivery",
			"conversation_id", del.ConversationID,
			"message_id", del.Message.ID)
		return apperr.New(apperr.KindTransientDelivery, op, "outbound queue full")
	}
}

func (d *Dispatcher) work() {
	for del := range d.jobs {
		select {
		case <-d.stop:
			d.dropped.Add(1)
			metrics.OutboundDeliveries.WithLabelValues("dropped").Inc()
			continue
		default:
		}
		d.deliver(del)
	}
}

// wait sleeps before a retry. It reports false when the dispatcher is being
// stopped.
func (d *Dispatcher) wait(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.stop:
		return false
	}
}

func (d *Dispatcher) deliver(del Delivery) {
	var err error
	attempts := 0
	for attempts < d.cfg.MaxAttempts {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		err = d.target.Deliver(ctx, del)
		cancel()
		if err == nil {
			d.delivered.Add(1)
			metrics.OutboundDeliveries.WithLabelValues("delivered").Inc()
			return
		}
		if attempts == d.cfg.MaxAttempts || !d.wait(d.cfg.RetryDelay*time.Duration(attempts)) {
			break
		}
	}

	d.failed.Add(1)
	metrics.OutboundDeliveries.WithLabelValues("failed").Inc()
	d.logger.Error("outbound delivery failed",
		"conversation_id", del.ConversationID,
		"message_id", del.Message.ID,
		"attempts", attempts,
		"error", apperr.Wrap(apperr.KindTransientDelivery, "outbound_deliver", err))
}

// Stats reports delivery counters.
type Stats struct {
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.jobs),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Close stops accepting work and waits for queued deliveries until ctx ends.
// Retry waits are cut short once ctx ends. The wrapped Deliverer is closed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		close(d.stop)
		<-done
		err = ctx.Err()
	}
	if cerr := d.target.Close(); cerr != nil && err == nil {
		err = cerr
	}
	d.logger.Info("outbound dispatcher stopped", "delivered", d.delivered.Load(), "failed", d.failed.Load())
	return err
}
