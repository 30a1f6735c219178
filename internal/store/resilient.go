// ABOUTME: Persister wrapper that survives storage outages with bounded per-conversation retry lanes
// ABOUTME: Failed writes are retried in order with exponential backoff, then dead-lettered

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/support-gateway/internal/apperr"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/metrics"
)

// ResilientConfig configures a Resilient persister. Zero fields take defaults.
type ResilientConfig struct {
	WriteTimeout time.Duration
	MaxPending   int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
}

func (c ResilientConfig) withDefaults() ResilientConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

type pendingWrite struct {
	kind           string
	conversationID string
	attempts       int
	notBefore      time.Time
	run            func(ctx context.Context) error
}

// rowWrite reports whether w upserts the conversation row other writes hang off.
func (w *pendingWrite) rowWrite() bool {
	return w.kind == kindConversation || w.kind == kindTransition
}

const (
	kindConversation = "conversation"
	kindTransition   = "transition"
	kindMessage      = "message"
	kindRead         = "read"
)

// lane holds one conversation's queued writes in submit order. At most one
// write per lane runs at a time.
type lane struct {
	writes []*pendingWrite
	busy   bool
}

// Resilient tries each write synchronously. A write that fails is queued on
// its conversation's lane and retried by a background worker; later writes
// for that conversation queue behind it, other conversations are unaffected.
// A write that keeps failing is dead-lettered after MaxAttempts tries.
type Resilient struct {
	next       Persister
	cfg        ResilientConfig
	logger     *slog.Logger
	deadLetter *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
	total int

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	degraded     atomic.Bool
	dropped      atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

// NewResilient wraps next and starts the retry worker. Pass nil logger for default.
func NewResilient(next Persister, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "persistence")
	r := &Resilient{
		next:       next,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		deadLetter: logger.With("log", "dead_letter"),
		lanes:      make(map[string]*lane),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.worker()
	return r
}

// LoadOpenConversations reads through to the wrapped persister.
func (r *Resilient) LoadOpenConversations(ctx context.Context) ([]conversation.Restored, error) {
	out, err := r.next.LoadOpenConversations(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "load_open_conversations", err)
	}
	return out, nil
}

func (r *Resilient) PersistConversation(ctx context.Context, conv *conversation.Conversation) error {
	c := conv.Clone()
	return r.submit(ctx, kindConversation, c.ID, func(ctx context.Context) error {
		return r.next.PersistConversation(ctx, c)
	})
}

func (r *Resilient) PersistTransition(ctx context.Context, conv *conversation.Conversation, entry *conversation.StatusEntry) error {
	c := conv.Clone()
	var e *conversation.StatusEntry
	if entry != nil {
		cp := *entry
		e = &cp
	}
	return r.submit(ctx, kindTransition, c.ID, func(ctx context.Context) error {
		return r.next.PersistTransition(ctx, c, e)
	})
}

func (r *Resilient) PersistMessage(ctx context.Context, msg *conversation.Message) error {
	m := *msg
	return r.submit(ctx, kindMessage, m.ConversationID, func(ctx context.Context) error {
		return r.next.PersistMessage(ctx, &m)
	})
}

func (r *Resilient) PersistRead(ctx context.Context, conversationID string, sequences []uint64) error {
	seqs := append([]uint64(nil), sequences...)
	return r.submit(ctx, kindRead, conversationID, func(ctx context.Context) error {
		return r.next.PersistRead(ctx, conversationID, seqs)
	})
}

// submit runs w now when its lane is idle, otherwise queues it behind the
// lane. A nil return means the write is durable or will be retried; an error
// means it was dropped.
func (r *Resilient) submit(ctx context.Context, kind, conversationID string, run func(context.Context) error) error {
	w := &pendingWrite{kind: kind, conversationID: conversationID, run: run}

	r.mu.Lock()
	l := r.lanes[conversationID]
	if l == nil {
		l = &lane{}
		r.lanes[conversationID] = l
	}
	if l.busy || len(l.writes) > 0 {
		err := r.enqueueLocked(l, w, false)
		r.mu.Unlock()
		return err
	}
	l.busy = true
	r.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.WriteTimeout)
	err := run(wctx)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	l.busy = false
	if err == nil {
		r.releaseLocked(conversationID, l)
		return nil
	}

	r.logger.Warn("write failed, queued for retry",
		"kind", kind,
		"conversation_id", conversationID,
		"error", err)
	w.attempts = 1
	w.notBefore = time.Now().Add(r.backoff(1))
	// Anything queued on the lane meanwhile was submitted after w.
	return r.enqueueLocked(l, w, true)
}

func (r *Resilient) enqueueLocked(l *lane, w *pendingWrite, front bool) error {
	select {
	case <-r.stop:
		r.dropped.Add(1)
		r.releaseLocked(w.conversationID, l)
		return apperr.New(apperr.KindStorage, w.kind, "persistence is stopped")
	default:
	}
	if r.total >= r.cfg.MaxPending {
		r.dropped.Add(1)
		r.logger.Error("retry queue full, dropping write",
			"kind", w.kind,
			"conversation_id", w.conversationID,
			"pending", r.total)
		r.releaseLocked(w.conversationID, l)
		return apperr.Wrap(apperr.KindStorage, w.kind, ErrBacklogFull)
	}
	if front {
		l.writes = slices.Insert(l.writes, 0, w)
	} else {
		l.writes = append(l.writes, w)
	}
	r.total++
	r.degraded.Store(true)
	metrics.PersistPending.Set(float64(r.total))
	r.signal()
	return nil
}

// releaseLocked forgets an idle, empty lane, or wakes the worker for a lane
// that gained writes while busy.
func (r *Resilient) releaseLocked(conversationID string, l *lane) {
	switch {
	case l.busy:
	case len(l.writes) == 0:
		if r.lanes[conversationID] == l {
			delete(r.lanes, conversationID)
		}
	default:
		r.signal()
	}
}

func (r *Resilient) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// removeLocked takes a finished write off its lane.
func (r *Resilient) removeLocked(l *lane, w *pendingWrite) {
	i := slices.Index(l.writes, w)
	if i < 0 {
		return
	}
	l.writes = slices.Delete(l.writes, i, i+1)
	r.total--
	metrics.PersistPending.Set(float64(r.total))
	r.releaseLocked(w.conversationID, l)
	if r.total == 0 && r.degraded.Load() {
		r.degraded.Store(false)
		r.logger.Info("persistence recovered")
	}
}

// promoteRowLocked moves the lane's first conversation-row write to the
// front. A message or read receipt can reach storage before the row it
// belongs to; the row does not depend on them, so it may go first.
func (r *Resilient) promoteRowLocked(l *lane) bool {
	for i, w := range l.writes {
		if i == 0 || !w.rowWrite() {
			continue
		}
		l.writes = slices.Delete(l.writes, i, i+1)
		l.writes = slices.Insert(l.writes, 0, w)
		w.notBefore = time.Time{}
		return true
	}
	return false
}

func (r *Resilient) backoff(attempts int) time.Duration {
	d := r.cfg.RetryBase
	for i := 1; i < attempts && d < r.cfg.RetryMax; i++ {
		d *= 2
	}
	return min(d, r.cfg.RetryMax)
}

// nextDue claims the lane whose head write is due soonest. With nothing due
// yet it returns how long to wait, or a negative wait when nothing is queued.
func (r *Resilient) nextDue(now time.Time) (*pendingWrite, *lane, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *lane
	for _, l := range r.lanes {
		if l.busy || len(l.writes) == 0 {
			continue
		}
		if best == nil || l.writes[0].notBefore.Before(best.writes[0].notBefore) {
			best = l
		}
	}
	if best == nil {
		return nil, nil, -1
	}
	w := best.writes[0]
	if wait := w.notBefore.Sub(now); wait > 0 {
		return nil, nil, wait
	}
	best.busy = true
	return w, best, 0
}

func (r *Resilient) worker() {
	defer close(r.done)

	for {
		w, l, wait := r.nextDue(time.Now())
		if w != nil {
			r.retry(w, l)
			continue
		}

		var timer *time.Timer
		var due <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			due = timer.C
		}
		select {
		case <-r.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-r.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *Resilient) retry(w *pendingWrite, l *lane) {
	r.retried.Add(1)
	metrics.PersistRetries.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	err := w.run(ctx)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	l.busy = false
	if err == nil {
		r.removeLocked(l, w)
		return
	}

	w.attempts++
	if errors.Is(err, ErrNotFound) && r.promoteRowLocked(l) {
		r.logger.Debug("conversation row not stored yet, writing it first",
			"kind", w.kind,
			"conversation_id", w.conversationID)
		return
	}
	if w.attempts >= r.cfg.MaxAttempts {
		r.deadLetterLocked(l, w, err)
		return
	}
	w.notBefore = time.Now().Add(r.backoff(w.attempts))
	r.logger.Warn("retry failed",
		"kind", w.kind,
		"conversation_id", w.conversationID,
		"attempts", w.attempts,
		"next_in", r.backoff(w.attempts).String(),
		"error", err)
}

// deadLetterLocked gives up on w so the rest of its lane can proceed.
func (r *Resilient) deadLetterLocked(l *lane, w *pendingWrite, err error) {
	r.deadLettered.Add(1)
	metrics.PersistDeadLetters.Inc()
	r.deadLetter.Error("write abandoned",
		"kind", w.kind,
		"conversation_id", w.conversationID,
		"attempts", w.attempts,
		"error", err)
	r.removeLocked(l, w)
}

// Degraded reports whether writes are waiting for retry.
func (r *Resilient) Degraded() bool { return r.degraded.Load() }

// Pending is the number of queued writes.
func (r *Resilient) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Stats reports the persistence health counters.
type Stats struct {
	Degraded     bool   `json:"degraded"`
	Pending      int    `json:"pending"`
	Retried      uint64 `json:"retried"`
	Dropped      uint64 `json:"dropped"`
	DeadLettered uint64 `json:"dead_lettered"`
}

func (r *Resilient) Stats() Stats {
	return Stats{
		Degraded:     r.Degraded(),
		Pending:      r.Pending(),
		Retried:      r.retried.Load(),
		Dropped:      r.dropped.Load(),
		DeadLettered: r.deadLettered.Load(),
	}
}

// Close stops the retry worker and makes one last in-order attempt at each
// lane's queued writes, bounded by ctx. Writes still failing are reported.
func (r *Resilient) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done

	r.mu.Lock()
	ids := make([]string, 0, len(r.lanes))
	for id := range r.lanes {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)

	var firstErr error
	for _, id := range ids {
		r.mu.Lock()
		l := r.lanes[id]
		r.mu.Unlock()
		if l == nil {
			continue
		}
		if err := r.flushLane(ctx, l); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		n := r.Pending()
		r.logger.Error("unpersisted writes at shutdown", "pending", n, "error", firstErr)
		return fmt.Errorf("%d writes not persisted: %w", n, firstErr)
	}
	return nil
}

func (r *Resilient) flushLane(ctx context.Context, l *lane) error {
	for {
		r.mu.Lock()
		if len(l.writes) == 0 {
			r.mu.Unlock()
			return nil
		}
		w := l.writes[0]
		r.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
		err := w.run(wctx)
		cancel()

		r.mu.Lock()
		switch {
		case err == nil:
			r.removeLocked(l, w)
		case errors.Is(err, ErrNotFound) && r.promoteRowLocked(l):
		default:
			r.mu.Unlock()
			return err
		}
		r.mu.Unlock()
	}
}
