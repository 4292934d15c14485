// Package worker runs the pending-change sweeper: a poll loop that finds
// memberships whose scheduled downgrade or cycle change is due and resyncs
// them from the processor, with bounded concurrency and graceful shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "membership_sweeper_runs_total",
		Help: "Number of pending-change sweeps started.",
	})
	sweepResyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "membership_sweeper_resyncs_total",
		Help: "Subscriptions resynced by the sweeper, by outcome.",
	}, []string{"outcome"})
)

// Source lists subscriptions with a pending change due at or before asOf.
type Source interface {
	ListDueSubscriptions(ctx context.Context, asOf time.Time, limit int) ([]string, error)
}

// Resyncer reconciles one subscription from the processor.
type Resyncer interface {
	ResyncSubscription(ctx context.Context, subscriptionID string) error
}

// Instrumentation provides hooks for monitoring resync lifecycle
type Instrumentation struct {
	OnStart     func(subscriptionID string)
	OnComplete  func(subscriptionID string, duration time.Duration)
	OnFail      func(subscriptionID string, err error, duration time.Duration)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats is a snapshot of sweeper counters.
type Stats struct {
	Sweeps           int64
	Resyncs          int64
	ResyncsSucceeded int64
	ResyncsFailed    int64
	InFlight         int
	LastSweepAt      time.Time
	LastResyncAt     time.Time
}

// Config tunes the sweeper.
type Config struct {
	// MaxConcurrent is the maximum number of concurrent resyncs
	MaxConcurrent int
	// PollInterval is the time between sweeps
	PollInterval time.Duration
	// BatchSize caps how many subscriptions one sweep picks up
	BatchSize int
	// ResyncTimeout is the maximum time allowed for one resync
	ResyncTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for resyncs to finish during shutdown
	ShutdownTimeout time.Duration
	// HeartbeatInterval is the interval for sending heartbeat stats
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the production sweeper settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     4,
		PollInterval:      5 * time.Minute,
		BatchSize:         100,
		ResyncTimeout:     30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 5 * time.Minute,
	}
}

// Worker sweeps due pending changes.
type Worker struct {
	config          Config
	source          Source
	resyncer        Resyncer
	instrumentation *Instrumentation
	now             func() time.Time

	workerID  string
	wg        sync.WaitGroup
	queue     chan string
	stopCh    chan struct{}
	started   bool
	startedAt time.Time
	stopped   bool
	mu        sync.RWMutex

	// inFlight dedupes subscriptions across overlapping sweeps
	inFlight map[string]context.CancelFunc

	statsMu          sync.RWMutex
	sweeps           int64
	resyncs          int64
	resyncsSucceeded int64
	resyncsFailed    int64
	lastSweepAt      time.Time
	lastResyncAt     time.Time
}

// New creates a sweeper. Zero config fields take their defaults.
func New(config Config, source Source, resyncer Resyncer) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.ResyncTimeout <= 0 {
		config.ResyncTimeout = def.ResyncTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}

	return &Worker{
		config:          config,
		source:          source,
		resyncer:        resyncer,
		instrumentation: &Instrumentation{},
		now:             time.Now,
		workerID:        generateWorkerID(),
		queue:           make(chan string, config.BatchSize),
		stopCh:          make(chan struct{}),
		inFlight:        make(map[string]context.CancelFunc),
	}
}

// SetInstrumentation replaces the lifecycle hooks.
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instrumentation = inst
}

func (w *Worker) hooks() *Instrumentation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instrumentation
}

// Start launches the sweep loop and the processor pool. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.startedAt = w.now()
	w.mu.Unlock()

	log.Printf("[worker] Starting with ID: %s, max concurrent: %d, poll interval: %v", w.workerID, w.config.MaxConcurrent, w.config.PollInterval)

	if w.hooks().OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.resyncLoop(ctx, i)
	}

	w.wg.Add(1)
	go w.sweepLoop(ctx)
}

// Stop waits up to ShutdownTimeout for in-flight resyncs, then cancels them.
func (w *Worker) Stop(ctx context.Context) error {
	log.Printf("[worker] Initiating graceful shutdown...")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[worker] Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		w.cancelInFlight()
		log.Printf("[worker] Shutdown timeout exceeded, forcing stop")
		return errors.New("shutdown timeout exceeded")
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[worker] Sweep error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Sweep lists due subscriptions once and queues those not already in flight.
func (w *Worker) Sweep(ctx context.Context) error {
	sweepRunsTotal.Inc()
	asOf := w.now()

	ids, err := w.source.ListDueSubscriptions(ctx, asOf, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list due subscriptions: %w", err)
	}

	w.statsMu.Lock()
	w.sweeps++
	w.lastSweepAt = asOf
	w.statsMu.Unlock()

	if len(ids) > 0 {
		log.Printf("[worker] Sweep found %d subscriptions with due pending changes", len(ids))
	}

	for _, id := range ids {
		if !w.claim(id) {
			continue
		}
		select {
		case w.queue <- id:
		case <-ctx.Done():
			w.release(id)
			return ctx.Err()
		case <-w.stopCh:
			w.release(id)
			return nil
		}
	}
	return nil
}

// resyncLoop drains the queue until shutdown.
func (w *Worker) resyncLoop(ctx context.Context, id int) {
	defer w.wg.Done()

	poolID := fmt.Sprintf("%s-%d", w.workerID, id)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[worker] %s shutting down (context cancelled)", poolID)
			return
		case <-w.stopCh:
			return
		case subID := <-w.queue:
			w.process(ctx, subID)
		}
	}
}

func (w *Worker) process(ctx context.Context, subscriptionID string) {
	start := time.Now()

	resyncCtx, cancel := context.WithTimeout(ctx, w.config.ResyncTimeout)
	defer cancel()
	w.track(subscriptionID, cancel)
	defer w.release(subscriptionID)

	hooks := w.hooks()
	if hooks.OnStart != nil {
		hooks.OnStart(subscriptionID)
	}

	err := w.resyncer.ResyncSubscription(resyncCtx, subscriptionID)
	duration := time.Since(start)

	w.statsMu.Lock()
	w.resyncs++
	w.lastResyncAt = time.Now()
	if err != nil {
		w.resyncsFailed++
	} else {
		w.resyncsSucceeded++
	}
	w.statsMu.Unlock()

	if err != nil {
		sweepResyncsTotal.WithLabelValues("error").Inc()
		log.Printf("[worker] Resync of %s failed after %v: %v", subscriptionID, duration, err)
		if hooks.OnFail != nil {
			hooks.OnFail(subscriptionID, err, duration)
		}
		return
	}

	sweepResyncsTotal.WithLabelValues("ok").Inc()
	log.Printf("[worker] Resynced %s in %v", subscriptionID, duration)
	if hooks.OnComplete != nil {
		hooks.OnComplete(subscriptionID, duration)
	}
}

// claim marks a subscription in flight. It returns false if it already was.
func (w *Worker) claim(subscriptionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inFlight[subscriptionID]; busy {
		return false
	}
	w.inFlight[subscriptionID] = nil
	return true
}

func (w *Worker) track(subscriptionID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight[subscriptionID] = cancel
}

func (w *Worker) release(subscriptionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, subscriptionID)
}

func (w *Worker) cancelInFlight() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.inFlight {
		if cancel != nil {
			cancel()
		}
	}
}

// heartbeat reports Stats every HeartbeatInterval.
func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if hb := w.hooks().OnHeartbeat; hb != nil {
				hb(w.workerID, w.GetStats())
			}
		}
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	active := 0
	for _, cancel := range w.inFlight {
		if cancel != nil {
			active++
		}
	}
	w.mu.RUnlock()

	return Stats{
		Sweeps:           w.sweeps,
		Resyncs:          w.resyncs,
		ResyncsSucceeded: w.resyncsSucceeded,
		ResyncsFailed:    w.resyncsFailed,
		InFlight:         active,
		LastSweepAt:      w.lastSweepAt,
		LastResyncAt:     w.lastResyncAt,
	}
}

// staleSweeps is how many poll intervals may pass without a completed sweep
// before Check reports the sweeper unhealthy.
const staleSweeps = 3

// Check reports an error when the sweeper is not running or has not
// completed a sweep recently. It fits handlers.Check.
func (w *Worker) Check(ctx context.Context) error {
	w.mu.RLock()
	started, stopped, startedAt := w.started, w.stopped, w.startedAt
	w.mu.RUnlock()
	if !started || stopped {
		return errors.New("sweeper is not running")
	}

	last := w.GetStats().LastSweepAt
	if last.IsZero() {
		last = startedAt
	}
	if age := w.now().Sub(last); age > staleSweeps*w.config.PollInterval {
		return fmt.Errorf("last sweep %s ago", age.Truncate(time.Second))
	}
	return nil
}

// LogHeartbeat is an OnHeartbeat hook that logs the counters.
func LogHeartbeat(workerID string, stats Stats) {
	log.Printf("[worker] %s heartbeat: sweeps=%d resyncs=%d succeeded=%d failed=%d in_flight=%d last_sweep=%s",
		workerID, stats.Sweeps, stats.Resyncs, stats.ResyncsSucceeded, stats.ResyncsFailed,
		stats.InFlight, stats.LastSweepAt.Format(time.RFC3339))
}

func generateWorkerID() string {
	return "sweeper-" + uuid.NewString()[:8]
}
