package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adlift/listing-engine/internal/lifecycle"
	"github.com/adlift/listing-engine/internal/lifecycle/store"
	"github.com/adlift/listing-engine/internal/pkg/distlock"
)

// =============================================================================
// OPTIMIZER WORKER
// =============================================================================
// The periodic driver over all listing optimizers. Each cycle it asks the
// store for optimizers whose renewal or optimization is due, then runs a
// read-check-advance-persist cycle per optimizer under a distributed lock:
// the lifecycle package computes the transition on a value copy, and the
// result is persisted exactly once or discarded whole. The due-ness
// re-check after taking the lock makes a stale ListDueIDs result harmless.

const (
	// DefaultPollInterval is how often to scan for due optimizers.
	DefaultPollInterval = 30 * time.Second

	// DefaultBatchSize caps how many optimizers one cycle processes.
	DefaultBatchSize = 50

	// DefaultLockTTL bounds how long a crashed holder can block an optimizer.
	DefaultLockTTL = 2 * time.Minute
)

// MetricsProvider supplies point-in-time performance metrics for a listing.
// The analytics system behind it is an external collaborator.
type MetricsProvider interface {
	Snapshot(ctx context.Context, listingID uuid.UUID) (lifecycle.MetricsSnapshot, error)
}

// StoreMetricsProvider reads the latest snapshot recorded by the analytics
// ingest from the engine's own database.
type StoreMetricsProvider struct {
	Store *store.OptimizerStore
}

// Snapshot returns the most recent metrics row for the listing.
func (p *StoreMetricsProvider) Snapshot(ctx context.Context, listingID uuid.UUID) (lifecycle.MetricsSnapshot, error) {
	return p.Store.LatestSnapshot(ctx, listingID)
}

// OptimizerWorker polls for due optimizers and executes renewals and
// optimization passes.
type OptimizerWorker struct {
	db          *sql.DB
	store       *store.OptimizerStore
	provider    MetricsProvider
	redisClient *redis.Client // optional; nil falls back to PG advisory locks

	workerID     string
	pollInterval time.Duration
	batchSize    int
	lockTTL      time.Duration
	now          func() time.Time

	// Stats
	renewalsExecuted int64
	passesExecuted   int64
	errors           int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewOptimizerWorker creates a worker over the given database handle.
func NewOptimizerWorker(db *sql.DB, provider MetricsProvider) *OptimizerWorker {
	return &OptimizerWorker{
		db:           db,
		store:        store.NewOptimizerStore(db),
		provider:     provider,
		workerID:     fmt.Sprintf("optimizer-%s-%d", getHostname(), time.Now().UnixNano()%10000),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		lockTTL:      DefaultLockTTL,
		now:          time.Now,
	}
}

// SetRedisClient sets the Redis client for distributed locking. If unset,
// the worker uses PostgreSQL advisory locks.
func (w *OptimizerWorker) SetRedisClient(client *redis.Client) {
	w.redisClient = client
}

// SetPollInterval overrides the scan interval.
func (w *OptimizerWorker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetBatchSize overrides how many optimizers one cycle processes.
func (w *OptimizerWorker) SetBatchSize(n int) {
	if n > 0 {
		w.batchSize = n
	}
}

// SetLockTTL overrides the per-optimizer lock TTL.
func (w *OptimizerWorker) SetLockTTL(d time.Duration) {
	if d > 0 {
		w.lockTTL = d
	}
}

// Start begins the polling loop.
func (w *OptimizerWorker) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("optimizer worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	log.Printf("[OptimizerWorker] Starting with poll interval: %v", w.pollInterval)

	w.registerWorker()

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.pollLoop()

	return nil
}

// Stop gracefully stops the worker.
func (w *OptimizerWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[OptimizerWorker] Stopping...")
	w.cancel()
	w.wg.Wait()
	w.deregisterWorker()
	log.Printf("[OptimizerWorker] Stopped. Renewals: %d, Passes: %d, Errors: %d",
		atomic.LoadInt64(&w.renewalsExecuted),
		atomic.LoadInt64(&w.passesExecuted),
		atomic.LoadInt64(&w.errors))
}

// IsRunning reports whether the worker loop is active.
func (w *OptimizerWorker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns the counters since Start.
func (w *OptimizerWorker) Stats() (renewals, passes, errs int64) {
	return atomic.LoadInt64(&w.renewalsExecuted),
		atomic.LoadInt64(&w.passesExecuted),
		atomic.LoadInt64(&w.errors)
}

func (w *OptimizerWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processDueOptimizers()
		}
	}
}

// processDueOptimizers runs one scan cycle.
func (w *OptimizerWorker) processDueOptimizers() {
	ctx, cancel := context.WithTimeout(w.ctx, 60*time.Second)
	defer cancel()

	ids, err := w.store.ListDueIDs(ctx, w.now(), w.batchSize)
	if err != nil {
		log.Printf("[OptimizerWorker] Error listing due optimizers: %v", err)
		atomic.AddInt64(&w.errors, 1)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := w.ProcessOne(ctx, id); err != nil {
			log.Printf("[OptimizerWorker] Error processing optimizer %s: %v", id, err)
			atomic.AddInt64(&w.errors, 1)
		}
	}
}

// ProcessOne executes whatever is due for a single optimizer under its lock.
// It is also the path the API's force-run endpoint goes through, so manual
// runs and scheduled runs share the same single-writer discipline.
func (w *OptimizerWorker) ProcessOne(ctx context.Context, id uuid.UUID) error {
	lock := distlock.NewLock(w.redisClient, w.db, fmt.Sprintf("optimizer:%s", id), w.lockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		log.Printf("[OptimizerWorker] Optimizer %s already being processed by another worker", id)
		return nil
	}
	defer lock.Release(ctx)

	o, err := w.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load optimizer: %w", err)
	}

	// Re-check due-ness on the fresh row: another worker may have advanced
	// the schedule between ListDueIDs and our lock acquisition.
	now := w.now()
	ranPass := false
	var appended []lifecycle.HistoryEntry

	if lifecycle.IsDueForOptimization(o, now) {
		o, appended, err = w.runOptimizationPass(ctx, o, now)
		if err != nil {
			return err
		}
		ranPass = true
	}

	ranRenewal := false
	if lifecycle.IsDueForRenewal(o, now) {
		o, err = lifecycle.AdvanceAfterRenewal(o, now, o.Schedule.RenewEvery)
		if err != nil {
			return fmt.Errorf("advance renewal for optimizer %s: %w", id, err)
		}
		ranRenewal = true
	}

	if !ranPass && !ranRenewal {
		return nil
	}

	// Persist the whole transition or nothing. A context already past its
	// deadline discards the computed value instead of applying it partially.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, entry := range appended {
		if err := w.store.AppendHistory(ctx, o.ID, entry); err != nil {
			return err
		}
	}
	if err := w.store.Update(ctx, o); err != nil {
		return fmt.Errorf("persist optimizer %s: %w", id, err)
	}

	if ranPass {
		atomic.AddInt64(&w.passesExecuted, 1)
		log.Printf("[OptimizerWorker] Optimizer %s: optimization pass complete (score: %.1f)", id, o.OptimizationScore)
	}
	if ranRenewal {
		atomic.AddInt64(&w.renewalsExecuted, 1)
		log.Printf("[OptimizerWorker] Optimizer %s: renewal %d executed, next at %s",
			id, o.RenewalCount, o.NextRenewalDate.Format(time.RFC3339))
	}
	return nil
}

// runOptimizationPass refreshes metrics, the best variant and the score, then
// advances the optimization schedule. Returned history entries still need to
// be persisted by the caller.
func (w *OptimizerWorker) runOptimizationPass(ctx context.Context, o lifecycle.Optimizer, now time.Time) (lifecycle.Optimizer, []lifecycle.HistoryEntry, error) {
	snapshot, err := w.provider.Snapshot(ctx, o.ListingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No metrics recorded yet; score against what the aggregate holds.
	case err != nil:
		return o, nil, fmt.Errorf("fetch metrics for listing %s: %w", o.ListingID, err)
	default:
		o = lifecycle.ApplyMetrics(o, snapshot, now)
	}

	probs, err := w.store.ConversionProbabilities(ctx, o.ID)
	if err != nil {
		return o, nil, err
	}
	o = lifecycle.RefreshBestVariant(o, probs)
	o.OptimizationScore = lifecycle.RecomputeOptimizationScore(o)

	before := len(o.History)
	o, err = lifecycle.AdvanceAfterOptimizationRun(o, now, o.Schedule.OptimizeEvery)
	if err != nil {
		// Misconfigured cadence is surfaced, never defaulted; the schedule
		// stays put until the owner fixes the configuration.
		return o, nil, fmt.Errorf("advance optimization for optimizer %s: %w", o.ID, err)
	}
	return o, o.History[before:], nil
}

func (w *OptimizerWorker) registerWorker() {
	_, err := w.db.Exec(`
		INSERT INTO optimizer_workers (id, hostname, status, started_at, last_heartbeat_at)
		VALUES ($1, $2, 'running', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET status = 'running', last_heartbeat_at = NOW()
	`, w.workerID, getHostname())
	if err != nil {
		log.Printf("[OptimizerWorker] Warning: Failed to register worker: %v", err)
	}
}

func (w *OptimizerWorker) deregisterWorker() {
	_, err := w.db.Exec(`
		UPDATE optimizer_workers SET status = 'stopped' WHERE id = $1
	`, w.workerID)
	if err != nil {
		log.Printf("[OptimizerWorker] Warning: Failed to deregister worker: %v", err)
	}
}

func (w *OptimizerWorker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.db.Exec(`
				UPDATE optimizer_workers
				SET last_heartbeat_at = NOW(),
				    metadata = $2
				WHERE id = $1
			`, w.workerID, fmt.Sprintf(`{"renewals_executed": %d, "passes_executed": %d, "errors": %d}`,
				atomic.LoadInt64(&w.renewalsExecuted),
				atomic.LoadInt64(&w.passesExecuted),
				atomic.LoadInt64(&w.errors)))
		}
	}
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
