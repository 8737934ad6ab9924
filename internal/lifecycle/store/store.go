package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adlift/listing-engine/internal/lifecycle"
)

// ErrNotFound is returned when no optimizer row exists for the given id.
var ErrNotFound = errors.New("optimizer not found")

// OptimizerStore persists ListingOptimizer aggregates. The engine itself is
// pure; every read-check-advance-persist cycle goes through this store under
// the caller's lock.
type OptimizerStore struct {
	db *sql.DB
}

// NewOptimizerStore creates a store over an open database handle.
func NewOptimizerStore(db *sql.DB) *OptimizerStore {
	return &OptimizerStore{db: db}
}

const optimizerColumns = `
	id, listing_id, user_id, optimizer_type,
	rules, schedule,
	auto_renew_enabled, renewal_interval, next_renewal_date, last_renewal_date,
	renewal_count, renewal_budget,
	last_optimization_run, next_optimization_run, optimization_score,
	goal_targets, current_metrics, suggestions, best_variant_id,
	created_at, updated_at`

// Create inserts a new optimizer row plus its variant rows.
func (s *OptimizerStore) Create(ctx context.Context, o lifecycle.Optimizer) error {
	rules, schedule, targets, metrics, suggestions, err := marshalConfig(o)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO listing_optimizers (`+optimizerColumns+`
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9, $10,
			$11, $12,
			$13, $14, $15,
			$16, $17, $18, $19,
			$20, $21
		)`,
		o.ID, o.ListingID, o.UserID, string(o.Type),
		rules, schedule,
		o.AutoRenewEnabled, string(o.RenewalInterval), nullTime(o.NextRenewalDate), nullTime(o.LastRenewalDate),
		o.RenewalCount, o.RenewalBudget,
		nullTime(o.LastOptimizationRun), nullTime(o.NextOptimizationRun), o.OptimizationScore,
		targets, metrics, suggestions, nullUUID(o.BestPerformingVariant),
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert optimizer: %w", err)
	}

	return s.replaceVariantRows(ctx, o.ID, o.Variants)
}

// Get loads an optimizer with its variants and full history. The best-variant
// invariant is re-checked on load so a corrupted row surfaces as
// lifecycle.ErrVariantNotFound instead of propagating silently.
func (s *OptimizerStore) Get(ctx context.Context, id uuid.UUID) (lifecycle.Optimizer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+optimizerColumns+`
		FROM listing_optimizers
		WHERE id = $1`, id)

	o, err := scanOptimizer(row)
	if err != nil {
		return lifecycle.Optimizer{}, err
	}

	if o.Variants, err = s.loadVariants(ctx, id); err != nil {
		return lifecycle.Optimizer{}, err
	}
	if o.History, err = s.loadHistory(ctx, id); err != nil {
		return lifecycle.Optimizer{}, err
	}
	if err := lifecycle.ValidateBestVariant(o); err != nil {
		return lifecycle.Optimizer{}, fmt.Errorf("optimizer %s: %w", id, err)
	}
	return o, nil
}

// Update persists the mutable fields of an aggregate. History rows are not
// written here: appends go through AppendHistory so the audit trail is
// INSERT-only at the storage layer too.
func (s *OptimizerStore) Update(ctx context.Context, o lifecycle.Optimizer) error {
	rules, schedule, targets, metrics, suggestions, err := marshalConfig(o)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE listing_optimizers SET
			rules = $2, schedule = $3,
			auto_renew_enabled = $4, renewal_interval = $5,
			next_renewal_date = $6, last_renewal_date = $7,
			renewal_count = $8, renewal_budget = $9,
			last_optimization_run = $10, next_optimization_run = $11,
			optimization_score = $12,
			goal_targets = $13, current_metrics = $14, suggestions = $15,
			best_variant_id = $16,
			updated_at = $17
		WHERE id = $1`,
		o.ID,
		rules, schedule,
		o.AutoRenewEnabled, string(o.RenewalInterval),
		nullTime(o.NextRenewalDate), nullTime(o.LastRenewalDate),
		o.RenewalCount, o.RenewalBudget,
		nullTime(o.LastOptimizationRun), nullTime(o.NextOptimizationRun),
		o.OptimizationScore,
		targets, metrics, suggestions,
		nullUUID(o.BestPerformingVariant),
		o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update optimizer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an optimizer and, via FK cascade, its variants and history.
// Deletion is an explicit external operation; retirement never deletes.
func (s *OptimizerStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM listing_optimizers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete optimizer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendHistory appends one history entry. There is deliberately no update or
// delete counterpart for history rows.
func (s *OptimizerStore) AppendHistory(ctx context.Context, optimizerID uuid.UUID, entry lifecycle.HistoryEntry) error {
	metrics, err := json.Marshal(entry.Metrics)
	if err != nil {
		return fmt.Errorf("marshal history metrics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO listing_optimization_history (optimizer_id, recorded_at, metrics)
		VALUES ($1, $2, $3)`,
		optimizerID, entry.Timestamp, metrics)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListDueIDs returns ids of optimizers due for renewal or optimization at
// now, soonest first. Callers must take the per-optimizer lock and re-check
// due-ness on the fresh row before advancing.
func (s *OptimizerStore) ListDueIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM listing_optimizers
		WHERE (auto_renew_enabled AND next_renewal_date IS NOT NULL AND next_renewal_date <= $1)
		   OR (next_optimization_run IS NOT NULL AND next_optimization_run <= $1)
		ORDER BY LEAST(
			COALESCE(next_renewal_date, 'infinity'::timestamptz),
			COALESCE(next_optimization_run, 'infinity'::timestamptz)
		)
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due optimizers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceVariants swaps the stored variant set for an optimizer.
func (s *OptimizerStore) ReplaceVariants(ctx context.Context, optimizerID uuid.UUID, variants []lifecycle.Variant) error {
	return s.replaceVariantRows(ctx, optimizerID, variants)
}

// RecordConversionProbability stores the latest measured conversion
// probability for one variant.
func (s *OptimizerStore) RecordConversionProbability(ctx context.Context, variantID uuid.UUID, p float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listing_variants SET conversion_probability = $2 WHERE id = $1`,
		variantID, p)
	if err != nil {
		return fmt.Errorf("record conversion probability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lifecycle.ErrVariantNotFound
	}
	return nil
}

// ConversionProbabilities returns the recorded probabilities for an
// optimizer's variants. Variants without a recorded value are absent.
func (s *OptimizerStore) ConversionProbabilities(ctx context.Context, optimizerID uuid.UUID) (map[uuid.UUID]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversion_probability
		FROM listing_variants
		WHERE optimizer_id = $1 AND conversion_probability IS NOT NULL`, optimizerID)
	if err != nil {
		return nil, fmt.Errorf("load conversion probabilities: %w", err)
	}
	defer rows.Close()

	probs := make(map[uuid.UUID]float64)
	for rows.Next() {
		var id uuid.UUID
		var p float64
		if err := rows.Scan(&id, &p); err != nil {
			return nil, err
		}
		probs[id] = p
	}
	return probs, rows.Err()
}

// LatestSnapshot reads the most recent metrics row recorded for a listing by
// the analytics ingest. Returns sql.ErrNoRows when none exists yet.
func (s *OptimizerStore) LatestSnapshot(ctx context.Context, listingID uuid.UUID) (lifecycle.MetricsSnapshot, error) {
	var m lifecycle.MetricsSnapshot
	var convRate, ctr sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT impressions, clicks, conversions, conversion_rate, ctr
		FROM listing_metrics
		WHERE listing_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1`, listingID).
		Scan(&m.Impressions, &m.Clicks, &m.Conversions, &convRate, &ctr)
	if err != nil {
		return lifecycle.MetricsSnapshot{}, err
	}
	if convRate.Valid {
		m.ConversionRate = &convRate.Float64
	}
	if ctr.Valid {
		m.CTR = &ctr.Float64
	}
	return m, nil
}

func (s *OptimizerStore) replaceVariantRows(ctx context.Context, optimizerID uuid.UUID, variants []lifecycle.Variant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM listing_variants WHERE optimizer_id = $1`, optimizerID); err != nil {
		return fmt.Errorf("clear variants: %w", err)
	}
	for _, v := range variants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO listing_variants (id, optimizer_id, name, position, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			v.ID, optimizerID, v.Name, v.Position, v.CreatedAt); err != nil {
			return fmt.Errorf("insert variant %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

func (s *OptimizerStore) loadVariants(ctx context.Context, optimizerID uuid.UUID) ([]lifecycle.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, position, created_at
		FROM listing_variants
		WHERE optimizer_id = $1
		ORDER BY position`, optimizerID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	defer rows.Close()

	var variants []lifecycle.Variant
	for rows.Next() {
		var v lifecycle.Variant
		if err := rows.Scan(&v.ID, &v.Name, &v.Position, &v.CreatedAt); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (s *OptimizerStore) loadHistory(ctx context.Context, optimizerID uuid.UUID) ([]lifecycle.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recorded_at, metrics
		FROM listing_optimization_history
		WHERE optimizer_id = $1
		ORDER BY recorded_at, id`, optimizerID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var history []lifecycle.HistoryEntry
	for rows.Next() {
		var e lifecycle.HistoryEntry
		var metrics []byte
		if err := rows.Scan(&e.Timestamp, &metrics); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metrics, &e.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal history metrics: %w", err)
		}
		history = append(history, e)
	}
	return history, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOptimizer(row scanner) (lifecycle.Optimizer, error) {
	var (
		o                                           lifecycle.Optimizer
		typ, interval                               string
		rules, schedule, targets, metrics, suggests []byte
		nextRenewal, lastRenewal, lastRun, nextRun  sql.NullTime
		bestVariant                                 sql.NullString
	)

	err := row.Scan(
		&o.ID, &o.ListingID, &o.UserID, &typ,
		&rules, &schedule,
		&o.AutoRenewEnabled, &interval, &nextRenewal, &lastRenewal,
		&o.RenewalCount, &o.RenewalBudget,
		&lastRun, &nextRun, &o.OptimizationScore,
		&targets, &metrics, &suggests, &bestVariant,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("scan optimizer: %w", err)
	}

	o.Type = lifecycle.OptimizerType(typ)
	o.RenewalInterval = lifecycle.RenewalInterval(interval)
	o.NextRenewalDate = timePtr(nextRenewal)
	o.LastRenewalDate = timePtr(lastRenewal)
	o.LastOptimizationRun = timePtr(lastRun)
	o.NextOptimizationRun = timePtr(nextRun)

	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &o.Rules); err != nil {
			return o, fmt.Errorf("unmarshal rules: %w", err)
		}
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &o.Schedule); err != nil {
			return o, fmt.Errorf("unmarshal schedule: %w", err)
		}
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &o.Targets); err != nil {
			return o, fmt.Errorf("unmarshal goal targets: %w", err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &o.CurrentMetrics); err != nil {
			return o, fmt.Errorf("unmarshal current metrics: %w", err)
		}
	}
	if len(suggests) > 0 {
		if err := json.Unmarshal(suggests, &o.Suggestions); err != nil {
			return o, fmt.Errorf("unmarshal suggestions: %w", err)
		}
	}
	if bestVariant.Valid {
		id, err := uuid.Parse(bestVariant.String)
		if err != nil {
			return o, fmt.Errorf("parse best variant id: %w", err)
		}
		o.BestPerformingVariant = &id
	}
	return o, nil
}

func marshalConfig(o lifecycle.Optimizer) (rules, schedule, targets, metrics, suggestions []byte, err error) {
	if rules, err = json.Marshal(o.Rules); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal rules: %w", err)
	}
	if schedule, err = json.Marshal(o.Schedule); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal schedule: %w", err)
	}
	if targets, err = json.Marshal(o.Targets); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal goal targets: %w", err)
	}
	if metrics, err = json.Marshal(o.CurrentMetrics); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal current metrics: %w", err)
	}
	if suggestions, err = json.Marshal(o.Suggestions); err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("marshal suggestions: %w", err)
	}
	return rules, schedule, targets, metrics, suggestions, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}
