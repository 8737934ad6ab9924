package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/adlift/listing-engine/internal/lifecycle"
	"github.com/adlift/listing-engine/internal/lifecycle/store"
	"github.com/adlift/listing-engine/internal/pkg/distlock"
	"github.com/adlift/listing-engine/internal/pkg/logger"
)

// =============================================================================
// OPTIMIZER HANDLERS
// =============================================================================
// HTTP surface over the listing optimizer lifecycle. Enables:
// - CRUD for optimizers and their configuration
// - Auto-renew enable/disable
// - Variant management and suggestion/history reads
// - Forcing an optimization pass through the worker's single-writer path
//
// Mutating handlers take the same per-optimizer distributed lock the worker
// takes, so an API write can never interleave with a scheduled advance.

// Runner executes one full optimization cycle for an optimizer. The worker
// implements it; the force-run endpoint goes through it so manual and
// scheduled runs share one code path.
type Runner interface {
	ProcessOne(ctx context.Context, id uuid.UUID) error
}

// OptimizerService handles listing optimizer API endpoints.
type OptimizerService struct {
	db          *sql.DB
	store       *store.OptimizerStore
	redisClient *redis.Client
	runner      Runner
	lockTTL     time.Duration
	now         func() time.Time
}

// NewOptimizerService creates a new optimizer service.
func NewOptimizerService(db *sql.DB) *OptimizerService {
	return &OptimizerService{
		db:      db,
		store:   store.NewOptimizerStore(db),
		lockTTL: 30 * time.Second,
		now:     time.Now,
	}
}

// SetRedisClient sets the Redis client used for per-optimizer locks.
func (svc *OptimizerService) SetRedisClient(client *redis.Client) {
	svc.redisClient = client
}

// SetRunner wires the worker behind the force-run endpoint.
func (svc *OptimizerService) SetRunner(r Runner) {
	svc.runner = r
}

// RegisterRoutes registers the optimizer API routes.
func (svc *OptimizerService) RegisterRoutes(r chi.Router) {
	r.Route("/optimizers", func(r chi.Router) {
		r.Post("/", svc.HandleCreate)

		r.Route("/{optimizerId}", func(r chi.Router) {
			r.Get("/", svc.HandleGet)
			r.Delete("/", svc.HandleDelete)
			r.Put("/config", svc.HandleConfigure)
			r.Post("/auto-renew/enable", svc.HandleEnableAutoRenew)
			r.Post("/auto-renew/disable", svc.HandleDisableAutoRenew)
			r.Put("/variants", svc.HandleReplaceVariants)
			r.Get("/suggestions", svc.HandleGetSuggestions)
			r.Get("/history", svc.HandleGetHistory)
			r.Post("/run", svc.HandleForceRun)
		})
	})
}

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ScheduleRequest carries cadences as Go duration strings ("24h", "30m").
type ScheduleRequest struct {
	OptimizeEvery string `json:"optimize_every,omitempty"`
	RenewEvery    string `json:"renew_every,omitempty"`
}

// CreateOptimizerRequest is the request body for creating an optimizer.
type CreateOptimizerRequest struct {
	ListingID     uuid.UUID        `json:"listing_id"`
	UserID        uuid.UUID        `json:"user_id"`
	OptimizerType string           `json:"optimizer_type"`
	Rules         []lifecycle.Rule `json:"rules,omitempty"`
	Schedule      ScheduleRequest  `json:"schedule"`
	RenewalBudget *string          `json:"renewal_budget,omitempty"`
}

// ConfigureRequest replaces an optimizer's rules and schedule.
type ConfigureRequest struct {
	Rules    []lifecycle.Rule `json:"rules"`
	Schedule ScheduleRequest  `json:"schedule"`
}

// EnableAutoRenewRequest turns on auto-renewal.
type EnableAutoRenewRequest struct {
	Interval    string    `json:"interval"`
	StartDate   time.Time `json:"start_date"`
	CustomEvery string    `json:"custom_every,omitempty"`
}

// VariantRequest is one variant in a replace-variants call. An omitted id is
// generated server-side.
type VariantRequest struct {
	ID   *uuid.UUID `json:"id,omitempty"`
	Name string     `json:"name"`
}

// ReplaceVariantsRequest swaps the optimizer's variant set.
type ReplaceVariantsRequest struct {
	Variants []VariantRequest `json:"variants"`
}

// OptimizerResponse is the JSON projection of an optimizer aggregate.
type OptimizerResponse struct {
	ID        uuid.UUID `json:"id"`
	ListingID uuid.UUID `json:"listing_id"`
	UserID    uuid.UUID `json:"user_id"`
	Type      string    `json:"optimizer_type"`

	Rules    []lifecycle.Rule `json:"rules"`
	Schedule ScheduleRequest  `json:"schedule"`

	AutoRenewEnabled bool       `json:"auto_renew_enabled"`
	RenewalInterval  string     `json:"renewal_interval,omitempty"`
	NextRenewalDate  *time.Time `json:"next_renewal_date,omitempty"`
	LastRenewalDate  *time.Time `json:"last_renewal_date,omitempty"`
	RenewalCount     int        `json:"renewal_count"`
	RenewalBudget    string     `json:"renewal_budget"`

	LastOptimizationRun *time.Time `json:"last_optimization_run,omitempty"`
	NextOptimizationRun *time.Time `json:"next_optimization_run,omitempty"`
	OptimizationScore   float64    `json:"optimization_score"`

	CurrentMetrics        lifecycle.MetricsSnapshot `json:"current_metrics"`
	Variants              []lifecycle.Variant       `json:"variants"`
	BestPerformingVariant *uuid.UUID                `json:"best_performing_variant,omitempty"`
	Retired               bool                      `json:"retired"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toResponse(o lifecycle.Optimizer) OptimizerResponse {
	resp := OptimizerResponse{
		ID:                    o.ID,
		ListingID:             o.ListingID,
		UserID:                o.UserID,
		Type:                  string(o.Type),
		Rules:                 o.Rules,
		AutoRenewEnabled:      o.AutoRenewEnabled,
		RenewalInterval:       string(o.RenewalInterval),
		NextRenewalDate:       o.NextRenewalDate,
		LastRenewalDate:       o.LastRenewalDate,
		RenewalCount:          o.RenewalCount,
		RenewalBudget:         o.RenewalBudget.StringFixed(2),
		LastOptimizationRun:   o.LastOptimizationRun,
		NextOptimizationRun:   o.NextOptimizationRun,
		OptimizationScore:     o.OptimizationScore,
		CurrentMetrics:        o.CurrentMetrics,
		Variants:              o.Variants,
		BestPerformingVariant: o.BestPerformingVariant,
		Retired:               o.Retired(),
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
	}
	if o.Schedule.OptimizeEvery > 0 {
		resp.Schedule.OptimizeEvery = o.Schedule.OptimizeEvery.String()
	}
	if o.Schedule.RenewEvery > 0 {
		resp.Schedule.RenewEvery = o.Schedule.RenewEvery.String()
	}
	return resp
}

func parseSchedule(req ScheduleRequest) (lifecycle.Schedule, error) {
	var s lifecycle.Schedule
	if req.OptimizeEvery != "" {
		d, err := time.ParseDuration(req.OptimizeEvery)
		if err != nil {
			return s, fmt.Errorf("invalid optimize_every: %w", err)
		}
		s.OptimizeEvery = d
	}
	if req.RenewEvery != "" {
		d, err := time.ParseDuration(req.RenewEvery)
		if err != nil {
			return s, fmt.Errorf("invalid renew_every: %w", err)
		}
		s.RenewEvery = d
	}
	return s, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// HandleCreate creates a new optimizer.
// POST /api/v1/optimizers
func (svc *OptimizerService) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateOptimizerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ListingID == uuid.Nil || req.UserID == uuid.Nil {
		writeJSONError(w, "listing_id and user_id are required", http.StatusBadRequest)
		return
	}

	schedule, err := parseSchedule(req.Schedule)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := svc.now()
	o, err := lifecycle.New(req.ListingID, req.UserID, lifecycle.OptimizerType(req.OptimizerType), req.Rules, schedule, now)
	if err != nil {
		svc.writeCoreError(w, err)
		return
	}

	if req.RenewalBudget != nil {
		budget, err := decimal.NewFromString(*req.RenewalBudget)
		if err != nil {
			writeJSONError(w, "invalid renewal_budget", http.StatusBadRequest)
			return
		}
		o = lifecycle.SetRenewalBudget(o, budget, now)
	}

	// Prime the first optimization run. Later runs advance through the
	// scheduler; configuration changes never move this date.
	if schedule.OptimizeEvery > 0 {
		next := now.Add(schedule.OptimizeEvery)
		o.NextOptimizationRun = &next
	}

	if err := svc.store.Create(r.Context(), o); err != nil {
		logger.Error("Failed to create optimizer", "listing_id", req.ListingID.String(), "error", err.Error())
		writeJSONError(w, "failed to create optimizer", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(o))
}

// HandleGet returns one optimizer with variants and current state.
// GET /api/v1/optimizers/{optimizerId}
func (svc *OptimizerService) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}

	o, err := svc.store.Get(r.Context(), id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(o))
}

// HandleDelete removes an optimizer, its variants and its history.
// DELETE /api/v1/optimizers/{optimizerId}
func (svc *OptimizerService) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}

	if err := svc.store.Delete(r.Context(), id); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleConfigure replaces the optimizer's rules and schedule. Due dates are
// left alone: cadence changes take effect from the next executed action.
// PUT /api/v1/optimizers/{optimizerId}/config
func (svc *OptimizerService) HandleConfigure(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}

	var req ConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	schedule, err := parseSchedule(req.Schedule)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	svc.mutate(w, r, id, func(o lifecycle.Optimizer, now time.Time) (lifecycle.Optimizer, error) {
		return lifecycle.Configure(o, req.Rules, schedule, now), nil
	})
}

// HandleEnableAutoRenew turns on auto-renewal from a given start date.
// POST /api/v1/optimizers/{optimizerId}/auto-renew/enable
func (svc *OptimizerService) HandleEnableAutoRenew(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}

	var req EnableAutoRenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var customEvery time.Duration
	if req.CustomEvery != "" {
		d, err := time.ParseDuration(req.CustomEvery)
		if err != nil {
			writeJSONError(w, "invalid custom_every", http.StatusBadRequest)
			return
		}
		customEvery = d
	}

	svc.mutate(w, r, id, func(o lifecycle.Optimizer, now time.Time) (lifecycle.Optimizer, error) {
		if customEvery > 0 {
			o.Schedule.RenewEvery = customEvery
		}
		return lifecycle.EnableAutoRenew(o, lifecycle.RenewalInterval(req.Interval), req.StartDate, now)
	})
}

// HandleDisableAutoRenew turns off auto-renewal. History and counters are
// kept; the optimizer may become retired but is never deleted here.
// POST /api/v1/optimizers/{optimizerId}/auto-renew/disable
func (svc *OptimizerService) HandleDisableAutoRenew(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}

	svc.mutate(w, r, id, func(o lifecycle.Optimizer, now time.Time) (lifecycle.Optimizer, error) {
		return lifecycle.DisableAutoRenew(o, now), nil
	})
}

// HandleReplaceVariants swaps the optimizer's variant set.
// PUT /api/v1/optimizers/{optimizerId}/variants
func (svc *OptimizerService) HandleReplaceVariants(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}

	var req ReplaceVariantsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for i, v := range req.Variants {
		if v.Name == "" {
			writeJSONError(w, fmt.Sprintf("variant %d: name is required", i), http.StatusBadRequest)
			return
		}
	}

	now := svc.now()
	variants := make([]lifecycle.Variant, len(req.Variants))
	for i, v := range req.Variants {
		variantID := uuid.New()
		if v.ID != nil {
			variantID = *v.ID
		}
		variants[i] = lifecycle.Variant{ID: variantID, Name: v.Name, CreatedAt: now}
	}

	svc.mutate(w, r, id, func(o lifecycle.Optimizer, now time.Time) (lifecycle.Optimizer, error) {
		return lifecycle.ReplaceVariants(o, variants, now), nil
	})
}

// HandleGetSuggestions returns the optimizer's current suggestion buckets.
// GET /api/v1/optimizers/{optimizerId}/suggestions
func (svc *OptimizerService) HandleGetSuggestions(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}

	o, err := svc.store.Get(r.Context(), id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.Suggestions)
}

// HandleGetHistory returns the append-only optimization history, oldest first.
// GET /api/v1/optimizers/{optimizerId}/history
func (svc *OptimizerService) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}

	o, err := svc.store.Get(r.Context(), id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}
	if o.History == nil {
		o.History = []lifecycle.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"optimizer_id": o.ID,
		"entries":      o.History,
	})
}

// HandleForceRun pushes the optimizer through the worker's processing path
// immediately. Due-ness is still re-checked under the lock, so forcing a run
// on a not-due optimizer is a no-op rather than a double execution.
// POST /api/v1/optimizers/{optimizerId}/run
func (svc *OptimizerService) HandleForceRun(w http.ResponseWriter, r *http.Request) {
	id, ok := svc.optimizerID(w, r)
	if !ok {
		return
	}
	if svc.runner == nil {
		writeJSONError(w, "runner not available", http.StatusServiceUnavailable)
		return
	}

	if err := svc.runner.ProcessOne(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, "optimizer not found", http.StatusNotFound)
			return
		}
		logger.Error("Forced optimizer run failed", "optimizer_id", id.String(), "error", err.Error())
		writeJSONError(w, "run failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "run executed"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (svc *OptimizerService) optimizerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "optimizerId"))
	if err != nil {
		writeJSONError(w, "invalid optimizer ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// mutate runs a value transition on a freshly loaded aggregate under the
// per-optimizer lock and persists the result, or nothing on failure.
func (svc *OptimizerService) mutate(w http.ResponseWriter, r *http.Request, id uuid.UUID,
	fn func(o lifecycle.Optimizer, now time.Time) (lifecycle.Optimizer, error)) {

	ctx := r.Context()
	lock := distlock.NewLock(svc.redisClient, svc.db, fmt.Sprintf("optimizer:%s", id), svc.lockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		writeJSONError(w, "lock unavailable", http.StatusInternalServerError)
		return
	}
	if !acquired {
		writeJSONError(w, "optimizer is being processed, retry shortly", http.StatusConflict)
		return
	}
	defer lock.Release(ctx)

	o, err := svc.store.Get(ctx, id)
	if err != nil {
		svc.writeStoreError(w, err)
		return
	}

	updated, err := fn(o, svc.now())
	if err != nil {
		svc.writeCoreError(w, err)
		return
	}

	if err := svc.store.Update(ctx, updated); err != nil {
		svc.writeStoreError(w, err)
		return
	}
	if variantsChanged(o.Variants, updated.Variants) {
		if err := svc.store.ReplaceVariants(ctx, id, updated.Variants); err != nil {
			writeJSONError(w, "failed to persist variants", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, toResponse(updated))
}

func variantsChanged(before, after []lifecycle.Variant) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i] != after[i] {
			return true
		}
	}
	return false
}

// writeCoreError maps lifecycle sentinel errors onto HTTP statuses. They are
// value-level rejections of an otherwise well-formed request.
func (svc *OptimizerService) writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownOptimizerType),
		errors.Is(err, lifecycle.ErrInvalidCadence),
		errors.Is(err, lifecycle.ErrInvalidStartDate),
		errors.Is(err, lifecycle.ErrVariantNotFound):
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (svc *OptimizerService) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, "optimizer not found", http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrVariantNotFound):
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		logger.Error("Store operation failed", "error", err.Error())
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}
