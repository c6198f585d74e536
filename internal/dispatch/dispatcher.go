// Package dispatch routes named operations onto the engine components:
// cache, backend, speculative executor, self-correction loop, and scheduler.
// Both the stdio shell and the HTTP surface funnel through one Dispatcher.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/backend"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/cache"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/config"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/correction"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/metrics"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/queue"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/speculative"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/tracing"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/version"
)

// route executes one operation against decoded parameters.
type route func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatcher maps operation names onto engine components.
type Dispatcher struct {
	cfg       *config.Config
	backend   *backend.Client
	store     *cache.Cache
	exec      *speculative.Executor
	loop      *correction.Loop
	sched     *queue.Scheduler
	collector *metrics.Collector
	logger    zerolog.Logger
	routes    map[string]route
}

// New creates a Dispatcher over fully constructed components and installs
// the scheduler handler (cache → backend composition).
func New(
	cfg *config.Config,
	client *backend.Client,
	store *cache.Cache,
	exec *speculative.Executor,
	loop *correction.Loop,
	sched *queue.Scheduler,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		backend:   client,
		store:     store,
		exec:      exec,
		loop:      loop,
		sched:     sched,
		collector: collector,
		logger:    logger,
	}

	d.routes = map[string]route{
		"generate":         d.opGenerate,
		"speculative":      d.opSpeculative,
		"race":             d.opRace,
		"consensus":        d.opConsensus,
		"code":             d.opCode,
		"validate":         d.opValidate,
		"batch":            d.opBatch,
		"status":           d.opStatus,
		"cache_clear":      d.opCacheClear,
		"queue_enqueue":    d.opQueueEnqueue,
		"queue_batch":      d.opQueueBatch,
		"queue_status":     d.opQueueStatus,
		"queue_item":       d.opQueueItem,
		"queue_cancel":     d.opQueueCancel,
		"queue_cancel_all": d.opQueueCancelAll,
		"queue_pause":      d.opQueuePause,
		"queue_resume":     d.opQueueResume,
		"queue_wait":       d.opQueueWait,
	}

	sched.SetHandler(d.queueHandler)
	return d
}

// Operations lists the catalog in a stable order.
func (d *Dispatcher) Operations() []string {
	return []string{
		"generate", "speculative", "race", "consensus", "code", "validate",
		"batch", "status", "cache_clear",
		"queue_enqueue", "queue_batch", "queue_status", "queue_item",
		"queue_cancel", "queue_cancel_all", "queue_pause", "queue_resume",
		"queue_wait",
	}
}

// Has reports whether an operation name is routable.
func (d *Dispatcher) Has(op string) bool {
	_, ok := d.routes[op]
	return ok
}

// Dispatch executes the named operation. The returned value serialises to
// the reply object; errors are converted to envelopes by the shells.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, params json.RawMessage) (interface{}, error) {
	r, ok := d.routes[op]
	if !ok {
		return nil, errs.Validation("unknown operation %q", op)
	}

	requestID := uuid.NewString()
	ctx, span := tracing.StartOperationSpan(ctx, op, requestID)
	defer span.End()

	d.collector.IncrementActive()
	defer d.collector.DecrementActive()

	start := time.Now()
	result, err := r(ctx, params)
	elapsed := time.Since(start)

	d.collector.ObserveLatency(op, elapsed.Seconds())
	if err != nil {
		tracing.RecordError(ctx, err)
		d.collector.RecordOperation(op, "error")
		d.collector.RecordError(op, string(errs.KindOf(err)))
		d.logger.Warn().
			Str("request_id", requestID).
			Str("op", op).
			Dur("elapsed", elapsed).
			Err(err).
			Msg("operation failed")
		return nil, err
	}

	d.collector.RecordOperation(op, "ok")
	d.logger.Debug().
		Str("request_id", requestID).
		Str("op", op).
		Dur("elapsed", elapsed).
		Msg("operation complete")
	return result, nil
}

// ErrorEnvelope renders an error as the wire-level reply object.
func ErrorEnvelope(err error) map[string]interface{} {
	return map[string]interface{}{
		"error":    errorBody(err),
		"is_error": true,
	}
}

// errorBody renders the structured error fields shared by envelopes and
// per-item batch errors.
func errorBody(err error) map[string]interface{} {
	e := errs.AsError(err)
	body := map[string]interface{}{
		"kind":      string(e.Kind),
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	if e.Status != 0 {
		body["status"] = e.Status
	}
	if len(e.Context) > 0 {
		body["context"] = e.Context
	}
	return body
}

// resolveModel maps a requested model through the configured alias map,
// falling back to the default model for an empty request.
func (d *Dispatcher) resolveModel(requested string) string {
	if requested == "" {
		requested = d.cfg.Backend.DefaultModel
	}
	if mapped, ok := d.cfg.Backend.ModelMap[requested]; ok && mapped != "" {
		return mapped
	}
	return requested
}

// queueHandler is the scheduler's handler: cached generation against the
// backend. Installed at construction via SetHandler.
func (d *Dispatcher) queueHandler(ctx context.Context, prompt, model string, metadata map[string]interface{}) (string, error) {
	model = d.resolveModel(model)
	response, _, err := d.store.GetOrCompute(ctx, model, prompt, func(ctx context.Context) (string, error) {
		text, usage, err := d.backend.Generate(ctx, model, prompt, backend.Options{})
		if err != nil {
			return "", err
		}
		d.collector.RecordUsage(usage.PromptTokens, usage.CompletionTokens)
		return text, nil
	})
	return response, err
}

// unmarshalParams decodes the params payload into dst, tolerating an absent
// payload for operations without inputs.
func unmarshalParams(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return errs.Wrap(errs.KindValidation, err, "malformed parameters")
	}
	return nil
}

// opStatus reports backend health, cache statistics, scheduler counts, and
// the active configuration summary.
func (d *Dispatcher) opStatus(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	reachable, models := d.backend.Health(ctx)

	return map[string]interface{}{
		"version": version.Version,
		"backend": map[string]interface{}{
			"host":      d.cfg.Backend.Host,
			"reachable": reachable,
			"models":    models,
		},
		"cache":   d.store.Stats(),
		"queue":   d.sched.Status(),
		"metrics": d.collector.Stats(),
		"config": map[string]interface{}{
			"default_model":  d.cfg.Backend.DefaultModel,
			"fast_model":     d.cfg.Speculative.FastModel,
			"accurate_model": d.cfg.Speculative.AccurateModel,
			"max_concurrent": d.cfg.Queue.MaxConcurrent,
			"max_retries":    d.cfg.Queue.MaxRetries,
			"cache_enabled":  d.cfg.Cache.Enabled,
		},
	}, nil
}

// opCacheClear removes cache entries older than the given age (all entries
// when the age is omitted).
func (d *Dispatcher) opCacheClear(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		OlderThanS int64 `json:"older_than_s"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.OlderThanS < 0 {
		return nil, errs.Validation("older_than_s must be non-negative")
	}
	removed := d.store.Clear(time.Duration(p.OlderThanS) * time.Second)
	return map[string]interface{}{"removed": removed}, nil
}
