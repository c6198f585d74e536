package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/backend"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/cache"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/speculative"
)

// generateParams are the inputs of the generate operation.
type generateParams struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	UseCache    *bool    `json:"use_cache"`
}

// opGenerate runs a single cached generation.
func (d *Dispatcher) opGenerate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p generateParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, errs.Validation("prompt must not be empty")
	}

	model := d.resolveModel(p.Model)
	opts := backend.Options{MaxTokens: p.MaxTokens}
	if p.Temperature != nil {
		opts.Temperature = *p.Temperature
	}

	useCache := p.UseCache == nil || *p.UseCache

	var usage backend.Usage
	compute := func(ctx context.Context) (string, error) {
		text, u, err := d.backend.Generate(ctx, model, p.Prompt, opts)
		if err != nil {
			return "", err
		}
		usage = u
		d.collector.RecordUsage(u.PromptTokens, u.CompletionTokens)
		return text, nil
	}

	start := time.Now()
	var response, source string
	var err error
	if useCache {
		response, source, err = d.store.GetOrCompute(ctx, model, p.Prompt, compute)
	} else {
		response, err = compute(ctx)
		source = cache.SourceGenerated
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"response":   response,
		"model":      model,
		"source":     source,
		"usage":      usage,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}, nil
}

// batchParams are the inputs of the batch operation.
type batchParams struct {
	Prompts       []string `json:"prompts"`
	Model         string   `json:"model"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// batchResult is one prompt's outcome within a batch.
type batchResult struct {
	Index    int                    `json:"index"`
	Response string                 `json:"response,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Error    map[string]interface{} `json:"error,omitempty"`
}

// opBatch fans N generates out under its own concurrency bound. Individual
// failures are reported per prompt rather than failing the batch.
func (d *Dispatcher) opBatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p batchParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Prompts) == 0 {
		return nil, errs.Validation("prompts must not be empty")
	}
	limit := p.MaxConcurrent
	if limit < 1 {
		limit = d.cfg.Queue.MaxConcurrent
	}

	model := d.resolveModel(p.Model)
	sem := semaphore.NewWeighted(int64(limit))
	results := make([]batchResult, len(p.Prompts))

	var wg sync.WaitGroup
	for i, prompt := range p.Prompts {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = batchResult{Index: i, Error: errorBody(errs.FromContext(err))}
			continue
		}
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			defer sem.Release(1)
			response, source, err := d.store.GetOrCompute(ctx, model, prompt, func(ctx context.Context) (string, error) {
				text, u, err := d.backend.Generate(ctx, model, prompt, backend.Options{})
				if err != nil {
					return "", err
				}
				d.collector.RecordUsage(u.PromptTokens, u.CompletionTokens)
				return text, nil
			})
			if err != nil {
				results[i] = batchResult{Index: i, Error: errorBody(err)}
				return
			}
			results[i] = batchResult{Index: i, Response: response, Source: source}
		}(i, prompt)
	}
	wg.Wait()

	return map[string]interface{}{
		"model":   model,
		"results": results,
	}, nil
}

// speculativeParams are the inputs of the speculative operation.
type speculativeParams struct {
	Prompt        string `json:"prompt"`
	FastModel     string `json:"fast_model"`
	AccurateModel string `json:"accurate_model"`
	TimeoutMs     int64  `json:"timeout"`
}

// opSpeculative races the configured fast/accurate pair with first-valid.
func (d *Dispatcher) opSpeculative(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p speculativeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	fast := p.FastModel
	if fast == "" {
		fast = d.cfg.Speculative.FastModel
	}
	accurate := p.AccurateModel
	if accurate == "" {
		accurate = d.cfg.Speculative.AccurateModel
	}
	models := []string{d.resolveModel(fast), d.resolveModel(accurate)}

	return d.race(ctx, p.Prompt, models, speculative.PolicyFirstValid, time.Duration(p.TimeoutMs)*time.Millisecond)
}

// raceParams are the inputs of the race operation.
type raceParams struct {
	Prompt    string   `json:"prompt"`
	Models    []string `json:"models"`
	FirstWins *bool    `json:"first_wins"`
	TimeoutMs int64    `json:"timeout"`
}

// opRace races an arbitrary model list with first-valid or best-quality.
func (d *Dispatcher) opRace(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p raceParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	policy := speculative.PolicyFirstValid
	if p.FirstWins != nil && !*p.FirstWins {
		policy = speculative.PolicyBestQuality
	}
	return d.race(ctx, p.Prompt, d.resolveModels(p.Models), policy, time.Duration(p.TimeoutMs)*time.Millisecond)
}

// consensusParams are the inputs of the consensus operation.
type consensusParams struct {
	Prompt    string   `json:"prompt"`
	Models    []string `json:"models"`
	TimeoutMs int64    `json:"timeout"`
}

// opConsensus races a model list and groups equivalent responses.
func (d *Dispatcher) opConsensus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p consensusParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return d.race(ctx, p.Prompt, d.resolveModels(p.Models), speculative.PolicyConsensus, time.Duration(p.TimeoutMs)*time.Millisecond)
}

// race runs the executor and records the outcome.
func (d *Dispatcher) race(ctx context.Context, prompt string, models []string, policy speculative.Policy, budget time.Duration) (interface{}, error) {
	result, err := d.exec.Race(ctx, prompt, models, policy, budget, backend.Options{})
	if err != nil {
		return nil, err
	}
	d.collector.RecordRace(string(policy), result.Winner)
	d.collector.RecordUsage(result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return result, nil
}

// resolveModels maps every requested model through the alias map.
func (d *Dispatcher) resolveModels(models []string) []string {
	resolved := make([]string, len(models))
	for i, m := range models {
		resolved[i] = d.resolveModel(m)
	}
	return resolved
}

// codeParams are the inputs of the code operation.
type codeParams struct {
	Prompt         string `json:"prompt"`
	GeneratorModel string `json:"generator_model"`
	CriticModel    string `json:"critic_model"`
	MaxAttempts    int    `json:"max_attempts"`
}

// opCode runs the self-correction loop from a generation prompt.
func (d *Dispatcher) opCode(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p codeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	generator := p.GeneratorModel
	if generator == "" {
		generator = d.cfg.Correction.GeneratorModel
	}
	critic := p.CriticModel
	if critic == "" {
		critic = d.cfg.Correction.CriticModel
	}

	code, trace, err := d.loop.Generate(ctx, p.Prompt, d.resolveModel(generator), d.resolveModel(critic), p.MaxAttempts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"code":     code,
		"accepted": trace.Accepted(),
		"trace":    trace,
	}, nil
}

// validateParams are the inputs of the validate operation.
type validateParams struct {
	Code        string `json:"code"`
	Language    string `json:"language"`
	MaxAttempts int    `json:"max_attempts"`
}

// opValidate runs the critique/repair loop over existing code.
func (d *Dispatcher) opValidate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p validateParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	generator := d.resolveModel(d.cfg.Correction.GeneratorModel)
	critic := d.resolveModel(d.cfg.Correction.CriticModel)

	code, trace, err := d.loop.Validate(ctx, p.Code, p.Language, generator, critic, p.MaxAttempts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"code":     code,
		"accepted": trace.Accepted(),
		"trace":    trace,
	}, nil
}
