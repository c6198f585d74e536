// Package speculative implements request-level speculative decoding: the
// same prompt is raced across several models in parallel and one response is
// selected by policy.
package speculative

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/backend"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/tracing"
)

// Policy selects how the race winner is chosen.
type Policy string

const (
	// PolicyFirstValid returns the first response that passes validation and
	// cancels the rest.
	PolicyFirstValid Policy = "first_valid"
	// PolicyBestQuality awaits every call and picks the longest response.
	PolicyBestQuality Policy = "best_quality"
	// PolicyConsensus awaits every call and picks the largest group of
	// equivalent responses.
	PolicyConsensus Policy = "consensus"
)

// Generator is the backend surface the executor needs.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts backend.Options) (string, backend.Usage, error)
}

// Validator decides whether a response is acceptable for PolicyFirstValid.
// A non-empty return describes why the response was rejected.
type Validator func(text string) string

// minValidLength is the default validator's acceptance threshold.
const minValidLength = 10

// DefaultValidator rejects empty or degenerate responses.
func DefaultValidator(text string) string {
	if len(strings.TrimSpace(text)) < minValidLength {
		return "response shorter than minimum valid length"
	}
	return ""
}

// Loser records a race participant that did not win.
type Loser struct {
	Model     string `json:"model"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a race.
type Result struct {
	Winner    string        `json:"winner_model"`
	Response  string        `json:"response_text"`
	Losers    []Loser       `json:"losers"`
	Policy    Policy        `json:"policy_applied"`
	Consensus *Consensus    `json:"consensus_info,omitempty"`
	ElapsedMs int64         `json:"elapsed_ms"`
	Usage     backend.Usage `json:"usage"`
}

// Executor runs races against a Generator.
type Executor struct {
	gen           Generator
	validator     Validator
	defaultBudget time.Duration
	logger        zerolog.Logger
}

// New creates an Executor. A nil validator uses DefaultValidator.
func New(gen Generator, validator Validator, defaultBudget time.Duration, logger zerolog.Logger) *Executor {
	if validator == nil {
		validator = DefaultValidator
	}
	if defaultBudget <= 0 {
		defaultBudget = 60 * time.Second
	}
	return &Executor{
		gen:           gen,
		validator:     validator,
		defaultBudget: defaultBudget,
		logger:        logger,
	}
}

// attempt is one participant's completed call.
type attempt struct {
	index   int
	model   string
	text    string
	usage   backend.Usage
	elapsed time.Duration
	err     error
	// rejection is set when the response failed validation (first-valid only).
	rejection string
}

// Race runs one backend call per model and selects a winner by policy.
// Winning or hitting the budget deadline cancels the remaining calls,
// aborting their backend connections. If every call fails the error is
// AllBackendsFailed carrying the last error per model.
func (e *Executor) Race(ctx context.Context, prompt string, models []string, policy Policy, budget time.Duration, opts backend.Options) (*Result, error) {
	if len(models) == 0 {
		return nil, errs.Validation("race requires at least one model")
	}
	if prompt == "" {
		return nil, errs.Validation("prompt must not be empty")
	}
	if budget <= 0 {
		budget = e.defaultBudget
	}

	ctx, span := tracing.StartRaceSpan(ctx, string(policy), models)
	defer span.End()

	raceCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	results := make(chan attempt, len(models))
	for i, model := range models {
		go func(index int, model string) {
			callStart := time.Now()
			text, usage, err := e.gen.Generate(raceCtx, model, prompt, opts)
			results <- attempt{
				index:   index,
				model:   model,
				text:    text,
				usage:   usage,
				elapsed: time.Since(callStart),
				err:     err,
			}
		}(i, model)
	}

	var result *Result
	var err error
	switch policy {
	case PolicyFirstValid:
		result, err = e.firstValid(cancel, results, len(models))
	case PolicyBestQuality:
		result, err = e.bestQuality(results, len(models))
	case PolicyConsensus:
		result, err = e.consensus(results, models)
	default:
		cancel()
		return nil, errs.Validation("unknown race policy %q", policy)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	result.Policy = policy
	result.ElapsedMs = time.Since(start).Milliseconds()

	e.logger.Debug().
		Str("policy", string(policy)).
		Str("winner", result.Winner).
		Int("losers", len(result.Losers)).
		Int64("elapsed_ms", result.ElapsedMs).
		Msg("race complete")

	return result, nil
}

// firstValid consumes attempts as they finish, returning the first one that
// passes validation. The cancel function aborts the remaining calls; their
// terminal attempts are still drained so every participant appears in the
// losers list.
func (e *Executor) firstValid(cancel context.CancelFunc, results <-chan attempt, n int) (*Result, error) {
	var winner *attempt
	attempts := make([]attempt, 0, n)

	for i := 0; i < n; i++ {
		a := <-results
		if winner == nil && a.err == nil {
			if rejection := e.validator(a.text); rejection != "" {
				a.rejection = rejection
			} else {
				winner = &a
				// Abort the remaining in-flight calls immediately.
				cancel()
			}
		}
		attempts = append(attempts, a)
	}

	if winner == nil {
		return nil, allFailed(attempts)
	}

	losers := make([]Loser, 0, n-1)
	for _, a := range attempts {
		if a.model == winner.model && a.index == winner.index {
			continue
		}
		losers = append(losers, toLoser(a))
	}
	return &Result{Winner: winner.model, Response: winner.text, Usage: winner.usage, Losers: losers}, nil
}

// bestQuality awaits every attempt and picks the longest successful
// response, breaking ties by elapsed time and then model-list order.
func (e *Executor) bestQuality(results <-chan attempt, n int) (*Result, error) {
	attempts := make([]attempt, 0, n)
	for i := 0; i < n; i++ {
		attempts = append(attempts, <-results)
	}

	var winner *attempt
	for i := range attempts {
		a := &attempts[i]
		if a.err != nil {
			continue
		}
		if winner == nil || betterQuality(a, winner) {
			winner = a
		}
	}
	if winner == nil {
		return nil, allFailed(attempts)
	}

	losers := make([]Loser, 0, n-1)
	for _, a := range attempts {
		if a.index == winner.index {
			continue
		}
		losers = append(losers, toLoser(a))
	}
	return &Result{Winner: winner.model, Response: winner.text, Usage: winner.usage, Losers: losers}, nil
}

// betterQuality reports whether a beats the current winner.
func betterQuality(a, winner *attempt) bool {
	switch {
	case len(a.text) != len(winner.text):
		return len(a.text) > len(winner.text)
	case a.elapsed != winner.elapsed:
		return a.elapsed < winner.elapsed
	default:
		return a.index < winner.index
	}
}

// toLoser converts an attempt into its loser record.
func toLoser(a attempt) Loser {
	l := Loser{Model: a.model, ElapsedMs: a.elapsed.Milliseconds()}
	switch {
	case a.err != nil:
		l.Error = a.err.Error()
	case a.rejection != "":
		l.Error = "failed validation: " + a.rejection
	}
	return l
}

// allFailed builds the AllBackendsFailed error carrying the last error per
// model.
func allFailed(attempts []attempt) error {
	e := errs.New(errs.KindAllBackendsFailed, "all %d race participants failed", len(attempts))
	for _, a := range attempts {
		msg := "no response"
		if a.err != nil {
			msg = a.err.Error()
		} else if a.rejection != "" {
			msg = "failed validation: " + a.rejection
		}
		e.WithContext(a.model, msg)
	}
	return e
}
