package speculative

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/backend"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
)

// fakeResponse scripts one model's behavior in a fakeGenerator.
type fakeResponse struct {
	text  string
	delay time.Duration
	err   error
}

// fakeGenerator serves scripted responses per model and records
// cancellation observations.
type fakeGenerator struct {
	responses map[string]fakeResponse
	cancelled int32
}

func (f *fakeGenerator) Generate(ctx context.Context, model, prompt string, _ backend.Options) (string, backend.Usage, error) {
	r, ok := f.responses[model]
	if !ok {
		return "", backend.Usage{}, errs.New(errs.KindBackendUnavailable, "unknown model %s", model)
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			atomic.AddInt32(&f.cancelled, 1)
			return "", backend.Usage{}, errs.Cancelled("backend call cancelled")
		}
	}
	if r.err != nil {
		return "", backend.Usage{}, r.err
	}
	return r.text, backend.Usage{CompletionTokens: len(r.text)}, nil
}

func newTestExecutor(gen *fakeGenerator) *Executor {
	return New(gen, nil, 5*time.Second, zerolog.Nop())
}

// ---------------------------------------------------------------------------
// FIRST_VALID
// ---------------------------------------------------------------------------

func TestFirstValid_FastInvalidSlowWins(t *testing.T) {
	// The fast model answers quickly but fails validation (< 10 chars);
	// the slow model's longer answer must win.
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"fast": {text: "A", delay: 20 * time.Millisecond},
		"slow": {text: "BBBBBBBBBBBB", delay: 200 * time.Millisecond},
	}}
	exec := newTestExecutor(gen)

	start := time.Now()
	result, err := exec.Race(context.Background(), "P", []string{"fast", "slow"}, PolicyFirstValid, 0, backend.Options{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}

	if result.Winner != "slow" {
		t.Errorf("expected slow to win, got %q", result.Winner)
	}
	if result.Response != "BBBBBBBBBBBB" {
		t.Errorf("unexpected winning text %q", result.Response)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("expected race to wait for slow (~200ms), finished in %v", elapsed)
	}

	if len(result.Losers) != 1 {
		t.Fatalf("expected 1 loser, got %d", len(result.Losers))
	}
	loser := result.Losers[0]
	if loser.Model != "fast" || loser.Error == "" {
		t.Errorf("expected fast recorded as failed validation, got %+v", loser)
	}
}

func TestFirstValid_WinnerCancelsLosers(t *testing.T) {
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"fast": {text: "FAST VALID ANSWER", delay: 10 * time.Millisecond},
		"slow": {text: "SLOW VALID ANSWER", delay: 2 * time.Second},
	}}
	exec := newTestExecutor(gen)

	start := time.Now()
	result, err := exec.Race(context.Background(), "P", []string{"fast", "slow"}, PolicyFirstValid, 0, backend.Options{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}

	if result.Winner != "fast" {
		t.Errorf("expected fast to win, got %q", result.Winner)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected loser cancellation, race took %v", elapsed)
	}
	if atomic.LoadInt32(&gen.cancelled) != 1 {
		t.Errorf("expected the slow call to observe cancellation")
	}
}

func TestFirstValid_AllFail(t *testing.T) {
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"a": {err: errs.New(errs.KindBackendUnavailable, "down")},
		"b": {err: errs.BackendHTTP(500, "boom")},
	}}
	exec := newTestExecutor(gen)

	_, err := exec.Race(context.Background(), "P", []string{"a", "b"}, PolicyFirstValid, 0, backend.Options{})
	if err == nil {
		t.Fatal("expected AllBackendsFailed")
	}
	if errs.KindOf(err) != errs.KindAllBackendsFailed {
		t.Errorf("expected all_backends_failed, got %s", errs.KindOf(err))
	}
	e := errs.AsError(err)
	if len(e.Context) != 2 {
		t.Errorf("expected per-model errors in context, got %v", e.Context)
	}
}

func TestRace_ValidatesInputs(t *testing.T) {
	exec := newTestExecutor(&fakeGenerator{})
	if _, err := exec.Race(context.Background(), "P", nil, PolicyFirstValid, 0, backend.Options{}); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("expected validation error for empty model list, got %v", err)
	}
	if _, err := exec.Race(context.Background(), "", []string{"m"}, PolicyFirstValid, 0, backend.Options{}); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("expected validation error for empty prompt, got %v", err)
	}
	if _, err := exec.Race(context.Background(), "P", []string{"m"}, Policy("bogus"), 0, backend.Options{}); errs.KindOf(err) != errs.KindValidation {
		t.Errorf("expected validation error for unknown policy, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// BEST_QUALITY
// ---------------------------------------------------------------------------

func TestBestQuality_LongestWins(t *testing.T) {
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"short":  {text: "short answer here", delay: 5 * time.Millisecond},
		"long":   {text: "a much longer and more detailed answer", delay: 30 * time.Millisecond},
		"broken": {err: errs.BackendHTTP(500, "boom")},
	}}
	exec := newTestExecutor(gen)

	result, err := exec.Race(context.Background(), "P", []string{"short", "long", "broken"}, PolicyBestQuality, 0, backend.Options{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if result.Winner != "long" {
		t.Errorf("expected long to win, got %q", result.Winner)
	}
	if len(result.Losers) != 2 {
		t.Errorf("expected 2 losers, got %d", len(result.Losers))
	}
}

func TestBestQuality_EqualLengthTie(t *testing.T) {
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"first":  {text: "identical length!"},
		"second": {text: "identical length!"},
	}}
	exec := newTestExecutor(gen)

	result, err := exec.Race(context.Background(), "P", []string{"first", "second"}, PolicyBestQuality, 0, backend.Options{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	// Equal length: the faster call wins and list order only breaks an
	// exact elapsed tie, so with no delay either model may win.
	if result.Winner != "first" && result.Winner != "second" {
		t.Fatalf("unexpected winner %q", result.Winner)
	}
}

// ---------------------------------------------------------------------------
// CONSENSUS
// ---------------------------------------------------------------------------

func TestConsensus_MajorityAgreement(t *testing.T) {
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"a": {text: "yes"},
		"b": {text: "yes"},
		"c": {text: "no"},
	}}
	exec := newTestExecutor(gen)

	result, err := exec.Race(context.Background(), "P", []string{"a", "b", "c"}, PolicyConsensus, 0, backend.Options{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}

	if result.Consensus == nil {
		t.Fatal("expected consensus info")
	}
	if !result.Consensus.Agreed {
		t.Error("expected agreement with a 2/3 majority")
	}
	if result.Response != "yes" {
		t.Errorf("expected winning text 'yes', got %q", result.Response)
	}

	votes := map[int]bool{}
	for _, g := range result.Consensus.Groups {
		votes[g.Votes] = true
	}
	if !votes[2] || !votes[1] {
		t.Errorf("expected group sizes {2,1}, got %+v", result.Consensus.Groups)
	}
}

func TestConsensus_NormalizationFoldsCaseAndWhitespace(t *testing.T) {
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"a": {text: "  The Answer  "},
		"b": {text: "the   answer"},
		"c": {text: "something else"},
	}}
	exec := newTestExecutor(gen)

	result, err := exec.Race(context.Background(), "P", []string{"a", "b", "c"}, PolicyConsensus, 0, backend.Options{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if !result.Consensus.Agreed {
		t.Error("expected case/whitespace variants to group together")
	}
}

func TestConsensus_NoMajorityNoAgreement(t *testing.T) {
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"a": {text: "alpha"},
		"b": {text: "beta"},
		"c": {text: "gamma"},
	}}
	exec := newTestExecutor(gen)

	result, err := exec.Race(context.Background(), "P", []string{"a", "b", "c"}, PolicyConsensus, 0, backend.Options{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if result.Consensus.Agreed {
		t.Error("expected no agreement with three distinct answers")
	}
	if result.Response == "" {
		t.Error("expected a winner to be returned regardless")
	}
}

func TestConsensus_SingleModelNeverAgrees(t *testing.T) {
	gen := &fakeGenerator{responses: map[string]fakeResponse{
		"only": {text: "the sole answer"},
	}}
	exec := newTestExecutor(gen)

	result, err := exec.Race(context.Background(), "P", []string{"only"}, PolicyConsensus, 0, backend.Options{})
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if result.Consensus.Agreed {
		t.Error("expected agreed=false for a single participant")
	}
	if result.Response != "the sole answer" {
		t.Errorf("expected the single response to be returned, got %q", result.Response)
	}
}

// ---------------------------------------------------------------------------
// Validator
// ---------------------------------------------------------------------------

func TestDefaultValidator(t *testing.T) {
	if DefaultValidator("this is long enough") != "" {
		t.Error("expected long response to validate")
	}
	if DefaultValidator("   short   ") == "" {
		t.Error("expected trimmed short response to fail validation")
	}
	if DefaultValidator("") == "" {
		t.Error("expected empty response to fail validation")
	}
}
