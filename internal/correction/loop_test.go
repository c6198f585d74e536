package correction

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/backend"
)

// scriptedGenerator replays canned replies per model, recording every call.
type scriptedGenerator struct {
	// replies are consumed per model in order; the last reply repeats.
	replies map[string][]string
	calls   map[string]int
}

func newScriptedGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		replies: make(map[string][]string),
		calls:   make(map[string]int),
	}
}

func (g *scriptedGenerator) Generate(ctx context.Context, model, prompt string, _ backend.Options) (string, backend.Usage, error) {
	g.calls[model]++
	replies := g.replies[model]
	if len(replies) == 0 {
		return "", backend.Usage{}, nil
	}
	idx := g.calls[model] - 1
	if idx >= len(replies) {
		idx = len(replies) - 1
	}
	return replies[idx], backend.Usage{}, nil
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func TestGenerate_FirstCandidateAccepted(t *testing.T) {
	gen := newScriptedGenerator()
	gen.replies["gen"] = []string{"```python\nprint('hello')\n```"}
	gen.replies["critic"] = []string{"DONE"}

	loop := New(gen, 3, zerolog.Nop())
	code, trace, err := loop.Generate(context.Background(), "write python hello world", "gen", "critic", 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if code != "print('hello')" {
		t.Errorf("unexpected code %q", code)
	}
	if !trace.Accepted() {
		t.Error("expected acceptance")
	}

	// Idempotence: a first-pass-valid prompt costs exactly one generator
	// call and one critic call.
	if gen.calls["gen"] != 1 {
		t.Errorf("expected 1 generator call, got %d", gen.calls["gen"])
	}
	if gen.calls["critic"] != 1 {
		t.Errorf("expected 1 critic call, got %d", gen.calls["critic"])
	}
}

func TestGenerate_RefinesOnDiagnostics(t *testing.T) {
	gen := newScriptedGenerator()
	gen.replies["gen"] = []string{
		"```python\nprint('helo')\n```",
		"```python\nprint('hello')\n```",
	}
	gen.replies["critic"] = []string{
		"- typo in string literal: 'helo' should be 'hello'",
		"DONE",
	}

	loop := New(gen, 3, zerolog.Nop())
	code, trace, err := loop.Generate(context.Background(), "write python hello world", "gen", "critic", 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if code != "print('hello')" {
		t.Errorf("unexpected final code %q", code)
	}
	if len(trace.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(trace.Steps))
	}
	if trace.Steps[0].Action != ActionRefine {
		t.Errorf("expected first step REFINE, got %s", trace.Steps[0].Action)
	}
	if trace.Steps[1].Action != ActionAccept {
		t.Errorf("expected second step ACCEPT, got %s", trace.Steps[1].Action)
	}
	if len(trace.Steps[0].Diagnostics) == 0 {
		t.Error("expected diagnostics on the refined step")
	}
}

func TestGenerate_GivesUpAtMaxAttempts(t *testing.T) {
	gen := newScriptedGenerator()
	gen.replies["gen"] = []string{"```python\nbroken(\n```"}
	gen.replies["critic"] = []string{"- still broken"}

	loop := New(gen, 3, zerolog.Nop())
	code, trace, err := loop.Generate(context.Background(), "write python code", "gen", "critic", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if code == "" {
		t.Error("expected the last candidate to be returned on give-up")
	}
	if trace.Accepted() {
		t.Error("expected give-up, not acceptance")
	}
	last := trace.Steps[len(trace.Steps)-1]
	if last.Action != ActionGiveUp {
		t.Errorf("expected terminal GIVE_UP, got %s", last.Action)
	}
	if gen.calls["gen"] != 2 {
		t.Errorf("expected generation capped at 2 attempts, got %d", gen.calls["gen"])
	}
}

func TestGenerate_EmptyPromptRejected(t *testing.T) {
	loop := New(newScriptedGenerator(), 3, zerolog.Nop())
	if _, _, err := loop.Generate(context.Background(), "", "gen", "critic", 0); err == nil {
		t.Error("expected validation error for empty prompt")
	}
}

func TestGenerate_RefinementPromptEmbedsDiagnostics(t *testing.T) {
	gen := newScriptedGenerator()
	var refinement string
	gen.replies["critic"] = []string{"- off by one in loop bound", "DONE"}
	gen.replies["gen"] = []string{"```go\nfor i := 0; i <= n; i++ {}\n```", "```go\nfor i := 0; i < n; i++ {}\n```"}

	loop := New(&captureGenerator{inner: gen, capture: &refinement}, 3, zerolog.Nop())
	if _, _, err := loop.Generate(context.Background(), "write a golang loop func ", "gen", "critic", 0); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !strings.Contains(refinement, "off by one in loop bound") {
		t.Errorf("expected diagnostics embedded in refinement prompt, got %q", refinement)
	}
	if !strings.Contains(refinement, "i <= n") {
		t.Errorf("expected prior candidate embedded in refinement prompt, got %q", refinement)
	}
}

// captureGenerator records the second generator prompt (the refinement).
type captureGenerator struct {
	inner   *scriptedGenerator
	capture *string
}

func (c *captureGenerator) Generate(ctx context.Context, model, prompt string, opts backend.Options) (string, backend.Usage, error) {
	if model == "gen" && c.inner.calls["gen"] == 1 {
		*c.capture = prompt
	}
	return c.inner.Generate(ctx, model, prompt, opts)
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate_AcceptsCleanCode(t *testing.T) {
	gen := newScriptedGenerator()
	gen.replies["critic"] = []string{"DONE"}

	loop := New(gen, 3, zerolog.Nop())
	code, trace, err := loop.Validate(context.Background(), "print('ok')", LangPython, "gen", "critic", 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !trace.Accepted() || code != "print('ok')" {
		t.Errorf("expected acceptance of clean code, got accepted=%v code=%q", trace.Accepted(), code)
	}
	if gen.calls["gen"] != 0 {
		t.Errorf("expected no generator calls for clean code, got %d", gen.calls["gen"])
	}
}

func TestValidate_RepairsDefectiveCode(t *testing.T) {
	gen := newScriptedGenerator()
	gen.replies["critic"] = []string{"- missing return statement", "DONE"}
	gen.replies["gen"] = []string{"```python\ndef f():\n    return 1\n```"}

	loop := New(gen, 3, zerolog.Nop())
	code, trace, err := loop.Validate(context.Background(), "def f():\n    1", LangPython, "gen", "critic", 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !trace.Accepted() {
		t.Error("expected repaired code to be accepted")
	}
	if !strings.Contains(code, "return 1") {
		t.Errorf("expected repaired code, got %q", code)
	}
}

// ---------------------------------------------------------------------------
// Critic reply parsing
// ---------------------------------------------------------------------------

func TestParseCriticReply(t *testing.T) {
	cases := []struct {
		reply string
		count int
	}{
		{"DONE", 0},
		{"done", 0},
		{"  DONE  ", 0},
		{"DONE - looks good overall", 0},
		{"", 0},
		{"- first defect\n- second defect", 2},
		{"1. numbered defect\n2. another one", 2},
		{"* starred defect", 1},
	}
	for _, tc := range cases {
		if got := len(parseCriticReply(tc.reply)); got != tc.count {
			t.Errorf("parseCriticReply(%q) = %d diagnostics, want %d", tc.reply, got, tc.count)
		}
	}
}
