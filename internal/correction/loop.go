// Package correction implements iterative code-generation refinement: a
// generator model produces a candidate, a critic model and cheap syntactic
// checks judge it, and diagnostics feed a refinement prompt until the
// candidate is accepted or attempts run out.
package correction

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/backend"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/errs"
)

// Action is the terminal decision of a loop step.
type Action string

const (
	ActionAccept Action = "ACCEPT"
	ActionRefine Action = "REFINE"
	ActionGiveUp Action = "GIVE_UP"
)

// Diagnostic is one defect reported against a candidate.
type Diagnostic struct {
	Kind    string `json:"kind"` // "syntax" or "critic"
	Message string `json:"message"`
}

// Step records one attempt of the loop.
type Step struct {
	AttemptIndex int          `json:"attempt_index"`
	Code         string       `json:"code_produced"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
	Action       Action       `json:"action"`
}

// Trace is the ordered record of every attempt. The terminal entry's action
// determines the overall outcome.
type Trace struct {
	Language string `json:"language"`
	Steps    []Step `json:"steps"`
}

// Accepted reports whether the loop ended in acceptance.
func (t *Trace) Accepted() bool {
	if len(t.Steps) == 0 {
		return false
	}
	return t.Steps[len(t.Steps)-1].Action == ActionAccept
}

// Generator is the backend surface the loop needs.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts backend.Options) (string, backend.Usage, error)
}

// Loop runs generate/critique/refine cycles.
type Loop struct {
	gen         Generator
	maxAttempts int
	logger      zerolog.Logger
}

// New creates a Loop with the given default attempt cap.
func New(gen Generator, maxAttempts int, logger zerolog.Logger) *Loop {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Loop{gen: gen, maxAttempts: maxAttempts, logger: logger}
}

// criticDone is the critic's acceptance token.
const criticDone = "DONE"

// Generate produces code for prompt with generatorModel, validating each
// candidate with criticModel and syntactic checks. It returns the accepted
// (or last) candidate together with the full trace. A prompt whose first
// candidate validates costs exactly one generator call and one critic call.
func (l *Loop) Generate(ctx context.Context, prompt, generatorModel, criticModel string, maxAttempts int) (string, *Trace, error) {
	if prompt == "" {
		return "", nil, errs.Validation("prompt must not be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = l.maxAttempts
	}

	language := DetectLanguage(prompt)
	trace := &Trace{Language: language}

	current := prompt
	var code string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		response, _, err := l.gen.Generate(ctx, generatorModel, current, backend.Options{})
		if err != nil {
			return code, trace, err
		}
		code = ExtractCode(response)

		diags, err := l.validate(ctx, code, language, criticModel)
		if err != nil {
			return code, trace, err
		}

		step := Step{AttemptIndex: attempt, Code: code, Diagnostics: diags}
		switch {
		case len(diags) == 0:
			step.Action = ActionAccept
		case attempt == maxAttempts:
			step.Action = ActionGiveUp
		default:
			step.Action = ActionRefine
		}
		trace.Steps = append(trace.Steps, step)

		l.logger.Debug().
			Int("attempt", attempt).
			Str("language", language).
			Int("diagnostics", len(diags)).
			Str("action", string(step.Action)).
			Msg("correction step")

		if step.Action != ActionRefine {
			break
		}
		current = refinementPrompt(prompt, code, diags)
	}

	return code, trace, nil
}

// Validate runs the critique/repair loop seeded with existing code instead
// of generating an initial candidate. Repairs use generatorModel.
func (l *Loop) Validate(ctx context.Context, code, language, generatorModel, criticModel string, maxAttempts int) (string, *Trace, error) {
	if strings.TrimSpace(code) == "" {
		return "", nil, errs.Validation("code must not be empty")
	}
	if maxAttempts <= 0 {
		maxAttempts = l.maxAttempts
	}
	if language == "" {
		language = DetectLanguage(code)
	}

	trace := &Trace{Language: language}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		diags, err := l.validate(ctx, code, language, criticModel)
		if err != nil {
			return code, trace, err
		}

		step := Step{AttemptIndex: attempt, Code: code, Diagnostics: diags}
		switch {
		case len(diags) == 0:
			step.Action = ActionAccept
		case attempt == maxAttempts:
			step.Action = ActionGiveUp
		default:
			step.Action = ActionRefine
		}
		trace.Steps = append(trace.Steps, step)

		if step.Action != ActionRefine {
			break
		}

		response, _, err := l.gen.Generate(ctx, generatorModel, repairPrompt(code, language, diags), backend.Options{})
		if err != nil {
			return code, trace, err
		}
		code = ExtractCode(response)
	}

	return code, trace, nil
}

// validate combines syntactic checks with one critic call.
func (l *Loop) validate(ctx context.Context, code, language, criticModel string) ([]Diagnostic, error) {
	var diags []Diagnostic
	for _, problem := range CheckSyntax(code, language) {
		diags = append(diags, Diagnostic{Kind: "syntax", Message: problem})
	}

	reply, _, err := l.gen.Generate(ctx, criticModel, criticPrompt(code, language), backend.Options{})
	if err != nil {
		return nil, err
	}
	diags = append(diags, parseCriticReply(reply)...)
	return diags, nil
}

// criticPrompt asks the critic for concrete defects or the DONE token.
func criticPrompt(code, language string) string {
	var b strings.Builder
	b.WriteString("You are a strict code reviewer. Review the following ")
	if language != LangUnknown {
		b.WriteString(language)
		b.WriteString(" ")
	}
	b.WriteString("code. List each concrete defect on its own line. ")
	b.WriteString("If the code is correct and complete, reply with exactly " + criticDone + ".\n\n")
	b.WriteString("```\n")
	b.WriteString(code)
	b.WriteString("\n```\n")
	return b.String()
}

// parseCriticReply turns the critic's reply into diagnostics. A DONE verdict
// or a reply with no actionable lines yields none.
func parseCriticReply(reply string) []Diagnostic {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" || strings.EqualFold(trimmed, criticDone) {
		return nil
	}
	// A leading DONE with trailing commentary still counts as acceptance.
	if strings.HasPrefix(strings.ToUpper(trimmed), criticDone) {
		return nil
	}

	var diags []Diagnostic
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789. \t")
		if line == "" {
			continue
		}
		diags = append(diags, Diagnostic{Kind: "critic", Message: line})
	}
	return diags
}

// refinementPrompt embeds the rejected candidate and its diagnostics into a
// new generation prompt.
func refinementPrompt(original, code string, diags []Diagnostic) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\nA previous attempt produced this code:\n\n```\n")
	b.WriteString(code)
	b.WriteString("\n```\n\nIt has the following defects:\n")
	for _, d := range diags {
		fmt.Fprintf(&b, "- [%s] %s\n", d.Kind, d.Message)
	}
	b.WriteString("\nProduce a corrected version that fixes every defect. Return only the code.")
	return b.String()
}

// repairPrompt is the refinement prompt for Validate, where there is no
// original generation prompt to restate.
func repairPrompt(code, language string, diags []Diagnostic) string {
	var b strings.Builder
	b.WriteString("Fix the following ")
	if language != LangUnknown {
		b.WriteString(language)
		b.WriteString(" ")
	}
	b.WriteString("code.\n\n```\n")
	b.WriteString(code)
	b.WriteString("\n```\n\nDefects to fix:\n")
	for _, d := range diags {
		fmt.Fprintf(&b, "- [%s] %s\n", d.Kind, d.Message)
	}
	b.WriteString("\nReturn only the corrected code.")
	return b.String()
}
