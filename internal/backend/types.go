package backend

// generateRequest maps to POST /api/generate.
type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// generateResponse is the non-streaming reply from POST /api/generate.
type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	TotalDuration   int64  `json:"total_duration"` // nanoseconds
}

// tagsResponse is the reply from GET /api/tags.
type tagsResponse struct {
	Models []Model `json:"models"`
}

// Model is a single entry from GET /api/tags.
type Model struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalDurationMs  int64 `json:"total_duration_ms"`
	// Estimated is true when the backend omitted eval counts and the
	// tokenizer estimate was used instead.
	Estimated bool `json:"estimated,omitempty"`
}

// Options are per-request generation parameters.
type Options struct {
	Temperature float64
	MaxTokens   int
	// ExtraModelParams are passed through verbatim into the Ollama
	// options object (top_k, repeat_penalty, ...).
	ExtraModelParams map[string]interface{}
}
