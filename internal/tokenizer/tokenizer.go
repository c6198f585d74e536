// Package tokenizer estimates token counts for prompts and completions when
// the backend response omits its own accounting. Local models do not share a
// published vocabulary, so the cl100k BPE is used as a close approximation.
package tokenizer

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer provides token counting using tiktoken encodings.
// The encoding is cached via sync.Once to avoid repeated initialization.
type Tokenizer struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// New creates a new Tokenizer instance.
func New() *Tokenizer {
	return &Tokenizer{}
}

// getEncoder returns the cached cl100k_base encoder.
func (t *Tokenizer) getEncoder() (*tiktoken.Tiktoken, error) {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding("cl100k_base")
	})
	return t.enc, t.err
}

// CountTokens estimates the number of tokens in the given text.
// Returns 0 if the encoding cannot be initialised.
func (t *Tokenizer) CountTokens(text string) int {
	enc, err := t.getEncoder()
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}
