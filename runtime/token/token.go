// Package token abstracts token counting so stores and the context builder
// can record and budget token counts without binding to one tokenizer. The
// default estimator uses a character heuristic; deployments that need exact
// counts plug in a real tokenizer behind the Counter interface.
package token

import "strings"

// Counter counts the tokens a model would consume for a piece of text.
type Counter interface {
	// Count returns the token count for text. Implementations document the
	// approximation they guarantee.
	Count(text string) int

	// Model identifies the tokenizer model, or "heuristic" for estimators.
	Model() string
}

// Estimator is a tokenizer-free Counter that approximates one token per four
// characters of UTF-8 text, the ratio commonly used for budget accounting when
// no tokenizer is wired. Non-empty text always counts at least one token.
type Estimator struct{}

// NewEstimator returns the heuristic counter.
func NewEstimator() Estimator { return Estimator{} }

// Count implements Counter.
func (Estimator) Count(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := len(trimmed) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Model implements Counter.
func (Estimator) Model() string { return "heuristic" }
