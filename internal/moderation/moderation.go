// Package moderation guards market admission. It validates and sanitizes
// submitted rumor text locally, then defers the spam/duplicate judgement to
// an external classifier collaborator. The engine only consumes the verdict;
// classification itself (AI or otherwise) lives outside this repository.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Supported market categories.
const (
	CategoryAcademics = "academics"
	CategoryCampus    = "campus"
	CategoryEvents    = "events"
	CategoryTech      = "tech"
	CategoryOther     = "other"
)

var validCategories = map[string]bool{
	CategoryAcademics: true,
	CategoryCampus:    true,
	CategoryEvents:    true,
	CategoryTech:      true,
	CategoryOther:     true,
}

const (
	minTextLen = 10
	maxTextLen = 500
)

var (
	ErrInvalidCategory = errors.New("moderation: unsupported category")
	ErrTextLength      = errors.New("moderation: rumor text length out of bounds")
)

// Verdict is the admission decision for a submitted market.
type Verdict struct {
	Admit  bool   `json:"admit"`
	Reason string `json:"reason,omitempty"` // set when Admit is false
}

// Classifier is the external moderation collaborator. Implementations judge
// spam/duplicate/unsafe content; the engine routes a market to open or
// rejected based on the verdict.
type Classifier interface {
	Classify(ctx context.Context, text, category string) (Verdict, error)
}

// AdmitAll is the default Classifier when no collaborator is configured:
// every sanitized submission is admitted.
type AdmitAll struct{}

func (AdmitAll) Classify(context.Context, string, string) (Verdict, error) {
	return Verdict{Admit: true}, nil
}

// Sanitizer normalizes and strips markup from submitted rumor text before
// it is stored or classified.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer creates a sanitizer with the strict policy: all HTML removed.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean strips markup, collapses whitespace, and validates length bounds.
func (s *Sanitizer) Clean(text string) (string, error) {
	cleaned := strings.TrimSpace(s.policy.Sanitize(text))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if len(cleaned) < minTextLen || len(cleaned) > maxTextLen {
		return "", fmt.Errorf("text length %d outside [%d, %d]: %w",
			len(cleaned), minTextLen, maxTextLen, ErrTextLength)
	}
	return cleaned, nil
}

// ValidCategory checks the category against the closed set.
func ValidCategory(category string) error {
	if !validCategories[category] {
		return fmt.Errorf("category %q: %w", category, ErrInvalidCategory)
	}
	return nil
}
