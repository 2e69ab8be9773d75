// Package faq finds the best FAQ answer for inbound free text.
package faq

import (
	"context"
	"strings"
	"unicode"

	"msgflow/backend/internal/repository"
	"msgflow/backend/pkg/models"
)

// DefaultLimit is how many active items are considered per lookup.
const DefaultLimit = 500

// minTokenLen and minScore govern the token-overlap fallback.
const (
	minTokenLen = 3
	minScore    = 2
)

// Best returns the answer of the item that best matches text, or "".
// Items are expected newest first; earlier items win ties.
//
// Matching runs in three passes: exact question match ignoring case and
// surrounding punctuation, then question/text containment either way, then
// token overlap requiring at least two shared words.
func Best(text string, items []*models.FaqItem) string {
	needle := normalize(text)
	if needle == "" || len(items) == 0 {
		return ""
	}

	for _, it := range items {
		if normalize(it.Question) == needle {
			return it.Answer
		}
	}

	for _, it := range items {
		q := normalize(it.Question)
		if q == "" {
			continue
		}
		if strings.Contains(needle, q) || strings.Contains(q, needle) {
			return it.Answer
		}
	}

	tokens := tokenize(needle)
	if len(tokens) == 0 {
		return ""
	}
	var best *models.FaqItem
	bestScore := 0
	for _, it := range items {
		q := strings.ToLower(it.Question)
		score := 0
		for _, tok := range tokens {
			if strings.Contains(q, tok) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = it, score
		}
	}
	if best == nil || bestScore < minScore {
		return ""
	}
	return best.Answer
}

func normalize(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

func tokenize(s string) []string {
	words := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(words))
	var out []string
	for _, w := range words {
		if len([]rune(w)) < minTokenLen || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Matcher looks answers up against a tenant's stored FAQ items.
type Matcher struct {
	store repository.FaqStore
	limit int
}

// NewMatcher creates a Matcher reading up to limit items per lookup.
func NewMatcher(store repository.FaqStore, limit int) *Matcher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Matcher{store: store, limit: limit}
}

// Answer returns the best answer for text among the tenant's active items.
func (m *Matcher) Answer(ctx context.Context, tenantID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	items, err := m.store.ListActiveFaqs(ctx, tenantID, m.limit)
	if err != nil {
		return "", err
	}
	return Best(text, items), nil
}
