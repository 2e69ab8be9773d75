package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/faq"
	"msgflow/backend/internal/repository"
)

func TestFaqService(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := NewFaqService(store, faq.NewMatcher(store, 0), 0)
	ctx := asRole("editor")

	_, err := svc.CreateFaq(ctx, FaqInput{Question: "What are your hours?"})
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))

	_, err = svc.CreateFaq(ctx, FaqInput{Question: "What are your hours?", Answer: "9-5", Category: "general"})
	require.NoError(t, err)
	_, err = svc.CreateFaq(ctx, FaqInput{Question: "Where are you located?", Answer: "Mumbai"})
	require.NoError(t, err)
	inactive := false
	_, err = svc.CreateFaq(ctx, FaqInput{Question: "Old promo?", Answer: "expired", IsActive: &inactive})
	require.NoError(t, err)

	items, err := svc.ListFaqs(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	answer, err := svc.Match(ctx, "what are your hours")
	require.NoError(t, err)
	assert.Equal(t, "9-5", answer)

	answer, err = svc.Match(ctx, "hours location")
	require.NoError(t, err)
	assert.Empty(t, answer)
}
