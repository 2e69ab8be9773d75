package faq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgflow/backend/internal/repository"
	"msgflow/backend/pkg/models"
)

func items(pairs ...string) []*models.FaqItem {
	var out []*models.FaqItem
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, &models.FaqItem{Question: pairs[i], Answer: pairs[i+1], IsActive: true})
	}
	return out
}

func TestBest(t *testing.T) {
	kb := items(
		"What are your hours?", "9-5",
		"Where are you located?", "Mumbai",
	)

	tests := []struct {
		name string
		text string
		want string
	}{
		{"exact ignoring case and punctuation", "what are your hours", "9-5"},
		{"exact with different case", "WHERE ARE YOU LOCATED?", "Mumbai"},
		{"text contains question", "hello! where are you located? thanks", "Mumbai"},
		{"question contains text", "your hours", "9-5"},
		{"single token overlap is not enough", "hours location", ""},
		{"empty text", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Best(tt.text, kb))
		})
	}
}

func TestBest_TokenOverlap(t *testing.T) {
	kb := items(
		"Do you offer refunds on damaged orders?", "Yes, within 30 days",
		"Can I change my delivery address?", "Contact support",
	)
	assert.Equal(t, "Yes, within 30 days", Best("my order arrived damaged, refunds possible?", kb))
	assert.Equal(t, "", Best("refunds", items("Shipping costs", "Free")))
}

func TestBest_TiesGoToNewest(t *testing.T) {
	kb := items(
		"billing invoice questions", "newest",
		"invoice billing help", "older",
	)
	assert.Equal(t, "newest", Best("need billing invoice copy", kb))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"what", "are", "your", "hours"}, tokenize("what are your hours hours ok"))
}

func TestMatcher_Answer(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.CreateFaq(ctx, &models.FaqItem{
		ID: "1", TenantID: "t1", Question: "What are your hours?", Answer: "9-5", IsActive: true, UpdatedAt: now,
	}))
	require.NoError(t, store.CreateFaq(ctx, &models.FaqItem{
		ID: "2", TenantID: "t2", Question: "What are your hours?", Answer: "24/7", IsActive: true, UpdatedAt: now,
	}))

	m := NewMatcher(store, 0)
	got, err := m.Answer(ctx, "t1", "what are your hours")
	require.NoError(t, err)
	assert.Equal(t, "9-5", got)

	got, err = m.Answer(ctx, "t3", "what are your hours")
	require.NoError(t, err)
	assert.Empty(t, got)
}
