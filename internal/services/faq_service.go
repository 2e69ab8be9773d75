package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/tenancy"
	"msgflow/backend/pkg/models"
)

// FaqService manages a tenant's FAQ knowledge items.
type FaqService struct {
	store    KnowledgeRepository
	answerer Answerer
	limit    int
}

// NewFaqService creates a new FaqService. limit caps how many items are
// listed and matched against.
func NewFaqService(store KnowledgeRepository, answerer Answerer, limit int) *FaqService {
	if limit <= 0 {
		limit = 500
	}
	return &FaqService{
		store:    store,
		answerer: answerer,
		limit:    limit,
	}
}

// FaqInput is the payload for CreateFaq.
type FaqInput struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category"`
	IsActive *bool  `json:"isActive"`
}

// CreateFaq stores a new item. Items are active unless stated otherwise.
func (s *FaqService) CreateFaq(ctx context.Context, in FaqInput) (*models.FaqItem, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	question := strings.TrimSpace(in.Question)
	answer := strings.TrimSpace(in.Answer)
	if question == "" || answer == "" {
		return nil, apperr.Invalidf("services.CreateFaq", "question and answer are required")
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	now := time.Now().UTC()
	item := &models.FaqItem{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Question:  question,
		Answer:    answer,
		Category:  strings.TrimSpace(in.Category),
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateFaq(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ListFaqs returns the active items, most recently updated first.
func (s *FaqService) ListFaqs(ctx context.Context) ([]*models.FaqItem, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListActiveFaqs(ctx, tenantID, s.limit)
}

// Match returns the best answer for text, or "" when nothing matches.
func (s *FaqService) Match(ctx context.Context, text string) (string, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return "", err
	}
	return s.answerer.Answer(ctx, tenantID, text)
}
