package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/config"
	"msgflow/backend/internal/faq"
	"msgflow/backend/internal/logging"
	"msgflow/backend/internal/quota"
	"msgflow/backend/internal/repository"
	"msgflow/backend/internal/services"
	"msgflow/backend/internal/tenancy"
	"msgflow/backend/pkg/models"
)

const refundTriage = `{
  "trigger": {"type": "keyword"},
  "startNodeId": "start",
  "nodes": [
    {"id": "start", "type": "start", "next": "is_refund"},
    {"id": "is_refund", "type": "condition", "config": {"field": "intent", "operator": "contains", "value": "refund"},
     "onTrue": "refund_ack", "onFalse": "faq_reply"},
    {"id": "refund_ack", "type": "template", "config": {"templateName": "refund_received", "languageCode": "en",
     "parameters": ["{{orderId}}"]}, "next": "end"},
    {"id": "faq_reply", "type": "text", "config": {"body": "{{faq_answer}}"}, "next": "end"},
    {"id": "end", "type": "end"}
  ],
  "edges": []
}`

func main() {
	configPath := flag.String("config", "", "Path to config file")
	domain := flag.String("domain", "localhost", "Tenant domain to seed")
	flag.Parse()

	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool, logger); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	store := repository.NewPostgresStore(pool)

	// 1. Ensure tenant exists
	tenant, err := store.GetTenantByDomain(ctx, *domain)
	if apperr.Is(err, apperr.NotFound) {
		logger.Info("Creating tenant", "domain", *domain)
		now := time.Now().UTC()
		tenant = &models.Tenant{
			ID:        uuid.NewString(),
			Name:      *domain,
			Domain:    *domain,
			Plan:      quota.Standard.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = store.CreateTenant(ctx, tenant)
	}
	if err != nil {
		log.Fatalf("Failed to resolve tenant: %v", err)
	}
	logger.Info("Using tenant", "id", tenant.ID)

	ctx = tenancy.WithTenant(ctx, tenant.ID)
	ctx = tenancy.WithActor(ctx, models.Actor{ID: "seed@" + *domain, Role: "owner"})

	flows := services.NewFlowService(store, quota.NewGuard(store), logger)
	faqs := services.NewFaqService(store, faq.NewMatcher(store, cfg.Engine.FaqLimit), cfg.Engine.FaqLimit)

	// 2. FAQ items
	existingFaqs, err := faqs.ListFaqs(ctx)
	if err != nil {
		log.Fatalf("Failed to list FAQ items: %v", err)
	}
	haveFaq := make(map[string]bool)
	for _, item := range existingFaqs {
		haveFaq[item.Question] = true
	}
	for _, in := range []services.FaqInput{
		{Question: "What are your opening hours?", Answer: "We are open 9:00 to 17:00, Monday to Friday.", Category: "general"},
		{Question: "How do I track my order?", Answer: "Reply with your order number and we will send the tracking link.", Category: "orders"},
		{Question: "Do you ship internationally?", Answer: "Yes, to most countries within 5 to 10 business days.", Category: "shipping"},
	} {
		if haveFaq[in.Question] {
			logger.Info("Skipping existing FAQ item", "question", in.Question)
			continue
		}
		if _, err := faqs.CreateFaq(ctx, in); err != nil {
			log.Printf("Failed to create FAQ item %q: %v", in.Question, err)
		}
	}

	// 3. Flows, published
	existingFlows, err := flows.ListFlows(ctx)
	if err != nil {
		log.Fatalf("Failed to list existing flows: %v", err)
	}
	haveFlow := make(map[string]bool)
	for _, f := range existingFlows {
		haveFlow[f.Name] = true
	}

	for _, in := range []services.CreateFlowInput{
		{Name: "Keyword welcome", Description: "Echoes inbound keyword messages.", TriggerType: models.TriggerKeyword},
		{Name: "Refund triage", Description: "Acknowledges refunds, answers everything else from the FAQ.",
			TriggerType: models.TriggerIntent, DefinitionJSON: json.RawMessage(refundTriage)},
	} {
		if haveFlow[in.Name] {
			logger.Info("Skipping existing flow", "name", in.Name)
			continue
		}
		flow, err := flows.CreateFlow(ctx, in)
		if err != nil {
			log.Printf("Failed to create flow %s: %v", in.Name, err)
			continue
		}
		if _, err := flows.Publish(ctx, flow.ID, flow.CurrentVersionID, false); err != nil {
			log.Printf("Failed to publish flow %s: %v", in.Name, err)
			continue
		}
		logger.Info("Seeded flow", "name", in.Name, "id", flow.ID)
	}
	logger.Info("Seeding complete!")
}
