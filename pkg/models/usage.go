package models

import "time"

// UsageCounter is a per-tenant per-day bucket.
type UsageCounter struct {
	TenantID    string    `json:"tenantId"`
	Day         time.Time `json:"day"`
	Runs        int       `json:"runs"`
	APICalls    int       `json:"apiCalls"`
	ActiveFlows int       `json:"activeFlows"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// FaqItem is a tenant-scoped question/answer pair used for fuzzy lookup.
type FaqItem struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Category  string    `json:"category"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
