// Package models defines the domain models for the flow automation service
package models

import (
	"encoding/json"
	"time"
)

// Channel is the messaging channel a flow sends on
type Channel string

const (
	ChannelWABA Channel = "waba"
	ChannelSMS  Channel = "sms"
)

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	return c == ChannelWABA || c == ChannelSMS
}

// TriggerType identifies what starts a flow
type TriggerType string

const (
	TriggerKeyword   TriggerType = "keyword"
	TriggerIntent    TriggerType = "intent"
	TriggerWebhook   TriggerType = "webhook"
	TriggerSchedule  TriggerType = "schedule"
	TriggerTag       TriggerType = "tag"
	TriggerUserEvent TriggerType = "user_event"
)

// Valid reports whether t is a supported trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerKeyword, TriggerIntent, TriggerWebhook, TriggerSchedule, TriggerTag, TriggerUserEvent:
		return true
	}
	return false
}

// LifecycleStatus is the flow-level lifecycle state
type LifecycleStatus string

const (
	LifecycleDraft     LifecycleStatus = "draft"
	LifecyclePublished LifecycleStatus = "published"
)

// VersionStatus is the state of a single flow version
type VersionStatus string

const (
	VersionDraft     VersionStatus = "draft"
	VersionPublished VersionStatus = "published"
	VersionArchived  VersionStatus = "archived"
)

// Flow is a tenant's named automation definition.
type Flow struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenantId"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Channel            Channel         `json:"channel"`
	TriggerType        TriggerType     `json:"triggerType"`
	TriggerConfig      json.RawMessage `json:"triggerConfig"`
	LifecycleStatus    LifecycleStatus `json:"lifecycleStatus"`
	CurrentVersionID   string          `json:"currentVersionId"`
	PublishedVersionID string          `json:"publishedVersionId,omitempty"`
	LastPublishedAt    *time.Time      `json:"lastPublishedAt,omitempty"`
	IsActive           bool            `json:"isActive"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// FlowSummary is a Flow with the aggregates shown on listings.
type FlowSummary struct {
	Flow
	VersionCount int     `json:"versionCount"`
	RunCount     int     `json:"runCount"`
	SuccessRate  float64 `json:"successRate"`
}

// FlowVersion is an immutable-once-published snapshot of a flow's node graph.
type FlowVersion struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	FlowID          string          `json:"flowId"`
	VersionNumber   int             `json:"versionNumber"`
	Status          VersionStatus   `json:"status"`
	Definition      json.RawMessage `json:"definitionJson"`
	ChangeNote      string          `json:"changeNote"`
	IsStagedRelease bool            `json:"isStagedRelease"`
	CreatedAt       time.Time       `json:"createdAt"`
	PublishedAt     *time.Time      `json:"publishedAt,omitempty"`
}

// Node is a persisted authoring unit, independent of any version snapshot.
type Node struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	FlowID     string          `json:"flowId"`
	VersionID  string          `json:"versionId,omitempty"`
	Key        string          `json:"key"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	Config     json.RawMessage `json:"config"`
	Edges      json.RawMessage `json:"edges"`
	Sequence   int             `json:"sequence"`
	IsReusable bool            `json:"isReusable"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NodeEdges is the serialized shape of Node.Edges.
type NodeEdges struct {
	Next      string `json:"next,omitempty"`
	OnTrue    string `json:"onTrue,omitempty"`
	OnFalse   string `json:"onFalse,omitempty"`
	OnSuccess string `json:"onSuccess,omitempty"`
	OnFailure string `json:"onFailure,omitempty"`
}
