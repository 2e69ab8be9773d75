package models

import (
	"encoding/json"
	"time"
)

// RunMode is how a run was started
type RunMode string

const (
	RunModeLive     RunMode = "live"
	RunModeSimulate RunMode = "simulate"
	RunModeSubflow  RunMode = "subflow"
)

// RunStatus is the state of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one execution attempt of a flow version.
type Run struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	FlowID         string          `json:"flowId"`
	VersionID      string          `json:"versionId"`
	ParentRunID    string          `json:"parentRunId,omitempty"`
	Mode           RunMode         `json:"mode"`
	TriggerType    string          `json:"triggerType"`
	IdempotencyKey string          `json:"idempotencyKey"`
	TriggerPayload json.RawMessage `json:"triggerPayload"`
	Status         RunStatus       `json:"status"`
	Log            string          `json:"log"`
	Trace          json.RawMessage `json:"trace"`
	FailureReason  string          `json:"failureReason,omitempty"`
	RetryCount     int             `json:"retryCount"`
	MessagesSent   int             `json:"messagesSent"`
	APICalls       int             `json:"apiCalls"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// TraceEntry is one step record in Run.Trace.
type TraceEntry struct {
	NodeID     string `json:"nodeId"`
	NodeType   string `json:"nodeType,omitempty"`
	NextNodeID string `json:"nextNodeId,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// RunFilter narrows run listings.
type RunFilter struct {
	FlowID string
	Limit  int
}
