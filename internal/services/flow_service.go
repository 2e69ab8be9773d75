package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/flowdef"
	"msgflow/backend/internal/logging"
	"msgflow/backend/internal/tenancy"
	"msgflow/backend/pkg/models"
)

// FlowService governs flow and version state transitions: drafting,
// versioning, approvals, publish, rollback and unpublish.
type FlowService struct {
	store  FlowRepository
	guard  ActivationGuard
	logger *logging.Logger
	now    func() time.Time
}

// NewFlowService creates a new FlowService.
func NewFlowService(store FlowRepository, guard ActivationGuard, logger *logging.Logger) *FlowService {
	return &FlowService{
		store:  store,
		guard:  guard,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateFlowInput is the payload for CreateFlow.
type CreateFlowInput struct {
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	Channel        models.Channel     `json:"channel"`
	TriggerType    models.TriggerType `json:"triggerType"`
	TriggerConfig  json.RawMessage    `json:"triggerConfig"`
	DefinitionJSON json.RawMessage    `json:"definitionJson"`
}

// UpdateFlowInput carries the fields to change; nil fields are left alone.
type UpdateFlowInput struct {
	Name          *string             `json:"name"`
	Description   *string             `json:"description"`
	Channel       *models.Channel     `json:"channel"`
	TriggerType   *models.TriggerType `json:"triggerType"`
	TriggerConfig json.RawMessage     `json:"triggerConfig"`
}

// CreateVersionInput is the payload for CreateVersion.
type CreateVersionInput struct {
	DefinitionJSON  json.RawMessage `json:"definitionJson"`
	ChangeNote      string          `json:"changeNote"`
	IsStagedRelease bool            `json:"isStagedRelease"`
}

// VersionResult is a created version with the problems publish would reject.
type VersionResult struct {
	Version  *models.FlowVersion `json:"version"`
	Warnings []string            `json:"warnings,omitempty"`
}

// NodeInput is the payload for UpsertNode.
type NodeInput struct {
	Key        string           `json:"key"`
	Type       string           `json:"type"`
	Name       string           `json:"name"`
	VersionID  string           `json:"versionId"`
	Config     json.RawMessage  `json:"config"`
	Edges      models.NodeEdges `json:"edges"`
	Sequence   int              `json:"sequence"`
	IsReusable bool             `json:"isReusable"`
}

// FlowDetail is a flow with its versions, newest first.
type FlowDetail struct {
	*models.Flow
	Versions []*models.FlowVersion `json:"versions"`
}

func isEmptyJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// CreateFlow stores a new draft flow with version 1. Without a definition
// the flow starts from the default start -> text -> end graph.
func (s *FlowService) CreateFlow(ctx context.Context, in CreateFlowInput) (*models.Flow, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Invalidf("services.CreateFlow", "name is required")
	}
	channel := in.Channel
	if channel == "" {
		channel = models.ChannelWABA
	}
	if !channel.Valid() {
		return nil, apperr.Invalidf("services.CreateFlow", "unsupported channel %q", channel)
	}
	trigger := in.TriggerType
	if trigger == "" {
		trigger = models.TriggerKeyword
	}
	if !trigger.Valid() {
		return nil, apperr.Invalidf("services.CreateFlow", "unsupported trigger type %q", trigger)
	}

	definition := in.DefinitionJSON
	if isEmptyJSON(definition) {
		definition = flowdef.DefaultDefinition(trigger)
	} else if _, err := flowdef.Parse(definition); err != nil {
		return nil, err
	}
	triggerConfig := in.TriggerConfig
	if isEmptyJSON(triggerConfig) {
		triggerConfig = json.RawMessage("{}")
	}

	now := s.now()
	flow := &models.Flow{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Name:            name,
		Description:     in.Description,
		Channel:         channel,
		TriggerType:     trigger,
		TriggerConfig:   triggerConfig,
		LifecycleStatus: models.LifecycleDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	first := &models.FlowVersion{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		FlowID:     flow.ID,
		Status:     models.VersionDraft,
		Definition: definition,
		ChangeNote: "Initial version",
		CreatedAt:  now,
	}
	if err := s.store.CreateFlow(ctx, flow, first); err != nil {
		return nil, err
	}
	s.logger.Info("flow created", "tenant_id", tenantID, "flow_id", flow.ID, "trigger", string(trigger))
	return flow, nil
}

// ListFlows returns the tenant's flows with aggregates.
func (s *FlowService) ListFlows(ctx context.Context) ([]*models.FlowSummary, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListFlows(ctx, tenantID)
}

// GetFlow returns a flow and its versions.
func (s *FlowService) GetFlow(ctx context.Context, id string) (*FlowDetail, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	flow, err := s.store.GetFlow(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &FlowDetail{Flow: flow, Versions: versions}, nil
}

// UpdateFlow changes a flow's descriptive and trigger settings.
func (s *FlowService) UpdateFlow(ctx context.Context, id string, in UpdateFlowInput) (*models.Flow, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	flow, err := s.store.GetFlow(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Invalidf("services.UpdateFlow", "name is required")
		}
		flow.Name = name
	}
	if in.Description != nil {
		flow.Description = *in.Description
	}
	if in.Channel != nil {
		if !in.Channel.Valid() {
			return nil, apperr.Invalidf("services.UpdateFlow", "unsupported channel %q", *in.Channel)
		}
		flow.Channel = *in.Channel
	}
	if in.TriggerType != nil {
		if !in.TriggerType.Valid() {
			return nil, apperr.Invalidf("services.UpdateFlow", "unsupported trigger type %q", *in.TriggerType)
		}
		flow.TriggerType = *in.TriggerType
	}
	if !isEmptyJSON(in.TriggerConfig) {
		flow.TriggerConfig = in.TriggerConfig
	}
	flow.UpdatedAt = s.now()
	if err := s.store.UpdateFlow(ctx, flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// DeleteFlow removes a flow with its nodes, versions, runs and approvals.
func (s *FlowService) DeleteFlow(ctx context.Context, id string) error {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFlow(ctx, tenantID, id); err != nil {
		return err
	}
	s.logger.Info("flow deleted", "tenant_id", tenantID, "flow_id", id)
	return nil
}

// ListVersions returns a flow's versions, newest first.
func (s *FlowService) ListVersions(ctx context.Context, flowID string) ([]*models.FlowVersion, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetFlow(ctx, tenantID, flowID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, tenantID, flowID)
}

// CreateVersion cuts the next draft version. The definition is taken from
// the input, else compiled from authored nodes, else copied from the
// current version, else the default graph.
func (s *FlowService) CreateVersion(ctx context.Context, flowID string, in CreateVersionInput) (*VersionResult, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	flow, err := s.store.GetFlow(ctx, tenantID, flowID)
	if err != nil {
		return nil, err
	}

	definition, err := s.nextDefinition(ctx, flow, in.DefinitionJSON)
	if err != nil {
		return nil, err
	}
	version := &models.FlowVersion{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		FlowID:          flow.ID,
		Status:          models.VersionDraft,
		Definition:      definition,
		ChangeNote:      in.ChangeNote,
		IsStagedRelease: in.IsStagedRelease,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateVersion(ctx, version); err != nil {
		return nil, err
	}

	res := &VersionResult{Version: version}
	if verr := flowdef.Validate(definition, s.guard.NodeLimit()); verr != nil {
		var ve *flowdef.ValidationError
		if errors.As(verr, &ve) {
			res.Warnings = ve.Problems
		} else {
			res.Warnings = []string{verr.Error()}
		}
	}
	s.logger.Info("flow version created", "tenant_id", tenantID, "flow_id", flow.ID,
		"version", version.VersionNumber, "warnings", len(res.Warnings))
	return res, nil
}

func (s *FlowService) nextDefinition(ctx context.Context, flow *models.Flow, given json.RawMessage) (json.RawMessage, error) {
	if !isEmptyJSON(given) {
		if _, err := flowdef.Parse(given); err != nil {
			return nil, err
		}
		return given, nil
	}
	nodes, err := s.store.ListNodes(ctx, flow.TenantID, flow.ID)
	if err != nil {
		return nil, err
	}
	if len(nodes) > 0 {
		return flowdef.Compile(flow.TriggerType, nodes)
	}
	if flow.CurrentVersionID != "" {
		current, err := s.store.GetVersion(ctx, flow.TenantID, flow.ID, flow.CurrentVersionID)
		if err == nil {
			return current.Definition, nil
		}
		if !apperr.Is(err, apperr.NotFound) {
			return nil, err
		}
	}
	return flowdef.DefaultDefinition(flow.TriggerType), nil
}

// Publish makes versionID the flow's only published version. When
// requireApproval is set the caller must hold an elevated role or the
// version must carry an approved approval.
func (s *FlowService) Publish(ctx context.Context, flowID, versionID string, requireApproval bool) (*models.Flow, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	actor := tenancy.ActorFrom(ctx)
	if requireApproval && !actor.IsElevated() {
		approved, err := s.store.HasApproved(ctx, tenantID, flowID, versionID)
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, apperr.Forbiddenf("services.Publish", "version %s requires an approved approval or an elevated role", versionID)
		}
	}
	flow, err := s.promote(ctx, tenantID, flowID, versionID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("flow version published", "tenant_id", tenantID, "flow_id", flowID,
		"version_id", versionID, "actor", actor.ID)
	return flow, nil
}

// Rollback re-publishes an earlier version. It always requires an elevated role.
func (s *FlowService) Rollback(ctx context.Context, flowID, versionID string) (*models.Flow, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	actor := tenancy.ActorFrom(ctx)
	if !actor.IsElevated() {
		return nil, apperr.Forbiddenf("services.Rollback", "rollback requires owner, admin or super_admin")
	}
	flow, err := s.promote(ctx, tenantID, flowID, versionID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("flow rolled back", "tenant_id", tenantID, "flow_id", flowID,
		"version_id", versionID, "actor", actor.ID)
	return flow, nil
}

// promote validates the target version, enforces the active flow limit for
// inactive flows and publishes.
func (s *FlowService) promote(ctx context.Context, tenantID, flowID, versionID string) (*models.Flow, error) {
	flow, err := s.store.GetFlow(ctx, tenantID, flowID)
	if err != nil {
		return nil, err
	}
	version, err := s.store.GetVersion(ctx, tenantID, flowID, versionID)
	if err != nil {
		return nil, err
	}
	if err := flowdef.Validate(version.Definition, s.guard.NodeLimit()); err != nil {
		return nil, err
	}
	if !flow.IsActive {
		if err := s.guard.CheckActivation(ctx, tenantID); err != nil {
			return nil, err
		}
	}
	return s.store.PublishVersion(ctx, tenantID, flowID, versionID, s.now())
}

// Unpublish archives the published version and deactivates the flow.
func (s *FlowService) Unpublish(ctx context.Context, flowID string) (*models.Flow, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	flow, err := s.store.UnpublishFlow(ctx, tenantID, flowID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("flow unpublished", "tenant_id", tenantID, "flow_id", flowID)
	return flow, nil
}

// RequestApproval opens a pending approval for a version.
func (s *FlowService) RequestApproval(ctx context.Context, flowID, versionID string) (*models.Approval, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if versionID == "" {
		flow, err := s.store.GetFlow(ctx, tenantID, flowID)
		if err != nil {
			return nil, err
		}
		versionID = flow.CurrentVersionID
	}
	if _, err := s.store.GetVersion(ctx, tenantID, flowID, versionID); err != nil {
		return nil, err
	}
	actor := tenancy.ActorFrom(ctx)
	approval := &models.Approval{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		FlowID:          flowID,
		VersionID:       versionID,
		RequestedBy:     actor.ID,
		RequestedByRole: actor.Role,
		Status:          models.ApprovalPending,
		RequestedAt:     s.now(),
	}
	if err := s.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}
	return approval, nil
}

// DecideApproval approves or rejects a pending approval. Only elevated
// roles may decide, and a decided approval cannot be decided again.
func (s *FlowService) DecideApproval(ctx context.Context, flowID, approvalID string, decision models.ApprovalStatus, comment string) (*models.Approval, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	actor := tenancy.ActorFrom(ctx)
	if !actor.IsElevated() {
		return nil, apperr.Forbiddenf("services.DecideApproval", "deciding approvals requires owner, admin or super_admin")
	}
	if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
		return nil, apperr.Invalidf("services.DecideApproval", "decision must be approved or rejected, got %q", decision)
	}
	approval, err := s.store.GetApproval(ctx, tenantID, flowID, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.ApprovalPending {
		return nil, apperr.Invalidf("services.DecideApproval", "approval is already %s", approval.Status)
	}
	decided := s.now()
	approval.Status = decision
	approval.DecisionComment = comment
	approval.DecidedBy = actor.ID
	approval.DecidedAt = &decided
	if err := s.store.DecideApproval(ctx, approval); err != nil {
		return nil, err
	}
	s.logger.Info("approval decided", "tenant_id", tenantID, "flow_id", flowID,
		"approval_id", approvalID, "decision", string(decision))
	return approval, nil
}

// ListApprovals returns a flow's approvals, newest first.
func (s *FlowService) ListApprovals(ctx context.Context, flowID string) ([]*models.Approval, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetFlow(ctx, tenantID, flowID); err != nil {
		return nil, err
	}
	return s.store.ListApprovals(ctx, tenantID, flowID)
}

// UpsertNode saves an authored node under its key.
func (s *FlowService) UpsertNode(ctx context.Context, flowID string, in NodeInput) (*models.Node, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetFlow(ctx, tenantID, flowID); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(in.Key)
	typ := strings.ToLower(strings.TrimSpace(in.Type))
	if key == "" || typ == "" {
		return nil, apperr.Invalidf("services.UpsertNode", "key and type are required")
	}
	config := in.Config
	if isEmptyJSON(config) {
		config = json.RawMessage("{}")
	} else if !json.Valid(config) || bytes.TrimSpace(config)[0] != '{' {
		return nil, apperr.Invalidf("services.UpsertNode", "config must be a JSON object")
	}
	edges, err := json.Marshal(in.Edges)
	if err != nil {
		return nil, err
	}

	now := s.now()
	node := &models.Node{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		FlowID:     flowID,
		VersionID:  in.VersionID,
		Key:        key,
		Type:       typ,
		Name:       in.Name,
		Config:     config,
		Edges:      edges,
		Sequence:   in.Sequence,
		IsReusable: in.IsReusable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.UpsertNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// ListNodes returns a flow's authored nodes in sequence order.
func (s *FlowService) ListNodes(ctx context.Context, flowID string) ([]*models.Node, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetFlow(ctx, tenantID, flowID); err != nil {
		return nil, err
	}
	return s.store.ListNodes(ctx, tenantID, flowID)
}

// ListRuns returns the tenant's runs, newest first.
func (s *FlowService) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.Run, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, tenantID, filter)
}

// GetRun returns one run.
func (s *FlowService) GetRun(ctx context.Context, id string) (*models.Run, error) {
	tenantID, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.GetRun(ctx, tenantID, id)
}
