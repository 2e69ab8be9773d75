package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/flowdef"
	"msgflow/backend/internal/gateway"
	"msgflow/backend/pkg/models"
)

const defaultLanguage = "en"

// Effects counts the side effects of dispatched nodes.
type Effects struct {
	MessagesSent int
	APICalls     int
}

func (e *Effects) add(o Effects) {
	e.MessagesSent += o.MessagesSent
	e.APICalls += o.APICalls
}

// result is the outcome of one dispatched node.
type result struct {
	next    string
	note    string
	status  string
	effects Effects
}

// dispatch performs the side effect of node and picks the next node id.
func (e *Executor) dispatch(ctx context.Context, st *runState, node *flowdef.Node) (result, error) {
	switch spec := node.Spec().(type) {
	case flowdef.StartSpec:
		return result{next: node.SuccessNext(), note: "start"}, nil
	case flowdef.EndSpec:
		return result{note: "end"}, nil
	case flowdef.TextSpec:
		return e.sendText(ctx, st, node, spec)
	case flowdef.TemplateSpec:
		return e.sendTemplate(ctx, st, node, spec)
	case flowdef.DelaySpec:
		return e.delay(ctx, st, node, spec)
	case flowdef.ConditionSpec:
		ok, err := Evaluate(spec, st.payload)
		if err != nil {
			return result{}, err
		}
		return result{
			next: node.BranchNext(ok),
			note: fmt.Sprintf("%s %s %q => %t", spec.Field, spec.Operator, spec.Value, ok),
		}, nil
	case flowdef.SubflowSpec:
		return e.subflow(ctx, st, node, spec)
	case flowdef.PassThroughSpec:
		res := result{next: node.SuccessNext(), note: "pass-through"}
		if spec.Kind == flowdef.KindAPICall {
			res.effects.APICalls = 1
		}
		return res, nil
	default:
		return result{next: node.SuccessNext(), note: "pass-through"}, nil
	}
}

func (e *Executor) message(st *runState, node *flowdef.Node, kind string) gateway.Message {
	return gateway.Message{
		ID:       st.run.ID + ":" + node.ID,
		TenantID: st.run.TenantID,
		Channel:  string(st.flow.Channel),
		Kind:     kind,
	}
}

func (e *Executor) sendText(ctx context.Context, st *runState, node *flowdef.Node, spec flowdef.TextSpec) (result, error) {
	res := result{next: node.SuccessNext()}
	recipient := spec.Recipient
	if recipient == "" {
		recipient = st.payload.Get("recipient")
	}
	body := spec.Body
	if body == "" {
		body = st.payload.Get("body")
	}
	recipient = Interpolate(recipient, st.payload)
	body = Interpolate(body, st.payload)

	if !st.live {
		res.note = fmt.Sprintf("recipient=%q body=%q (not sent: %s)", recipient, body, st.run.Mode)
		return res, nil
	}
	if recipient == "" || body == "" {
		res.note = fmt.Sprintf("recipient=%q body=%q (skipped: missing recipient or body)", recipient, body)
		return res, nil
	}
	msg := e.message(st, node, gateway.KindText)
	msg.Recipient = recipient
	msg.Body = body
	if err := e.gateway.Send(ctx, msg); err != nil {
		return result{}, apperr.Wrap(apperr.Unavailable, "engine.sendText", err)
	}
	res.note = fmt.Sprintf("recipient=%q body=%q sent via gateway", recipient, body)
	res.effects.MessagesSent = 1
	return res, nil
}

func (e *Executor) sendTemplate(ctx context.Context, st *runState, node *flowdef.Node, spec flowdef.TemplateSpec) (result, error) {
	res := result{next: node.SuccessNext()}
	recipient := spec.Recipient
	if recipient == "" {
		recipient = st.payload.Get("recipient")
	}
	recipient = Interpolate(recipient, st.payload)
	name := spec.TemplateName
	if name == "" {
		name = st.payload.Get("templateName")
	}
	lang := spec.LanguageCode
	if lang == "" {
		lang = st.payload.Get("languageCode")
	}
	if lang == "" {
		lang = defaultLanguage
	}
	raw := spec.Parameters
	if len(raw) == 0 {
		raw = st.payload.List("parameters")
	}
	params := make([]string, len(raw))
	for i, p := range raw {
		params[i] = Interpolate(p, st.payload)
	}

	if !st.live {
		res.note = fmt.Sprintf("recipient=%q template=%q (not sent: %s)", recipient, name, st.run.Mode)
		return res, nil
	}
	if recipient == "" || name == "" {
		res.note = fmt.Sprintf("recipient=%q template=%q (skipped: missing recipient or template)", recipient, name)
		return res, nil
	}
	msg := e.message(st, node, gateway.KindTemplate)
	msg.Recipient = recipient
	msg.TemplateName = name
	msg.LanguageCode = lang
	msg.Parameters = params
	if err := e.gateway.Send(ctx, msg); err != nil {
		return result{}, apperr.Wrap(apperr.Unavailable, "engine.sendTemplate", err)
	}
	res.note = fmt.Sprintf("recipient=%q template=%q lang=%s sent via gateway", recipient, name, lang)
	res.effects.MessagesSent = 1
	return res, nil
}

func (e *Executor) delay(ctx context.Context, st *runState, node *flowdef.Node, spec flowdef.DelaySpec) (result, error) {
	d := spec.Duration
	if d > e.opts.MaxDelay {
		d = e.opts.MaxDelay
	}
	res := result{next: node.SuccessNext()}
	if !st.live || d == 0 {
		res.note = fmt.Sprintf("delay %s skipped", d)
		return res, nil
	}
	granted := st.budget.wait(d)
	if granted == 0 {
		res.note = fmt.Sprintf("delay %s skipped: run delay budget spent", d)
		return res, nil
	}
	d = granted
	if err := e.sleep(ctx, d); err != nil {
		return result{}, fmt.Errorf("delay interrupted: %w", err)
	}
	res.note = fmt.Sprintf("waited %s", d)
	return res, nil
}

// subflow runs the target flow as a nested run sharing the step budget. A
// failed child is recorded and the parent continues.
func (e *Executor) subflow(ctx context.Context, st *runState, node *flowdef.Node, spec flowdef.SubflowSpec) (result, error) {
	target := spec.FlowID
	if target == "" {
		target = st.payload.Get("subflowId")
	}
	if target == "" {
		target = st.payload.Get("flowId")
	}
	res := result{next: node.SuccessNext()}
	if target == "" {
		res.note = "no subflow target, skipped"
		return res, nil
	}
	if st.depth+1 > e.opts.MaxSubflowDepth {
		return result{}, fmt.Errorf("subflow depth limit %d exceeded", e.opts.MaxSubflowDepth)
	}

	flow, err := e.store.GetFlow(ctx, st.run.TenantID, target)
	if err != nil {
		return result{}, err
	}
	version, err := e.resolveVersion(ctx, st.run.TenantID, flow, "")
	if err != nil {
		return result{}, err
	}
	child := &models.Run{
		ID:             uuid.NewString(),
		TenantID:       st.run.TenantID,
		FlowID:         flow.ID,
		VersionID:      version.ID,
		ParentRunID:    st.run.ID,
		Mode:           models.RunModeSubflow,
		TriggerType:    st.run.TriggerType,
		IdempotencyKey: "subflow:" + uuid.NewString(),
		TriggerPayload: st.run.TriggerPayload,
	}
	done, err := e.run(ctx, flow, version, child, false, false, st.depth+1, st.budget)
	if err != nil {
		return result{}, err
	}
	res.effects.APICalls = done.APICalls
	res.effects.MessagesSent = done.MessagesSent
	if done.Status == models.RunFailed {
		res.note = fmt.Sprintf("subflow %s run %s failed: %s", flow.ID, done.ID, done.FailureReason)
		res.status = "subflow_failed"
		return res, nil
	}
	res.note = fmt.Sprintf("subflow %s run %s %s", flow.ID, done.ID, done.Status)
	return res, nil
}
