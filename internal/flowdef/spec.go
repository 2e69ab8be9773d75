package flowdef

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Node types understood by the engine. Anything else is a pass-through.
const (
	KindStart     = "start"
	KindEnd       = "end"
	KindText      = "text"
	KindSendText  = "send_text"
	KindTemplate  = "template"
	KindDelay     = "delay"
	KindWait      = "wait"
	KindCondition = "condition"
	KindSplit     = "split"
	KindSubflow   = "subflow"
	KindHandoff   = "handoff"
	KindAPICall   = "api_call"
	KindDBQuery   = "db_query"
	KindFunction  = "function"
	KindWebhook   = "webhook"
	KindMedia     = "media"
	KindButtons   = "buttons"
	KindList      = "list"
)

// Condition operators.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegex      = "regex"
)

var knownOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true,
	OpStartsWith: true, OpEndsWith: true, OpRegex: true,
}

// Spec is the typed configuration of a node.
type Spec interface {
	isSpec()
}

// StartSpec marks the entry node.
type StartSpec struct{}

// EndSpec stops the walk.
type EndSpec struct{}

// TextSpec sends a free-form text message. Empty fields fall back to the
// trigger payload at run time.
type TextSpec struct {
	Recipient string
	Body      string
}

// TemplateSpec sends a pre-approved template message.
type TemplateSpec struct {
	Recipient    string
	TemplateName string
	LanguageCode string
	Parameters   []string
}

// DelaySpec suspends a live run.
type DelaySpec struct {
	Duration time.Duration
}

// ConditionSpec compares one payload field against a value.
type ConditionSpec struct {
	Field    string
	Operator string
	Value    string
}

// SubflowSpec invokes another flow as a nested run.
type SubflowSpec struct {
	FlowID string
}

// PassThroughSpec covers node types without a side effect. Kind is the
// normalized node type.
type PassThroughSpec struct {
	Kind string
}

func (StartSpec) isSpec()       {}
func (EndSpec) isSpec()         {}
func (TextSpec) isSpec()        {}
func (TemplateSpec) isSpec()    {}
func (DelaySpec) isSpec()       {}
func (ConditionSpec) isSpec()   {}
func (SubflowSpec) isSpec()     {}
func (PassThroughSpec) isSpec() {}

// Spec decodes the node config into its typed variant.
func (n *Node) Spec() Spec {
	switch kind := n.Kind(); kind {
	case KindStart:
		return StartSpec{}
	case KindEnd:
		return EndSpec{}
	case KindText, KindSendText:
		return TextSpec{
			Recipient: n.str("recipient", "to"),
			Body:      n.str("body", "text", "message"),
		}
	case KindTemplate:
		return TemplateSpec{
			Recipient:    n.str("recipient", "to"),
			TemplateName: n.str("templateName", "template_name", "template"),
			LanguageCode: n.str("languageCode", "language_code", "language"),
			Parameters:   cast.ToStringSlice(n.Config["parameters"]),
		}
	case KindDelay, KindWait:
		return DelaySpec{Duration: n.duration()}
	case KindCondition, KindSplit:
		op := strings.ToLower(n.str("operator"))
		if op == "" {
			op = OpEquals
		}
		return ConditionSpec{
			Field:    n.str("field"),
			Operator: op,
			Value:    n.str("value"),
		}
	case KindSubflow:
		return SubflowSpec{FlowID: n.str("flowId", "subflowId", "targetFlowId", "flow_id")}
	default:
		return PassThroughSpec{Kind: kind}
	}
}

// str returns the first non-empty config value among keys.
func (n *Node) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := n.Config[k]; ok {
			if s := strings.TrimSpace(cast.ToString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

// duration reads milliseconds, falling back to seconds. Negative values
// become zero.
func (n *Node) duration() time.Duration {
	var d time.Duration
	if v, ok := n.Config["milliseconds"]; ok {
		d = time.Duration(cast.ToInt64(v)) * time.Millisecond
	} else if v, ok := n.Config["seconds"]; ok {
		d = time.Duration(cast.ToFloat64(v) * float64(time.Second))
	}
	if d < 0 {
		return 0
	}
	return d
}
