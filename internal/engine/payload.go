package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/internal/flowdef"
)

// Payload is the flattened trigger payload. Keys are stored lowercased so
// lookups ignore case. Nested objects are reachable by dotted path
// ("contact.name") and by their top-level key as JSON text.
type Payload map[string]string

// ParsePayload flattens a JSON object. An empty document yields an empty
// payload; anything other than an object is rejected.
func ParsePayload(raw []byte) (Payload, error) {
	p := Payload{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Wrapf(apperr.Invalid, "engine.ParsePayload", err, "trigger payload must be a JSON object")
	}
	for k, v := range doc {
		p.flatten(k, v)
	}
	return p, nil
}

func (p Payload) flatten(key string, v any) {
	switch val := v.(type) {
	case nil:
		p.Set(key, "")
	case map[string]any:
		raw, _ := json.Marshal(val)
		p.Set(key, string(raw))
		for k, nested := range val {
			p.flatten(key+"."+k, nested)
		}
	case []any:
		raw, _ := json.Marshal(val)
		p.Set(key, string(raw))
	default:
		p.Set(key, cast.ToString(val))
	}
}

// Get returns the value for key, or "" when absent.
func (p Payload) Get(key string) string {
	return p[strings.ToLower(strings.TrimSpace(key))]
}

// Has reports whether key is present.
func (p Payload) Has(key string) bool {
	_, ok := p[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// List reads key as a JSON array of scalars. A plain value is a one-item list.
func (p Payload) List(key string) []string {
	v, ok := p[strings.ToLower(strings.TrimSpace(key))]
	if !ok || v == "" {
		return nil
	}
	var items []any
	if err := json.Unmarshal([]byte(v), &items); err != nil {
		return []string{v}
	}
	return cast.ToStringSlice(items)
}

// Set stores value under key.
func (p Payload) Set(key, value string) {
	p[strings.ToLower(strings.TrimSpace(key))] = value
}

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces {{key}} placeholders with payload values. Missing
// keys become empty strings.
func Interpolate(s string, p Payload) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		return p.Get(sub[1])
	})
}

// Evaluate applies a condition to the payload. Comparisons ignore case
// except regex, which is matched as written.
func Evaluate(c flowdef.ConditionSpec, p Payload) (bool, error) {
	actual := p.Get(c.Field)
	a, v := strings.ToLower(actual), strings.ToLower(c.Value)
	switch c.Operator {
	case "", flowdef.OpEquals:
		return a == v, nil
	case flowdef.OpNotEquals:
		return a != v, nil
	case flowdef.OpContains:
		return strings.Contains(a, v), nil
	case flowdef.OpStartsWith:
		return strings.HasPrefix(a, v), nil
	case flowdef.OpEndsWith:
		return strings.HasSuffix(a, v), nil
	case flowdef.OpRegex:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", c.Value, err)
		}
		return re.MatchString(actual), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}
