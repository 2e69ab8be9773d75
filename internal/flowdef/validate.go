package flowdef

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"

	"msgflow/backend/internal/apperr"
)

const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "trigger": {
      "type": "object",
      "properties": {"type": {"type": "string"}}
    },
    "startNodeId": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "next": {"type": "string"},
          "onTrue": {"type": "string"},
          "onFalse": {"type": "string"},
          "onSuccess": {"type": "string"},
          "onFailure": {"type": "string"},
          "config": {"type": "object"}
        }
      }
    },
    "edges": {"type": "array"}
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(definitionSchema))
})

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "definition invalid: " + strings.Join(e.Problems, "; ")
}

// Unwrap lets errors.Is match ErrDefinitionInvalid.
func (e *ValidationError) Unwrap() error {
	return ErrDefinitionInvalid
}

// Kind classifies the error for the API boundary.
func (e *ValidationError) Kind() apperr.Kind {
	return apperr.Invalid
}

// Validate checks a definition before it is published. maxNodes is the plan
// limit on nodes per flow; zero disables the check.
func Validate(raw []byte, maxNodes int) error {
	schema, err := compiledSchema()
	if err != nil {
		return apperr.Wrap(apperr.Internal, "flowdef.Validate", err)
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	if !res.Valid() {
		ve := &ValidationError{}
		for _, re := range res.Errors() {
			ve.Problems = append(ve.Problems, re.String())
		}
		return ve
	}

	g, err := Parse(raw)
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(g.Order) == 0 {
		add("definition has no nodes")
	}
	if maxNodes > 0 && len(g.Order) > maxNodes {
		add("definition has %d nodes, plan allows %d", len(g.Order), maxNodes)
	}

	seen := make(map[string]bool, len(g.Order))
	for _, n := range g.Order {
		key := strings.ToLower(n.ID)
		if seen[key] {
			add("duplicate node id %q", n.ID)
		}
		seen[key] = true
	}

	if g.StartID != "" {
		if _, ok := g.Node(g.StartID); !ok {
			add("startNodeId %q does not match any node", g.StartID)
		}
	}

	for _, n := range g.Order {
		edges := [][2]string{
			{"next", n.Next}, {"onTrue", n.OnTrue}, {"onFalse", n.OnFalse},
			{"onSuccess", n.OnSuccess}, {"onFailure", n.OnFailure},
		}
		for _, e := range edges {
			if strings.TrimSpace(e[1]) == "" {
				continue
			}
			if _, ok := g.Node(e[1]); !ok {
				add("node %q: %s points to unknown node %q", n.ID, e[0], e[1])
			}
		}
		problems = append(problems, checkSpec(n)...)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func checkSpec(n *Node) []string {
	var problems []string
	switch s := n.Spec().(type) {
	case TemplateSpec:
		if s.TemplateName == "" {
			problems = append(problems, fmt.Sprintf("node %q: template requires templateName", n.ID))
		}
	case DelaySpec:
		for _, k := range []string{"milliseconds", "seconds"} {
			if v, ok := n.Config[k]; ok {
				f, err := cast.ToFloat64E(v)
				if err != nil || f < 0 {
					problems = append(problems, fmt.Sprintf("node %q: %s must be a non-negative number", n.ID, k))
				}
			}
		}
	case ConditionSpec:
		if s.Field == "" {
			problems = append(problems, fmt.Sprintf("node %q: condition requires field", n.ID))
		}
		if !knownOperators[s.Operator] {
			problems = append(problems, fmt.Sprintf("node %q: unknown operator %q", n.ID, s.Operator))
		}
		if s.Operator == OpRegex {
			if _, err := regexp.Compile(s.Value); err != nil {
				problems = append(problems, fmt.Sprintf("node %q: invalid regex: %v", n.ID, err))
			}
		}
	}
	return problems
}
