package flowdef

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgflow/backend/internal/apperr"
)

func problemsOf(t *testing.T, err error) []string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "want ValidationError, got %v", err)
	return ve.Problems
}

func TestValidate_Valid(t *testing.T) {
	doc := `{
	  "trigger": {"type": "keyword"},
	  "startNodeId": "s",
	  "nodes": [
	    {"id": "s", "type": "start", "next": "c"},
	    {"id": "c", "type": "condition", "onTrue": "t", "onFalse": "e",
	     "config": {"field": "intent", "operator": "regex", "value": "^ref(und)?$"}},
	    {"id": "t", "type": "template", "next": "e", "config": {"templateName": "refund"}},
	    {"id": "e", "type": "end"}
	  ],
	  "edges": []
	}`
	assert.NoError(t, Validate([]byte(doc), 300))
}

func TestValidate_SchemaErrors(t *testing.T) {
	err := Validate([]byte(`{"nodes":[{"id":"a"}]}`), 300)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDefinitionInvalid))
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
	assert.NotEmpty(t, problemsOf(t, err))

	err = Validate([]byte(`not json`), 300)
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
}

func TestValidate_SemanticErrors(t *testing.T) {
	doc := `{
	  "startNodeId": "missing",
	  "nodes": [
	    {"id": "a", "type": "text", "next": "ghost"},
	    {"id": "A", "type": "end"},
	    {"id": "t", "type": "template"},
	    {"id": "d", "type": "delay", "config": {"milliseconds": -5}},
	    {"id": "c1", "type": "condition", "config": {"operator": "between"}},
	    {"id": "c2", "type": "condition", "config": {"field": "x", "operator": "regex", "value": "("}}
	  ]
	}`
	problems := strings.Join(problemsOf(t, Validate([]byte(doc), 300)), "\n")

	for _, want := range []string{
		`duplicate node id "A"`,
		`startNodeId "missing"`,
		`next points to unknown node "ghost"`,
		`template requires templateName`,
		`milliseconds must be a non-negative number`,
		`condition requires field`,
		`unknown operator "between"`,
		`invalid regex`,
	} {
		assert.Contains(t, problems, want)
	}
}

func TestValidate_NodeLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"nodes":[`)
	for i := 0; i < 4; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"id":"n%d","type":"handoff"}`, i)
	}
	b.WriteString(`]}`)

	assert.NoError(t, Validate([]byte(b.String()), 4))
	err := Validate([]byte(b.String()), 3)
	assert.Contains(t, strings.Join(problemsOf(t, err), ";"), "plan allows 3")
}

func TestValidate_UnknownTypesAllowed(t *testing.T) {
	assert.NoError(t, Validate([]byte(`{"nodes":[{"id":"x","type":"carousel"}]}`), 300))
}
