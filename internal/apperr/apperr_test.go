package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type limitErr struct{}

func (limitErr) Error() string { return "limit" }
func (limitErr) Kind() Kind    { return LimitReached }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Internal},
		{"plain", errors.New("boom"), Internal},
		{"not found", NotFoundf("GetFlow", "flow %s not found", "f1"), NotFound},
		{"wrapped twice", fmt.Errorf("outer: %w", Wrap(Conflict, "CreateApproval", errors.New("dup"))), Conflict},
		{"kinder", fmt.Errorf("run: %w", limitErr{}), LimitReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(NotFound, "op", nil))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("no rows")
	err := Wrapf(NotFound, "GetRun", cause, "run %s", "r1")

	assert.Equal(t, "GetRun: run r1: no rows", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Invalid))
	assert.Equal(t, "not_found", NotFound.String())
}
