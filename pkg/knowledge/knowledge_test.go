package knowledge

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessInstanceMatch(t *testing.T) {
	pred := MatchProcessInstance(42)

	tests := []struct {
		name string
		fact Fact
		want bool
	}{
		{"same id", ProcessInstanceFact{ID: 42}, true},
		{"same id pointer", &ProcessInstanceFact{ID: 42}, true},
		{"other id", ProcessInstanceFact{ID: 43}, false},
		{"nil pointer", (*ProcessInstanceFact)(nil), false},
		{"generic fact with matching key", GenericFact{Type: "process_instance", Key: "42"}, false},
		{"nil fact", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pred.Match(tt.fact))
		})
	}
}

func TestMatchKind(t *testing.T) {
	assert.True(t, MatchKind(FactKindGeneric).Match(GenericFact{Type: "order"}))
	assert.False(t, MatchKind(FactKindGeneric).Match(ProcessInstanceFact{ID: 1}))
	assert.False(t, MatchKind(FactKindGeneric).Match(nil))
	assert.True(t, MatchAll().Match(ProcessInstanceFact{ID: 1}))
}

func TestMarshalFact(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	in := ProcessInstanceFact{
		ID:        7,
		ProcessID: "order-approval",
		State:     ProcessInstanceStateActive,
		Variables: map[string]any{"amount": 120.5, "approved": false},
		StartedAt: started,
		UpdatedAt: started,
	}

	data, err := MarshalFact(&in)
	require.NoError(t, err)

	out, err := UnmarshalFact(data)
	require.NoError(t, err)

	pi, ok := out.(ProcessInstanceFact)
	require.True(t, ok, "expected value form, got %T", out)
	assert.Equal(t, in.ID, pi.ID)
	assert.Equal(t, in.ProcessID, pi.ProcessID)
	assert.Equal(t, in.State, pi.State)
	assert.Equal(t, 120.5, pi.Variables["amount"])
	assert.True(t, in.StartedAt.Equal(pi.StartedAt))
}

func TestUnmarshalFact_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown kind", `{"kind":"rule"}`},
		{"missing payload", `{"kind":"process_instance"}`},
		{"missing generic payload", `{"kind":"generic"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalFact([]byte(tt.data))
			require.Error(t, err)
		})
	}

	_, err := UnmarshalFact([]byte(`{"kind":"rule"}`))
	assert.ErrorIs(t, err, ErrInvalidFact)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(ProcessInstanceFact{ID: 1}))
	assert.NoError(t, Validate(GenericFact{Type: "order"}))
	assert.ErrorIs(t, Validate(ProcessInstanceFact{ID: 0}), ErrInvalidFact)
	assert.ErrorIs(t, Validate(GenericFact{}), ErrInvalidFact)
	assert.ErrorIs(t, Validate((*GenericFact)(nil)), ErrInvalidFact)
	assert.ErrorIs(t, Validate(nil), ErrInvalidFact)
}

func TestStoreErrorClassification(t *testing.T) {
	cause := errors.New("database is locked")

	transient := NewTransientError("insert", cause).WithCode(ErrCodeBusy)
	wrapped := fmt.Errorf("start instance 9: %w", transient)

	assert.True(t, IsTransient(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.ErrorIs(t, wrapped, &StoreError{Class: ErrorClassTransient, Code: ErrCodeBusy})
	assert.Contains(t, transient.Error(), "[transient] store insert")

	nf := NotFound("retract", "h-1")
	assert.ErrorIs(t, nf, ErrFactNotFound)
	assert.True(t, IsPermanent(nf))
	assert.False(t, IsRetryable(nf))
	assert.Contains(t, nf.Error(), "handle=h-1")

	assert.Equal(t, ErrorClass(""), ClassOf(cause))
}

func TestAnomalyError(t *testing.T) {
	err := fmt.Errorf("resolve: %w", &AnomalyError{ID: 42, Handles: []Handle{"a", "b"}})

	assert.ErrorIs(t, err, ErrDuplicateFacts)

	var anomaly *AnomalyError
	require.ErrorAs(t, err, &anomaly)
	assert.Equal(t, ProcessInstanceID(42), anomaly.ID)
	assert.Contains(t, err.Error(), "handles=[a, b]")
}
