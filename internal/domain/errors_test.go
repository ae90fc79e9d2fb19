package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Gateway.Invoke", ErrToolNotFound, "tool 'foo'")
	want := "Gateway.Invoke: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Engine.Step", ErrBudgetExceeded, "")
	want := "Engine.Step: iteration budget exceeded"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Gate.Resolve", ErrAlreadyResolved, "apr-1")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Error("errors.Is should match ErrAlreadyResolved")
	}
}

func TestHandoffError(t *testing.T) {
	var err error = &HandoffError{From: "planner", To: "summary"}
	require.ErrorIs(t, err, ErrInvalidHandoff)
	assert.Contains(t, err.Error(), `"planner" may not hand off to "summary"`)

	var he *HandoffError
	require.True(t, errors.As(fmt.Errorf("step: %w", err), &he))
	assert.Equal(t, "summary", he.To)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(ErrTerminalReached))
	assert.True(t, IsTerminal(WrapOp("Engine.Step", ErrBudgetExceeded)))
	assert.False(t, IsTerminal(ErrInvalidHandoff))
	assert.False(t, IsTerminal(nil))
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeToolNotFound, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(ErrCircuitOpen))
	assert.Equal(t, CodeNotApproved, ErrorCodeOf(ErrNotApproved))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrRecorder)
	assert.Equal(t, CodeRecorder, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	err := NewSubSystemError("approval", "Gate.Resolve", ErrNotFound, "apr-9")
	assert.Equal(t, CodeApprovalNotFound, ErrorCodeOf(err))
	assert.Equal(t, CodeApprovalNotFound, err.Code())

	other := NewSubSystemError("nothing", "Op", ErrNotFound, "")
	assert.Equal(t, CodeNotFound, other.Code())
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestWrapOpNil(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
}
