package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesSentinelByKind(t *testing.T) {
	err := Errorf(KindSessionBusy, "session.Acquire", "session %q has %d waiting", "s1", 1)
	wrapped := fmt.Errorf("pipeline: %w", err)

	assert.ErrorIs(t, wrapped, ErrSessionBusy)
	assert.NotErrorIs(t, wrapped, ErrTimeout)
	assert.Equal(t, KindSessionBusy, KindOf(wrapped))
	assert.Contains(t, err.Error(), "session.Acquire")
}

func TestWrapUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(KindHandlerFault, "calc", base)

	assert.ErrorIs(t, err, base)
	assert.ErrorIs(t, err, ErrHandlerFault)
	assert.Equal(t, "calc: handler_fault: boom", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(errors.New("plain")))
	assert.Equal(t, KindNone, KindOf(nil))
}

func TestIntentEntityLookup(t *testing.T) {
	in := Intent{
		Domain: "calculator",
		Action: "evaluate",
		Entities: []Entity{
			{Name: "expression", Value: "25 * 47", Span: Span{Start: 10, End: 17}},
		},
	}

	assert.Equal(t, "25 * 47", in.EntityValue("expression"))
	assert.Equal(t, "", in.EntityValue("missing"))
	assert.Equal(t, "calculator.evaluate", in.Key())
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindSessionBusy.Retryable())
	assert.False(t, KindTimeout.Retryable())
	assert.False(t, KindValidation.Retryable())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("   "))
	assert.Equal(t, 3, EstimateTokens("calculate 25 * 4"))
}
