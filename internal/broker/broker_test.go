package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	inner := errors.New("dial tcp: timeout")
	err := &Error{Kind: KindTransient, Op: "GetAccount", Err: inner}

	assert.Equal(t, "broker GetAccount: transient: dial tcp: timeout", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestErrorRetryable(t *testing.T) {
	assert.True(t, (&Error{Kind: KindTransient}).Retryable())
	assert.True(t, (&Error{Kind: KindRateLimit}).Retryable())
	assert.False(t, (&Error{Kind: KindInvalid}).Retryable())
	assert.False(t, (&Error{Kind: KindAuth}).Retryable())
	assert.False(t, (&Error{Kind: KindNotFound}).Retryable())
}

func TestKindOf(t *testing.T) {
	classified := &Error{Kind: KindAuth, Op: "SubmitOrder", Err: errors.New("401")}
	assert.Equal(t, KindAuth, KindOf(classified))

	wrapped := fmt.Errorf("submit failed: %w", classified)
	assert.Equal(t, KindAuth, KindOf(wrapped))

	assert.Equal(t, KindTransient, KindOf(errors.New("raw network error")),
		"unclassified failures default to retryable")
}
