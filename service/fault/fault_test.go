package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{
			name: "direct taxonomy error",
			err:  New(KindSlippageExceeded, "quote implies 0.8%% slippage, bound is 0.5%%"),
			want: KindSlippageExceeded,
		},
		{
			name: "wrapped taxonomy error",
			err:  fmt.Errorf("execute swap: %w", New(KindInsufficientFunds, "balance too low")),
			want: KindInsufficientFunds,
		},
		{
			name: "taxonomy error wrapping a cause",
			err:  Wrap(KindChainUnavailable, errors.New("dial tcp: i/o timeout"), "ethereum rpc unreachable"),
			want: KindChainUnavailable,
		},
		{
			name: "plain error",
			err:  errors.New("something broke"),
			want: KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestMessageOf_NeverLeaksCause(t *testing.T) {
	cause := errors.New("pq: connection refused at 10.0.0.5:5432")
	err := Wrap(KindUpstreamUnavailable, cause, "pricing service unavailable")

	msg := MessageOf(err)
	assert.Equal(t, "pricing service unavailable", msg)
	assert.NotContains(t, msg, "10.0.0.5")

	// Non-taxonomy errors get the generic message.
	assert.Equal(t, "internal error", MessageOf(cause))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindChainUnavailable))
	assert.False(t, Retryable(KindUpstreamUnavailable), "ambiguous broadcast outcome must never be retried")
	assert.False(t, Retryable(KindSlippageExceeded))
	assert.False(t, Retryable(KindInsufficientFunds))
	assert.False(t, Retryable(KindDecryptionFailed))
	assert.False(t, Retryable(KindInvalidRequest))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindSigningFailed, cause, "ed25519 signing failed")
	assert.True(t, errors.Is(err, cause))
}
