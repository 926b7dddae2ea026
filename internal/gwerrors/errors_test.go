package gwerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONRPCCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"route not found", RouteNotFound("foo"), CodeMethodNotFound},
		{"backend unavailable", BackendNotConnected("b1"), CodeInternalError},
		{"timeout", RequestTimeout("b1"), CodeInternalError},
		{"config error", New(KindConfig, "bad"), CodeInvalidParams},
		{"protocol error", New(KindProtocol, "bad"), CodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.JSONRPCCode())
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	wrapped := Wrap(KindTransport, "send failed", cause)

	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "boom")
	assert.Contains(t, wrapped.Error(), "send failed")
}
