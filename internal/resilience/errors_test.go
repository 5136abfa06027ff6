package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("bad input"), false},
		{"explicit transient", NewTransientError(errors.New("rate limited"), 429), true},
		{"wrapped transient", fmt.Errorf("call failed: %w", NewTransientError(errors.New("503"), 503)), true},
		{"net timeout", timeoutErr{}, true},
		{"conn reset errno", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"conn refused errno", syscall.ECONNREFUSED, true},
		{"reset by string", errors.New("read tcp 1.2.3.4: connection reset by peer"), true},
		{"dns by string", errors.New("dial tcp: lookup api: no such host"), true},
		{"io timeout by string", errors.New("net/http: request canceled (i/o timeout)"), true},
		{"4xx client error", errors.New("400 bad request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestExternalServiceError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewExternalServiceError("reddit", cause)

	assert.Equal(t, "reddit: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("collect: %w", err)
	var ese *ExternalServiceError
	require.ErrorAs(t, wrapped, &ese)
	assert.Equal(t, "reddit", ese.Service)
}

func TestTransientErrorUnwrap(t *testing.T) {
	cause := errors.New("overloaded")
	te := NewTransientError(cause, 529)

	assert.ErrorIs(t, te, cause)
	assert.Equal(t, 529, te.StatusCode)
	assert.Equal(t, "overloaded", te.Error())
}
