package resilience

import (
	"context"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
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
		{name: "nil", err: nil, want: false},
		{name: "explicit transient", err: NewTransientError(eris.New("throttled"), 429), want: true},
		{
			name: "wrapped transient",
			err:  eris.Wrap(NewTransientError(eris.New("gateway"), 502), "pull"),
			want: true,
		},
		{name: "network timeout", err: net.Error(timeoutErr{}), want: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, want: true},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "reset text from http client", err: eris.New("read: connection reset by peer"), want: true},
		{name: "dns text", err: eris.New("dial tcp: no such host"), want: true},
		{name: "permanent", err: eris.New("landreg: unexpected status 400: bad query"), want: false},
		{name: "cancelled context", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransientErrorUnwrap(t *testing.T) {
	inner := eris.New("service unavailable")
	te := NewTransientError(inner, 503)

	assert.Equal(t, "service unavailable", te.Error())
	assert.True(t, eris.Is(te, inner))
	assert.Equal(t, 503, te.StatusCode)
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 422} {
		assert.False(t, RetryableStatus(code), "status %d", code)
	}
}
