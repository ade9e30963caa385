package usecase

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"knowledge-agent/internal/integrations/openai"
)

type tempErr struct{ temp bool }

func (e tempErr) Error() string   { return "temp" }
func (e tempErr) Temporary() bool { return e.temp }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"408", &openai.HTTPStatusError{StatusCode: http.StatusRequestTimeout}, true},
		{"503 wrapped", fmtWrap(&openai.HTTPStatusError{StatusCode: http.StatusServiceUnavailable}), true},
		{"401", &openai.HTTPStatusError{StatusCode: http.StatusUnauthorized}, false},
		{"400", &openai.HTTPStatusError{StatusCode: http.StatusBadRequest}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"temporary", tempErr{temp: true}, true},
		{"not temporary", tempErr{temp: false}, false},
		{"usecase transient", newError(ErrorTransientUpstream, "x", nil), true},
		{"usecase terminal", newError(ErrorTerminalUpstream, "x", nil), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsTransient(tc.err), tc.name)
	}
}

func fmtWrap(err error) error { return errors.Join(errors.New("openai: request failed"), err) }

func TestRetryPolicy_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := testRetry().Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryPolicy_ReturnsLastError(t *testing.T) {
	calls := 0
	last := &openai.HTTPStatusError{StatusCode: http.StatusBadGateway}
	err := testRetry().Do(context.Background(), func(context.Context) error {
		calls++
		return last
	})
	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, last)
}

func TestRetryPolicy_WithJitter(t *testing.T) {
	p := RetryPolicy{Attempts: 2, Delay: time.Millisecond, MaxJitter: time.Millisecond}
	calls := 0
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	require.Equal(t, 2, calls)
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = RetryPolicy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	require.Equal(t, 1, calls)
}
