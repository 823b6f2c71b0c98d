package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	require.NoError(t, err)

	var delays []time.Duration
	c.sleepFn = func(d time.Duration) { delays = append(delays, d) }
	return c, &delays
}

func TestTransportRetryOn5xx(t *testing.T) {
	t.Parallel()

	var calls int
	c, delays := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"commands":[]}`))
	}))

	resp, err := c.Heartbeat("dev-1", nil, "1")
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 3, calls)
	// backoff doubles from a 1s base
	require.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, *delays)
}

func TestTransportGivesUpAfterThreeAttempts(t *testing.T) {
	t.Parallel()

	var calls int
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := c.AcknowledgeCommand("c1")
	require.Error(t, err)
	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 3, calls)
}

func TestTransportNeverRetries4xx(t *testing.T) {
	t.Parallel()

	var calls int
	c, delays := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no such command", http.StatusNotFound)
	}))

	err := c.AcknowledgeCommand("c1")
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, http.StatusNotFound, ce.StatusCode)
	require.Equal(t, 1, calls)
	require.Empty(t, *delays)
}

func TestSpecialStatusCodes(t *testing.T) {
	t.Parallel()

	t.Run("401 maps to ErrUnauthenticated without retry", func(t *testing.T) {
		var calls int
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusUnauthorized)
		}))
		_, err := c.Heartbeat("dev-1", nil, "1")
		require.ErrorIs(t, err, ErrUnauthenticated)
		require.Equal(t, 1, calls)
	})

	t.Run("409 maps to ErrAlreadyDone without retry", func(t *testing.T) {
		var calls int
		c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusConflict)
		}))
		err := c.RegisterPushToken("dev-1", "push-token")
		require.ErrorIs(t, err, ErrAlreadyDone)
		require.Equal(t, 1, calls)
	})
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	var got string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))

	c.SetToken("secret-token")
	require.NoError(t, c.CompleteCommand("c1", "ok"))
	require.Equal(t, "Bearer secret-token", got)
}

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	require.False(t, Retryable(nil))
	require.False(t, Retryable(ErrUnauthenticated))
	require.False(t, Retryable(ErrAlreadyDone))
	require.False(t, Retryable(&ClientError{StatusCode: 404}))
	require.True(t, Retryable(&ServerError{StatusCode: 503}))
}
