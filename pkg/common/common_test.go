package common

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/audit-mill/pkg/common/logger"
)

func TestConnectWithRetry(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := ConnectWithRetry(context.Background(), logger.Noop(), "db",
		RetryConfig{InitialInterval: time.Millisecond, MaxElapsedTime: time.Second},
		func(context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("not yet")
			}
			return "conn", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "conn", got)
	assert.Equal(t, 3, attempts)
}

func TestConnectWithRetryCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ConnectWithRetry(ctx, logger.Noop(), "db",
		RetryConfig{InitialInterval: time.Millisecond, MaxElapsedTime: time.Minute},
		func(context.Context) (int, error) { return 0, errors.New("down") })
	require.Error(t, err)
}

func TestRateLimiterUnlimited(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	for range 100 {
		require.NoError(t, rl.Wait(context.Background()))
	}

	rl.UpdateLimits(1, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}

func TestHealthMux(t *testing.T) {
	t.Parallel()

	var readiness Readiness
	mux, err := NewHealthMux("test", &readiness)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		ready  bool
		status int
	}{
		{name: "health always ok", path: "/v1/health", status: http.StatusOK},
		{name: "not ready", path: "/v1/readiness", status: http.StatusServiceUnavailable},
		{name: "ready", path: "/v1/readiness", ready: true, status: http.StatusOK},
		{name: "metrics", path: "/metrics", status: http.StatusOK},
	}

	for _, tt := range tests {
		readiness.SetReady(tt.ready)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.status, rec.Code, tt.name)
	}
}

func TestShutdownRunsInReverseOnce(t *testing.T) {
	var order []string
	var s Shutdown
	s.Register("db", func(context.Context) error { order = append(order, "db"); return nil })
	s.Register("queue", func(context.Context) error {
		order = append(order, "queue")
		return errors.New("close failed")
	})
	s.Register("server", func(context.Context) error { order = append(order, "server"); return nil })

	err := s.Run(context.Background(), logger.Noop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue: close failed")
	assert.Equal(t, []string{"server", "queue", "db"}, order)

	// A second run is a no-op returning the same result.
	assert.Equal(t, err, s.Run(context.Background(), logger.Noop()))
	assert.Len(t, order, 3)
}
