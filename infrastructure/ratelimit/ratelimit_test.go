package ratelimit

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sovereign-tee/sovereign/infrastructure/testutil"
)

func TestNewAppliesDefaultsForZeroValues(t *testing.T) {
	r := New(RateLimitConfig{})
	require.NotNil(t, r)
	require.True(t, r.Allow())
}

func TestLimitExceededAfterBurstExhausted(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	require.False(t, r.LimitExceeded())
	require.True(t, r.LimitExceeded())
}

func TestResetRestoresCapacity(t *testing.T) {
	r := New(RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	require.False(t, r.LimitExceeded())
	require.True(t, r.LimitExceeded())

	r.Reset()
	require.False(t, r.LimitExceeded())
}

func TestRateLimitedClientDo(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewRateLimitedClient(http.DefaultClient, DefaultConfig())
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
