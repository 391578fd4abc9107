package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/audiomesh/conductor/pkg/resilience"
	"github.com/audiomesh/conductor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *WorkerClient {
	c := NewWorkerClient(resilience.NewCircuitBreaker(resilience.BreakerSettings{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	}))
	c.retry = resilience.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1}
	return c
}

func instanceFor(t *testing.T, srv *httptest.Server) *types.Instance {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(host, ":")
	require.Len(t, parts, 2)
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)
	return &types.Instance{ServerID: "w1", IP: parts[0], Port: port}
}

func TestFetchAssignments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assignments", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"server_id":  "w1",
			"stream_ids": []string{"s1", "s2"},
		})
	}))
	defer srv.Close()

	streams, err := testClient().FetchAssignments(context.Background(), instanceFor(t, srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, streams)
}

func TestNotifyRelease(t *testing.T) {
	var got releaseRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/streams/release", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	err := testClient().NotifyRelease(context.Background(), instanceFor(t, srv), []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, got.StreamIDs)
}

func TestPingUnhealthyWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := testClient().Ping(context.Background(), instanceFor(t, srv))
	assert.Error(t, err)
}

func TestBreakerOpensForFailingWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient()
	instance := instanceFor(t, srv)

	// Threshold is two consecutive failures.
	assert.Error(t, c.Ping(context.Background(), instance))
	assert.Error(t, c.Ping(context.Background(), instance))

	err := c.Ping(context.Background(), instance)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}
