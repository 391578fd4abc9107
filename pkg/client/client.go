package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/audiomesh/conductor/pkg/metrics"
	"github.com/audiomesh/conductor/pkg/resilience"
	"github.com/audiomesh/conductor/pkg/types"
)

// WorkerClient talks to worker instances over HTTP. Every call goes through
// the per-worker circuit breaker and the transient-error retry policy so one
// unreachable worker cannot cascade into the control loops that poll it.
type WorkerClient struct {
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryPolicy
}

// NewWorkerClient creates a client with the given breaker
func NewWorkerClient(breaker *resilience.CircuitBreaker) *WorkerClient {
	return &WorkerClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker,
		retry:      resilience.DefaultRetryPolicy(),
	}
}

// reportedState is a worker's own view of its assignments
type reportedState struct {
	ServerID  string   `json:"server_id"`
	StreamIDs []string `json:"stream_ids"`
}

type releaseRequest struct {
	StreamIDs []string `json:"stream_ids"`
}

// FetchAssignments asks a worker which streams it believes it owns. The
// consistency checker compares this against the orchestrator's records.
func (c *WorkerClient) FetchAssignments(ctx context.Context, instance *types.Instance) ([]string, error) {
	var state reportedState
	err := c.do(ctx, instance, func() error {
		url := fmt.Sprintf("http://%s:%d/v1/assignments", instance.IP, instance.Port)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return resilience.NewPermanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("worker %s returned status %d", instance.ServerID, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&state)
	})
	if err != nil {
		return nil, err
	}
	return state.StreamIDs, nil
}

// Ping checks whether a worker is reachable
func (c *WorkerClient) Ping(ctx context.Context, instance *types.Instance) error {
	return c.do(ctx, instance, func() error {
		url := fmt.Sprintf("http://%s:%d/healthz", instance.IP, instance.Port)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return resilience.NewPermanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("worker %s unhealthy: status %d", instance.ServerID, resp.StatusCode)
		}
		return nil
	})
}

// NotifyRelease tells a worker to stop processing the given streams. Used
// when migrations or conflict resolution take streams away from it.
func (c *WorkerClient) NotifyRelease(ctx context.Context, instance *types.Instance, streamIDs []string) error {
	body, err := json.Marshal(releaseRequest{StreamIDs: streamIDs})
	if err != nil {
		return err
	}

	return c.do(ctx, instance, func() error {
		url := fmt.Sprintf("http://%s:%d/v1/streams/release", instance.IP, instance.Port)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return resilience.NewPermanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("worker %s rejected release: status %d", instance.ServerID, resp.StatusCode)
		}
		return nil
	})
}

// do runs fn through the worker's breaker and the retry policy
func (c *WorkerClient) do(ctx context.Context, instance *types.Instance, fn func() error) error {
	resource := "worker:" + instance.ServerID
	err := c.breaker.Execute(resource, func() error {
		return resilience.Retry(ctx, c.retry, fn)
	})

	open := 0.0
	if c.breaker.State(resource) == resilience.BreakerOpen {
		open = 1.0
	}
	metrics.BreakerState.WithLabelValues(resource).Set(open)

	return err
}
