// Package client talks to a running retention worker over HTTP.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/retention/internal/scoring"
	"github.com/thebtf/retention/pkg/models"
)

const (
	// HealthCheckTimeout bounds readiness probes.
	HealthCheckTimeout = 1 * time.Second

	// DefaultTimeout bounds ordinary requests.
	DefaultTimeout = 30 * time.Second

	// DefaultPollInterval is how often Recompute checks for a finished run.
	DefaultPollInterval = 500 * time.Millisecond
)

// Error is a non-2xx response from the worker.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker returned %d: %s", e.Status, e.Message)
}

// Client calls the worker API. AgentID is sent as the agent header on writes.
type Client struct {
	http         *http.Client
	baseURL      string
	agentID      string
	pollInterval time.Duration
}

// New creates a client for baseURL, for example "http://127.0.0.1:37790".
func New(baseURL, agentID string) *Client {
	return &Client{
		http:         &http.Client{},
		baseURL:      strings.TrimRight(baseURL, "/"),
		agentID:      agentID,
		pollInterval: DefaultPollInterval,
	}
}

// ForPort creates a client for a worker on the local host.
func ForPort(port int, agentID string) *Client {
	return New(fmt.Sprintf("http://127.0.0.1:%d", port), agentID)
}

// IsReady reports whether the worker is up and fully initialized.
func (c *Client) IsReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/api/ready", nil, nil) == nil
}

// Version returns the worker version.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &out); err != nil {
		return "", err
	}
	return out["version"], nil
}

// Recompute starts a recomputation on the worker and polls until a run
// finishes. Concurrent triggers share the worker's run.
func (c *Client) Recompute(ctx context.Context) (scoring.RunReport, error) {
	before, err := c.RecomputeStats(ctx)
	if err != nil {
		return scoring.RunReport{}, err
	}
	if err := c.do(ctx, http.MethodPost, "/api/recompute?async=true", nil, nil); err != nil {
		return scoring.RunReport{}, err
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return scoring.RunReport{}, ctx.Err()
		case <-ticker.C:
		}
		stats, err := c.RecomputeStats(ctx)
		if err != nil {
			return scoring.RunReport{}, err
		}
		if stats.Runs > before.Runs && stats.LastRun != nil {
			return *stats.LastRun, nil
		}
	}
}

// RecomputeStats returns the worker's recomputation statistics.
func (c *Client) RecomputeStats(ctx context.Context) (scoring.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	var stats scoring.Stats
	err := c.do(ctx, http.MethodGet, "/api/recompute/stats", nil, &stats)
	return stats, err
}

// PriorityQueue fetches the agent worklist.
func (c *Client) PriorityQueue(ctx context.Context, f models.QueueFilter) ([]models.QueueItem, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	path := "/api/priority-queue"
	var params []string
	if f.MinCategory != "" {
		params = append(params, "minCategory="+string(f.MinCategory))
	}
	if f.Limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", f.Limit))
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var out struct {
		Items []models.QueueItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
