package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fwdctl/internal/jobs"
	"fwdctl/internal/model"
)

// Client is a thin HTTP client for the job endpoints of the management API.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ jobs.Runner = (*Client)(nil)

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// StartJob starts a job of kind on nodeID and returns its request ID.
func (c *Client) StartJob(ctx context.Context, req JobStartRequest) (JobStartResponse, error) {
	var resp JobStartResponse
	if err := c.postJSON(ctx, "/jobs/start", req, &resp); err != nil {
		return resp, err
	}
	if resp.RequestID == "" {
		return resp, fmt.Errorf("start %s on node %s: empty request id", req.Kind, req.NodeID)
	}
	return resp, nil
}

// JobResult fetches the current output of a job.
func (c *Client) JobResult(ctx context.Context, req JobResultRequest) (JobResultResponse, error) {
	var resp JobResultResponse
	if err := c.postJSON(ctx, "/jobs/result", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Start implements jobs.Runner.
func (c *Client) Start(ctx context.Context, nodeID string, kind model.JobKind) (string, error) {
	resp, err := c.StartJob(ctx, JobStartRequest{NodeID: nodeID, Kind: kind})
	if err != nil {
		return "", err
	}
	return resp.RequestID, nil
}

// Result implements jobs.Runner.
func (c *Client) Result(ctx context.Context, nodeID string, kind model.JobKind, requestID string) (jobs.Result, error) {
	resp, err := c.JobResult(ctx, JobResultRequest{NodeID: nodeID, Kind: kind, RequestID: requestID})
	if err != nil {
		return jobs.Result{}, err
	}
	return jobs.Result{Content: resp.Content, Done: resp.Done, TimeMs: resp.TimeMs}, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}

	var env envelope[json.RawMessage]
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Code != 0 {
		if env.Msg == "" {
			env.Msg = "unknown error"
		}
		return fmt.Errorf("request failed: %s: code %d: %s", path, env.Code, env.Msg)
	}
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
