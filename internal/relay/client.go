package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ami4u87/Autonomous-Digital-FTE/internal/task"
)

// Client dispatches approved actions to the executor service. It refuses
// any base URL that does not resolve to loopback; actions never leave the
// host except through the executor itself.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient validates the executor URL and returns a client.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse executor url: %w", err)
	}
	host := u.Hostname()
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return nil, fmt.Errorf("executor url %s is not loopback, refusing", baseURL)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Execute performs one approved action. idemKey is the document id: the
// executor returns the original confirmation for a repeated key, so a
// retried dispatch after a crash cannot double-execute.
func (c *Client) Execute(ctx context.Context, idemKey string, req *task.ActionRequest) (string, error) {
	path, ok := routeForAction[string(req.Type)]
	if !ok {
		return "", fmt.Errorf("%w: %q", task.ErrUnknownAction, req.Type)
	}

	payload := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		if k == "thread_id" {
			// Wire name used by the send server.
			payload["threadId"] = v
			continue
		}
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal action payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build executor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, idemKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call executor: %w", err)
	}
	defer httpResp.Body.Close()

	var resp response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode executor response (status %d): %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode != http.StatusOK || !resp.Success {
		return "", fmt.Errorf("executor refused %s (status %d): %s", req.Type, httpResp.StatusCode, resp.Error)
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("executor confirmed %s without a confirmation id", req.Type)
	}
	return resp.MessageID, nil
}
