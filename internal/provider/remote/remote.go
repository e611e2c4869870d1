// Package remote adapts an HTTP/JSON processing service to provider.Provider.
//
// The service receives POST {endpoint} with the job and either answers
// synchronously (200) or accepts the work (202) and exposes a status URL that
// is polled until it reports a final state.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/provider"
)

// URLResolver turns a content reference into a URL the service can read.
type URLResolver interface {
	URL(ctx context.Context, ref string) (string, error)
}

// Options configure a Client.
type Options struct {
	Name         string
	Endpoint     string
	APIKey       string
	Pricing      *provider.PerUnit
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Client is one remote provider variant.
type Client struct {
	name     string
	endpoint string
	apiKey   string
	pricing  *provider.PerUnit
	poll     time.Duration
	http     *http.Client
	resolver URLResolver
}

var _ provider.Provider = (*Client)(nil)

// New builds a client. resolver may be nil when content refs are already URLs.
func New(opts Options, resolver URLResolver) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		name:     opts.Name,
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		apiKey:   opts.APIKey,
		pricing:  opts.Pricing,
		poll:     poll,
		http:     hc,
		resolver: resolver,
	}
}

type executeRequest struct {
	JobID      string         `json:"job_id"`
	Capability string         `json:"capability"`
	ContentURL string         `json:"content_url,omitempty"`
	Options    map[string]any `json:"options"`
}

type executeResponse struct {
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output"`
	OutputRef  string          `json:"output_ref"`
	ActualCost *credits.Amount `json:"actual_cost"`
	StatusURL  string          `json:"status_url"`
	Error      string          `json:"error"`
	Retryable  bool            `json:"retryable"`
}

type estimateResponse struct {
	Cost credits.Amount `json:"cost"`
}

// Estimate prices locally when the catalogue carries pricing, otherwise asks
// the service at {endpoint}/estimate.
func (c *Client) Estimate(ctx context.Context, job models.Job) (credits.Amount, error) {
	if c.pricing != nil {
		return c.pricing.Cost(job)
	}
	var out estimateResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint+"/estimate", executeRequest{
		JobID:      job.ID,
		Capability: job.Capability,
		Options:    job.Options,
	}, "", &out); err != nil {
		return 0, err
	}
	if out.Cost < 0 {
		return 0, provider.Terminal(fmt.Errorf("%s returned a negative estimate", c.name))
	}
	return out.Cost, nil
}

// Execute submits the job and waits for its outcome.
func (c *Client) Execute(ctx context.Context, job models.Job) (provider.Result, error) {
	req := executeRequest{JobID: job.ID, Capability: job.Capability, Options: job.Options}
	if job.ContentRef != "" {
		req.ContentURL = job.ContentRef
		if c.resolver != nil {
			u, err := c.resolver.URL(ctx, job.ContentRef)
			if err != nil {
				return provider.Result{}, provider.Terminal(fmt.Errorf("resolve content: %w", err))
			}
			req.ContentURL = u
		}
	}

	var resp executeResponse
	key := fmt.Sprintf("%s:%d", job.ID, job.Attempts)
	if err := c.do(ctx, http.MethodPost, c.endpoint, req, key, &resp); err != nil {
		return provider.Result{}, err
	}
	for resp.Status == "accepted" || resp.Status == "running" {
		if resp.StatusURL == "" {
			return provider.Result{}, provider.Terminal(fmt.Errorf("%s accepted the job without a status_url", c.name))
		}
		t := time.NewTimer(c.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return provider.Result{}, ctx.Err()
		case <-t.C:
		}
		next := resp.StatusURL
		resp = executeResponse{}
		if err := c.do(ctx, http.MethodGet, next, nil, "", &resp); err != nil {
			return provider.Result{}, err
		}
		if resp.StatusURL == "" {
			resp.StatusURL = next
		}
	}

	switch resp.Status {
	case "", "succeeded":
		return provider.Result{Output: resp.Output, OutputRef: resp.OutputRef, ActualCost: resp.ActualCost}, nil
	case "failed":
		err := fmt.Errorf("%s: %s", c.name, resp.Error)
		if resp.Retryable {
			return provider.Result{}, provider.Transient(err)
		}
		return provider.Result{}, provider.Terminal(err)
	default:
		return provider.Result{}, provider.Terminal(fmt.Errorf("%s: unknown status %q", c.name, resp.Status))
	}
}

func (c *Client) do(ctx context.Context, method, url string, body any, idemKey string, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return provider.Terminal(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return provider.Terminal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return provider.Transient(fmt.Errorf("%s: %w", c.name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return provider.Transient(fmt.Errorf("%s: read response: %w", c.name, err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("%s: status %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(raw)))
		if retryableStatus(resp.StatusCode) {
			return provider.Transient(err)
		}
		return provider.Terminal(err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return provider.Terminal(fmt.Errorf("%s: decode response: %w", c.name, err))
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
