package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/synapsis-swarm/synapsis/internal/models"
)

// Default deadline for federation requests.
const requestTimeout = 5 * time.Second

// Client issues node-signed requests to peers. Scheme is https in
// production; plain http is only for multi-node dev setups.
type Client struct {
	httpc  *http.Client
	key    *NodeKey
	domain string
	scheme string
}

// ClientConfig wires a Client.
type ClientConfig struct {
	Key      *NodeKey
	Domain   string
	Insecure bool // use http:// instead of https://
	HTTP     *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	httpc := cfg.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: requestTimeout}
	}
	scheme := "https"
	if cfg.Insecure {
		scheme = "http"
	}
	return &Client{httpc: httpc, key: cfg.Key, domain: cfg.Domain, scheme: scheme}
}

// PostSigned sends payload as JSON with the federation signature headers
// and decodes a 2xx response into out (when out is non-nil).
func (c *Client) PostSigned(ctx context.Context, targetDomain, path string, payload, out any) error {
	if err := ValidateDomain(targetDomain); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	headers, err := c.key.SignRequest(body, c.domain)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s://%s%s", c.scheme, targetDomain, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

// GetJSON fetches an unsigned federation resource.
func (c *Client) GetJSON(ctx context.Context, targetDomain, path string, out any) error {
	if err := ValidateDomain(targetDomain); err != nil {
		return err
	}
	url := fmt.Sprintf("%s://%s%s", c.scheme, targetDomain, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// StatusError reports a non-2xx federation response; callers use the
// status to decide between drop and retry.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("federation request failed: status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure class warrants another attempt.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
