// Package resolver implements the HTTP client used to fetch variables
// and resources by path from base_url (§6 "variable/resource lookup"
// external collaborator). TLS, when configured, is the client half of
// internal/encrypt, repurposed from the teacher's inbound mTLS server.
package resolver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
)

// Client fetches variables and resources scoped to a workspace on
// behalf of a job's ephemeral token.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// TLSConfig is optional; when set (typically via
	// encrypt.NewClientTLSConfig), requests use mTLS.
	TLSConfig *tls.Config
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{TLSClientConfig: cfg.TLSConfig}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// GetVariable fetches the value of the variable at path, scoped to
// workspace, authenticating with token.
func (c *Client) GetVariable(ctx context.Context, workspace, path, token string) (string, error) {
	return c.get(ctx, fmt.Sprintf("/api/w/%s/variables/get_value/%s", url.PathEscape(workspace), path), token)
}

// GetResource fetches the JSON value of the resource at path, scoped to
// workspace, authenticating with token.
func (c *Client) GetResource(ctx context.Context, workspace, path, token string) (json.RawMessage, error) {
	raw, err := c.get(ctx, fmt.Sprintf("/api/w/%s/resources/get_value/%s", url.PathEscape(workspace), path), token)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (c *Client) get(ctx context.Context, path, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", workererrors.InternalErrf("build request; path: %s: %v", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", workererrors.ExecutionErrf("fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", workererrors.ExecutionErrf("read response body; path: %s: %v", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", workererrors.ExecutionErrf("fetch %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return string(body), nil
}
