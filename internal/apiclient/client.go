// Package apiclient calls the termtabs REST endpoints.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	apiTypes "github.com/ricochet1k/termtabs/pkg/api"
	"github.com/ricochet1k/termtabs/pkg/protocol"
)

const defaultTimeout = 10 * time.Second

type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// New accepts an http(s) base URL; ws(s) URLs are rewritten so the client
// config can share the window's server URL.
func New(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	baseURL = strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(baseURL, "ws://"):
		baseURL = "http://" + strings.TrimPrefix(baseURL, "ws://")
	case strings.HasPrefix(baseURL, "wss://"):
		baseURL = "https://" + strings.TrimPrefix(baseURL, "wss://")
	}
	return &Client{baseURL: baseURL, client: client, timeout: defaultTimeout}
}

type RequestError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *RequestError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("http %d: %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Health(ctx context.Context) (apiTypes.HealthResponse, error) {
	var out apiTypes.HealthResponse
	err := c.request(ctx, http.MethodGet, "/healthz", &out)
	return out, err
}

func (c *Client) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	var out apiTypes.SessionListResponse
	if err := c.request(ctx, http.MethodGet, "/api/sessions", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Kill ends a session by name or terminal id.
func (c *Client) Kill(ctx context.Context, name string) error {
	return c.request(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(name), nil)
}

func (c *Client) request(ctx context.Context, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if method != http.MethodGet {
		token := uuid.NewString()
		req.AddCookie(&http.Cookie{Name: apiTypes.CSRFCookieName, Value: token})
		req.Header.Set(apiTypes.CSRFHeaderName, token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var er apiTypes.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error != "" {
			return &RequestError{StatusCode: resp.StatusCode, Message: er.Error, Details: er.Details}
		}
		return &RequestError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
