// Package api is an HTTP/JSON client for the remote mutation API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/remote"
)

// Domain types understood by the backend.
const (
	DomainMessage     = "message"
	DomainProgress    = "progress"
	DomainWorkout     = "workout"
	DomainProfile     = "profile"
	DomainAchievement = "achievement"
)

// Domains lists every domain type in a stable order.
var Domains = []string{DomainMessage, DomainProgress, DomainWorkout, DomainProfile, DomainAchievement}

// StatusError is returned for 4xx responses, which retrying will not fix.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Body)
}

// Client talks to {BaseURL}/{domain}s.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    httpClient,
	}
}

// Domain returns the MutationAPI of a single domain type.
func (c *Client) Domain(domain string) remote.MutationAPI {
	return &endpoint{client: c, url: c.BaseURL + "/" + domain + "s"}
}

type endpoint struct {
	client *Client
	url    string
}

func (e *endpoint) Create(ctx context.Context, payload json.RawMessage) error {
	return e.client.do(ctx, http.MethodPost, e.url, payload)
}

func (e *endpoint) Update(ctx context.Context, payload json.RawMessage) error {
	return e.client.do(ctx, http.MethodPatch, e.url, payload)
}

func (e *endpoint) Delete(ctx context.Context, payload json.RawMessage) error {
	return e.client.do(ctx, http.MethodDelete, e.url, payload)
}

func (c *Client) do(ctx context.Context, method, url string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	switch {
	case resp.StatusCode/100 == 2:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode/100 == 4:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	default:
		return &remote.HTTPStatusError{StatusCode: resp.StatusCode}
	}
}
