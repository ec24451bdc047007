// Package prosp is a minimal client for the Prosp LinkedIn outreach API.
package prosp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://prosp.ai/api/v1"

// Client defines the Prosp operations the network push needs.
type Client interface {
	// AddLead adds one profile to a list and campaign. It reports false
	// with a nil error when the API answered but did not accept the lead.
	AddLead(ctx context.Context, req AddLeadRequest) (bool, error)
}

// AddLeadRequest is the body for POST /leads. The API key travels in the
// body.
type AddLeadRequest struct {
	APIKey      string     `json:"api_key"`
	LinkedInURL string     `json:"linkedin_url"`
	ListID      string     `json:"list_id"`
	CampaignID  string     `json:"campaign_id"`
	Data        []Property `json:"data"`
}

// Property is one custom field attached to a lead.
type Property struct {
	Property string `json:"property"`
	Value    string `json:"value"`
}

// APIError is returned for 4xx and 5xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("prosp: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Prosp client. apiKey fills requests that leave
// APIKey empty.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) AddLead(ctx context.Context, al AddLeadRequest) (bool, error) {
	if al.APIKey == "" {
		al.APIKey = c.apiKey
	}
	buf, err := json.Marshal(al)
	if err != nil {
		return false, eris.Wrap(err, "prosp: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/leads", bytes.NewReader(buf))
	if err != nil {
		return false, eris.Wrap(err, "prosp: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, eris.Wrap(err, "prosp: execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, eris.Wrap(err, "prosp: read response body")
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return true, nil
	case resp.StatusCode >= 400:
		return false, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	default:
		return false, nil
	}
}
