// Package instantly is a minimal client for the Instantly v2 leads API.
package instantly

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

const defaultBaseURL = "https://api.instantly.ai/api/v2"

// MaxBatch is the largest number of leads one AddLeads call accepts.
const MaxBatch = 1000

// Client defines the Instantly operations the email campaign push needs.
type Client interface {
	AddLeads(ctx context.Context, req AddLeadsRequest) (*AddLeadsResponse, error)
}

// AddLeadsRequest is the body for POST /leads/add.
type AddLeadsRequest struct {
	CampaignID        string `json:"campaign_id"`
	SkipIfInWorkspace bool   `json:"skip_if_in_workspace"`
	Leads             []Lead `json:"leads"`
}

// Lead is one contact uploaded to a campaign.
type Lead struct {
	Email           string            `json:"email"`
	FirstName       string            `json:"first_name,omitempty"`
	LastName        string            `json:"last_name,omitempty"`
	CompanyName     string            `json:"company_name,omitempty"`
	Website         string            `json:"website,omitempty"`
	CustomVariables map[string]string `json:"custom_variables,omitempty"`
}

// AddLeadsResponse is the response from POST /leads/add.
type AddLeadsResponse struct {
	Status            string   `json:"status"`
	LeadsUploaded     int      `json:"leads_uploaded"`
	SkippedCount      int      `json:"skipped_count"`
	DuplicatedLeads   int      `json:"duplicated_leads"`
	InvalidEmailCount int      `json:"invalid_email_count"`
	InvalidEmails     []string `json:"invalid_emails"`
}

// APIError is returned when Instantly responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("instantly: HTTP %d: %s", e.StatusCode, e.Body)
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

// NewClient creates a new Instantly client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) AddLeads(ctx context.Context, al AddLeadsRequest) (*AddLeadsResponse, error) {
	if len(al.Leads) > MaxBatch {
		return nil, eris.Errorf("instantly: batch of %d exceeds %d", len(al.Leads), MaxBatch)
	}
	buf, err := json.Marshal(al)
	if err != nil {
		return nil, eris.Wrap(err, "instantly: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/leads/add", bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "instantly: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "instantly: execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "instantly: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out AddLeadsResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "instantly: decode response")
	}
	return &out, nil
}
