// Package apify is a minimal client for the Apify actor runs and dataset API.
package apify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.apify.com/v2"

// Run statuses reported by Apify.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusRunning   = "RUNNING"
	StatusFailed    = "FAILED"
)

// Client defines the Apify operations the job source needs.
type Client interface {
	ListRuns(ctx context.Context, actorID string, limit int) ([]Run, error)
	DatasetItems(ctx context.Context, datasetID string, offset, limit int) ([]map[string]any, error)
}

// Run is one actor run as listed by GET /acts/{id}/runs.
type Run struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	StartedAt        time.Time `json:"startedAt"`
	FinishedAt       time.Time `json:"finishedAt"`
	DefaultDatasetID string    `json:"defaultDatasetId"`
}

type runsResponse struct {
	Data struct {
		Total int   `json:"total"`
		Items []Run `json:"items"`
	} `json:"data"`
}

// APIError is returned when Apify responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("apify: HTTP %d: %s", e.StatusCode, e.Body)
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
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates an Apify client authenticated with token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListRuns returns the actor's most recent runs, newest first. The actor id
// may use either "user/name" or "user~name".
func (c *httpClient) ListRuns(ctx context.Context, actorID string, limit int) ([]Run, error) {
	q := url.Values{}
	q.Set("desc", "1")
	q.Set("limit", strconv.Itoa(limit))
	path := "/acts/" + url.PathEscape(strings.ReplaceAll(actorID, "/", "~")) + "/runs?" + q.Encode()

	var resp runsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, eris.Wrapf(err, "apify: list runs of %s", actorID)
	}
	return resp.Data.Items, nil
}

// DatasetItems returns one page of a dataset's items.
func (c *httpClient) DatasetItems(ctx context.Context, datasetID string, offset, limit int) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("clean", "true")
	q.Set("format", "json")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	path := "/datasets/" + url.PathEscape(datasetID) + "/items?" + q.Encode()

	var items []map[string]any
	if err := c.get(ctx, path, &items); err != nil {
		return nil, eris.Wrapf(err, "apify: dataset %s items at %d", datasetID, offset)
	}
	return items, nil
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
