// Package icypeas is a minimal client for the Icypeas email discovery and
// verification API.
package icypeas

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

const defaultBaseURL = "https://app.icypeas.com/api"

// Bulk task names.
const (
	TaskEmailSearch       = "email-search"
	TaskEmailVerification = "email-verification"
)

// Item statuses that end processing.
const (
	StatusDebited  = "DEBITED"
	StatusNoResult = "NO_RESULT"
	StatusError    = "ERROR"
)

// Client defines the Icypeas operations used by enrichment.
type Client interface {
	LaunchBulk(ctx context.Context, req BulkRequest) (string, error)
	SearchEmail(ctx context.Context, req EmailSearchRequest) (string, error)
	VerifyEmail(ctx context.Context, email string) (string, error)
	ReadResults(ctx context.Context, id string) ([]Item, error)
}

// BulkRequest is the body for POST /bulk. Data rows are
// [firstname, lastname, domain] for searches and [email] for verification.
type BulkRequest struct {
	Task string     `json:"task"`
	Name string     `json:"name"`
	Data [][]string `json:"data"`
}

// EmailSearchRequest is the body for POST /email-search.
type EmailSearchRequest struct {
	FirstName       string `json:"firstname"`
	LastName        string `json:"lastname"`
	DomainOrCompany string `json:"domainOrCompany"`
}

type launchResponse struct {
	Success bool `json:"success"`
	Item    struct {
		ID     string `json:"_id"`
		Status string `json:"status"`
	} `json:"item"`
}

type readResponse struct {
	Success bool   `json:"success"`
	Items   []Item `json:"items"`
}

// Item is one processed row of a search or verification.
type Item struct {
	ID      string  `json:"_id"`
	Status  string  `json:"status"`
	Order   int     `json:"order"`
	Results Results `json:"results"`
}

// Done reports whether the item reached a terminal status.
func (i Item) Done() bool {
	switch i.Status {
	case StatusDebited, StatusNoResult, StatusError:
		return true
	}
	return false
}

// Results carries the emails found for a search, or validity for a
// verification.
type Results struct {
	Emails []Email `json:"emails"`
	Valid  bool    `json:"valid"`
}

// Email is one candidate address.
type Email struct {
	Email     string `json:"email"`
	Certainty string `json:"certainty"`
}

// APIError is returned when Icypeas responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("icypeas: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// ErrNotLaunched is returned when the API accepts a request but reports no
// success or no id.
var ErrNotLaunched = eris.New("icypeas: request not accepted")

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

// NewClient creates a new Icypeas client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) LaunchBulk(ctx context.Context, req BulkRequest) (string, error) {
	id, err := c.launch(ctx, "/bulk", req)
	if err != nil {
		return "", eris.Wrapf(err, "icypeas: launch bulk %s", req.Task)
	}
	return id, nil
}

func (c *httpClient) SearchEmail(ctx context.Context, req EmailSearchRequest) (string, error) {
	id, err := c.launch(ctx, "/email-search", req)
	if err != nil {
		return "", eris.Wrap(err, "icypeas: email search")
	}
	return id, nil
}

func (c *httpClient) VerifyEmail(ctx context.Context, email string) (string, error) {
	id, err := c.launch(ctx, "/email-verification", map[string]string{"email": email})
	if err != nil {
		return "", eris.Wrap(err, "icypeas: email verification")
	}
	return id, nil
}

func (c *httpClient) ReadResults(ctx context.Context, id string) ([]Item, error) {
	var resp readResponse
	if err := c.post(ctx, "/bulk-single-searchs/read", map[string]string{"id": id}, &resp); err != nil {
		return nil, eris.Wrapf(err, "icypeas: read results %s", id)
	}
	return resp.Items, nil
}

func (c *httpClient) launch(ctx context.Context, path string, body any) (string, error) {
	var resp launchResponse
	if err := c.post(ctx, path, body, &resp); err != nil {
		return "", err
	}
	if !resp.Success || resp.Item.ID == "" {
		return "", ErrNotLaunched
	}
	return resp.Item.ID, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

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
