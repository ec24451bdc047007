package icypeas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", WithBaseURL(srv.URL))
}

func TestLaunchBulk(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantID     string
		wantErr    error
		wantStatus int
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/bulk", r.URL.Path)
				assert.Equal(t, "test-key", r.Header.Get("Authorization"))

				var req BulkRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, TaskEmailSearch, req.Task)
				assert.Equal(t, [][]string{{"Jane", "Doe", "acme.com"}}, req.Data)

				w.Write([]byte(`{"success":true,"item":{"_id":"bulk-1"}}`)) //nolint:errcheck
			},
			wantID: "bulk-1",
		},
		{
			name: "not accepted",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{"success":false}`)) //nolint:errcheck
			},
			wantErr: ErrNotLaunched,
		},
		{
			name: "payment required",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusPaymentRequired)
			},
			wantStatus: 402,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, tt.handler)
			id, err := c.LaunchBulk(context.Background(), BulkRequest{
				Task: TaskEmailSearch,
				Name: "batch 1",
				Data: [][]string{{"Jane", "Doe", "acme.com"}},
			})
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantStatus != 0:
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, tt.wantStatus, apiErr.HTTPStatus())
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, id)
			}
		})
	}
}

func TestSearchAndVerifyEmail(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/email-search":
			assert.Equal(t, "Jane", body["firstname"])
			assert.Equal(t, "acme.com", body["domainOrCompany"])
			w.Write([]byte(`{"success":true,"item":{"_id":"s-1","status":"NONE"}}`)) //nolint:errcheck
		case "/email-verification":
			assert.Equal(t, "jane@acme.com", body["email"])
			w.Write([]byte(`{"success":true,"item":{"_id":"v-1"}}`)) //nolint:errcheck
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := c.SearchEmail(context.Background(), EmailSearchRequest{FirstName: "Jane", LastName: "Doe", DomainOrCompany: "acme.com"})
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)

	id, err = c.VerifyEmail(context.Background(), "jane@acme.com")
	require.NoError(t, err)
	assert.Equal(t, "v-1", id)
}

func TestReadResults(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bulk-single-searchs/read", r.URL.Path)
		w.Write([]byte(`{"success":true,"items":[
			{"_id":"a","status":"DEBITED","results":{"emails":[{"email":"jane@acme.com","certainty":"sure"}]}},
			{"_id":"b","status":"IN_PROGRESS"}
		]}`)) //nolint:errcheck
	})

	items, err := c.ReadResults(context.Background(), "bulk-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].Done())
	assert.False(t, items[1].Done())
	assert.Equal(t, "sure", items[0].Results.Emails[0].Certainty)
}
