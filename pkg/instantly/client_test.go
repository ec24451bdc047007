package instantly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLeads(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/leads/add", r.URL.Path)
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				var req AddLeadsRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "camp-1", req.CampaignID)
				assert.True(t, req.SkipIfInWorkspace)
				require.Len(t, req.Leads, 2)
				assert.Equal(t, "CTO", req.Leads[0].CustomVariables["person_title"])

				w.Write([]byte(`{"status":"success","leads_uploaded":1,"skipped_count":0,"duplicated_leads":0,"invalid_email_count":1,"invalid_emails":["bad@x"]}`)) //nolint:errcheck
			},
		},
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantStatus: 401,
		},
		{
			name: "unavailable",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantStatus: 503,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)
			c := NewClient("test-key", WithBaseURL(srv.URL))

			resp, err := c.AddLeads(context.Background(), AddLeadsRequest{
				CampaignID:        "camp-1",
				SkipIfInWorkspace: true,
				Leads: []Lead{
					{Email: "jane@acme.com", CustomVariables: map[string]string{"person_title": "CTO"}},
					{Email: "bad@x"},
				},
			})
			if tt.wantStatus != 0 {
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, tt.wantStatus, apiErr.HTTPStatus())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, resp.LeadsUploaded)
			assert.Equal(t, []string{"bad@x"}, resp.InvalidEmails)
		})
	}
}

func TestAddLeads_RejectsOversizedBatch(t *testing.T) {
	c := NewClient("k", WithBaseURL("http://127.0.0.1:0"))
	_, err := c.AddLeads(context.Background(), AddLeadsRequest{Leads: make([]Lead, MaxBatch+1)})
	assert.ErrorContains(t, err, "exceeds")
}
