package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForms(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/page-1/leadgen_forms", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		assert.Equal(t, "id,name,status,leads_count", r.URL.Query().Get("fields"))
		fmt.Fprint(w, `{"data":[{"id":"f1","name":"Students UA","status":"ACTIVE","leads_count":12}]}`)
	}))
	defer srv.Close()

	forms, err := NewClient("tok", "page-1", WithBaseURL(srv.URL)).Forms(context.Background())
	require.NoError(t, err)
	require.Len(t, forms, 1)
	assert.Equal(t, Form{ID: "f1", Name: "Students UA", Status: "ACTIVE", LeadsCount: 12}, forms[0])
}

func TestLeads_FollowsPaging(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/form-7/leads", r.URL.Path)
		switch r.URL.Query().Get("after") {
		case "":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"id": "l1", "created_time": "2025-10-08T09:09:27+0000", "campaign_id": "c1",
						"field_data": []map[string]any{{"name": "phone_number", "values": []string{"+380 63 104 5546"}}}},
					{"id": "l2", "created_time": "2025-10-09T10:00:00+0000", "campaign_id": "c1"},
				},
				"paging": map[string]string{"next": srv.URL + "/form-7/leads?access_token=tok&after=cur1"},
			})
		case "cur1":
			fmt.Fprint(w, `{"data":[{"id":"l3","campaign_id":"c2","campaign_name":"Teacher/UA"}],"paging":{}}`)
		}
	}))
	defer srv.Close()

	leads, err := NewClient("tok", "p", WithBaseURL(srv.URL), WithPageSize(2)).Leads(context.Background(), "form-7")
	require.NoError(t, err)
	require.Len(t, leads, 3)
	assert.Equal(t, "l1", leads[0].ID)
	assert.Equal(t, []FieldData{{Name: "phone_number", Values: []string{"+380 63 104 5546"}}}, leads[0].FieldData)
	assert.Equal(t, "Teacher/UA", leads[2].CampaignName)
}

func TestLeads_PartialOnError(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			fmt.Fprintf(w, `{"data":[{"id":"l1"}],"paging":{"next":"%s/f/leads?after=x"}}`, srv.URL)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid cursor","type":"OAuthException","code":100}}`)
	}))
	defer srv.Close()

	leads, err := NewClient("tok", "p", WithBaseURL(srv.URL)).Leads(context.Background(), "f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid cursor")
	assert.Len(t, leads, 1)
}

func TestLeads_StopsOnRepeatedCursor(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"id":"l1"}],"paging":{"next":"%s/f/leads?after=same"}}`, srv.URL)
	}))
	defer srv.Close()

	leads, err := NewClient("tok", "p", WithBaseURL(srv.URL)).Leads(context.Background(), "f")
	require.NoError(t, err)
	assert.Len(t, leads, 2)
}

func TestCampaignInsights(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/c1/insights", r.URL.Path)
		assert.JSONEq(t, `{"since":"2025-10-01","until":"2025-10-31"}`, r.URL.Query().Get("time_range"))
		fmt.Fprint(w, `{"data":[{"spend":"120.50","impressions":"10000","clicks":"250","reach":"8000","ctr":"2.5","cpm":"12.05"}]}`)
	}))
	defer srv.Close()

	ins, err := NewClient("tok", "p", WithBaseURL(srv.URL)).CampaignInsights(context.Background(), "c1", "2025-10-01", "2025-10-31")
	require.NoError(t, err)
	assert.Equal(t, &Insights{Spend: 120.5, Impressions: 10000, Clicks: 250, Reach: 8000, CTR: 2.5, CPM: 12.05}, ins)
}

func TestCampaignInsights_MultipleRowsDerivesRatios(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"spend":"10","impressions":"1000","clicks":"10"},{"spend":"10","impressions":"1000","clicks":"30"}]}`)
	}))
	defer srv.Close()

	ins, err := NewClient("tok", "p", WithBaseURL(srv.URL)).CampaignInsights(context.Background(), "c1", "a", "b")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, ins.Spend, 0.001)
	assert.InDelta(t, 2.0, ins.CTR, 0.001)
	assert.InDelta(t, 10.0, ins.CPM, 0.001)
}

func TestCampaignInsights_Empty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	ins, err := NewClient("tok", "p", WithBaseURL(srv.URL)).CampaignInsights(context.Background(), "c1", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, &Insights{}, ins)
}

func TestGet_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "nope")
	}))
	defer srv.Close()

	_, err := NewClient("tok", "p", WithBaseURL(srv.URL)).Forms(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 403")
}
