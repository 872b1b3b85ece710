// Package meta provides a client for the Meta Graph API lead-ads and
// insights endpoints.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the Graph API operations used for lead reconciliation.
type Client interface {
	// Forms lists the lead-gen forms of the configured page.
	Forms(ctx context.Context) ([]Form, error)
	// Leads returns every lead of a form, following paging.next.
	Leads(ctx context.Context, formID string) ([]Lead, error)
	// CampaignInsights returns delivery and spend totals of a campaign
	// between since and until (YYYY-MM-DD, inclusive).
	CampaignInsights(ctx context.Context, campaignID, since, until string) (*Insights, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Form is a lead-gen form.
type Form struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	LeadsCount int    `json:"leads_count"`
}

// FieldData is one answered form question.
type FieldData struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Lead is a single form submission.
type Lead struct {
	ID           string      `json:"id"`
	CreatedTime  string      `json:"created_time"`
	AdID         string      `json:"ad_id"`
	AdName       string      `json:"ad_name"`
	AdsetID      string      `json:"adset_id"`
	AdsetName    string      `json:"adset_name"`
	CampaignID   string      `json:"campaign_id"`
	CampaignName string      `json:"campaign_name"`
	FormID       string      `json:"form_id"`
	FieldData    []FieldData `json:"field_data"`
}

// Insights holds campaign delivery totals. The Graph API encodes every
// number as a string.
type Insights struct {
	Spend       float64
	Impressions int64
	Clicks      int64
	Reach       int64
	CTR         float64
	CPM         float64
}

type insightsRow struct {
	Spend       string `json:"spend"`
	Impressions string `json:"impressions"`
	Clicks      string `json:"clicks"`
	Reach       string `json:"reach"`
	CTR         string `json:"ctr"`
	CPM         string `json:"cpm"`
}

type paging struct {
	Next string `json:"next"`
}

type page[T any] struct {
	Data   []T    `json:"data"`
	Paging paging `json:"paging"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

const (
	leadFields     = "id,created_time,ad_id,ad_name,adset_id,adset_name,campaign_id,campaign_name,form_id,field_data"
	insightsFields = "spend,impressions,clicks,reach,ctr,cpm"
	maxPages       = 1000
)

// Option configures the Meta client.
type Option func(*httpClient)

// WithBaseURL sets a custom Graph API base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient sets the transport used for requests.
func WithHTTPClient(d Doer) Option {
	return func(c *httpClient) { c.http = d }
}

// WithPageSize sets the leads page size.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

type httpClient struct {
	token    string
	pageID   string
	baseURL  string
	pageSize int
	http     Doer
}

// NewClient creates a Graph API client for a page.
func NewClient(accessToken, pageID string, opts ...Option) Client {
	c := &httpClient{
		token:    accessToken,
		pageID:   pageID,
		baseURL:  "https://graph.facebook.com/v21.0",
		pageSize: 100,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) endpoint(path string, params url.Values) string {
	params.Set("access_token", c.token)
	return fmt.Sprintf("%s/%s?%s", c.baseURL, path, params.Encode())
}

func (c *httpClient) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "meta: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "meta: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "meta: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		var ge graphError
		if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
			return eris.Errorf("meta: status %d: %s (code %d)", resp.StatusCode, ge.Error.Message, ge.Error.Code)
		}
		return eris.Errorf("meta: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "meta: unmarshal response")
	}
	return nil
}

func (c *httpClient) Forms(ctx context.Context) ([]Form, error) {
	u := c.endpoint(url.PathEscape(c.pageID)+"/leadgen_forms", url.Values{
		"fields": {"id,name,status,leads_count"},
	})
	return collect[Form](ctx, c, u)
}

func (c *httpClient) Leads(ctx context.Context, formID string) ([]Lead, error) {
	u := c.endpoint(url.PathEscape(formID)+"/leads", url.Values{
		"fields": {leadFields},
		"limit":  {strconv.Itoa(c.pageSize)},
	})
	leads, err := collect[Lead](ctx, c, u)
	if err != nil {
		return leads, eris.Wrapf(err, "meta: leads of form %s", formID)
	}
	return leads, nil
}

// collect walks paging.next until it runs out. Items gathered before a
// failing page are returned with the error.
func collect[T any](ctx context.Context, c *httpClient, next string) ([]T, error) {
	var all []T
	seen := make(map[string]bool)
	for range maxPages {
		if next == "" || seen[next] {
			return all, nil
		}
		seen[next] = true

		var p page[T]
		if err := c.get(ctx, next, &p); err != nil {
			return all, err
		}
		all = append(all, p.Data...)
		next = p.Paging.Next
	}
	return all, eris.Errorf("meta: more than %d pages", maxPages)
}

func (c *httpClient) CampaignInsights(ctx context.Context, campaignID, since, until string) (*Insights, error) {
	tr, err := json.Marshal(map[string]string{"since": since, "until": until})
	if err != nil {
		return nil, eris.Wrap(err, "meta: encode time range")
	}
	u := c.endpoint(url.PathEscape(campaignID)+"/insights", url.Values{
		"fields":     {insightsFields},
		"time_range": {string(tr)},
	})

	var p page[insightsRow]
	if err := c.get(ctx, u, &p); err != nil {
		return nil, eris.Wrapf(err, "meta: insights of campaign %s", campaignID)
	}

	var out Insights
	for _, row := range p.Data {
		out.Spend += parseFloat(row.Spend)
		out.Impressions += parseInt(row.Impressions)
		out.Clicks += parseInt(row.Clicks)
		out.Reach += parseInt(row.Reach)
	}
	if len(p.Data) == 1 {
		out.CTR = parseFloat(p.Data[0].CTR)
		out.CPM = parseFloat(p.Data[0].CPM)
	} else if out.Impressions > 0 {
		out.CTR = float64(out.Clicks) / float64(out.Impressions) * 100
		out.CPM = out.Spend / float64(out.Impressions) * 1000
	}
	return &out, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
