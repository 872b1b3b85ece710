// Package alfacrm provides a client for the AlfaCRM v2 API.
package alfacrm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the AlfaCRM operations used for lead reconciliation.
type Client interface {
	// Customers returns every lead of the branch. When a page fails the
	// customers loaded so far are returned together with the error.
	Customers(ctx context.Context) ([]Customer, error)
	// CustomerPage returns one 0-based page of leads.
	CustomerPage(ctx context.Context, page int) (*CustomerPage, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Strings decodes a JSON string, array of strings, or null.
type Strings []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *Strings) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var many []string
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*s = many
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	if one == "" {
		*s = nil
		return nil
	}
	*s = Strings{one}
	return nil
}

// Customer is an AlfaCRM lead (customer with is_study = 0).
type Customer struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Phone         Strings `json:"phone"`
	Email         Strings `json:"email"`
	LeadStatusID  *int    `json:"lead_status_id"`
	CustomAdsComp string  `json:"custom_ads_comp"`
	CreatedAt     string  `json:"created_at"`
}

// StatusID returns the lead status id, or 0 when the lead has none.
func (c Customer) StatusID() int {
	if c.LeadStatusID == nil {
		return 0
	}
	return *c.LeadStatusID
}

// CustomerPage is one page of customer/index.
type CustomerPage struct {
	Total int        `json:"total"`
	Count int        `json:"count"`
	Page  int        `json:"page"`
	Items []Customer `json:"items"`
}

const maxPages = 10000

// Option configures the AlfaCRM client.
type Option func(*httpClient)

// WithHTTPClient sets the transport used for requests.
func WithHTTPClient(d Doer) Option {
	return func(c *httpClient) { c.http = d }
}

// WithBranch sets the branch id used in request paths.
func WithBranch(id int) Option {
	return func(c *httpClient) {
		if id > 0 {
			c.branch = id
		}
	}
}

// WithPageSize sets the customer/index page size.
func WithPageSize(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

type httpClient struct {
	baseURL  string
	email    string
	apiKey   string
	branch   int
	pageSize int
	http     Doer

	mu    sync.Mutex
	token string
}

// NewClient creates an AlfaCRM client for an account at baseURL
// (e.g. https://school.s20.online).
func NewClient(baseURL, email, apiKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		email:    email,
		apiKey:   apiKey,
		branch:   1,
		pageSize: 500,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) login(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	var out struct {
		Token string `json:"token"`
	}
	status, body, err := c.post(ctx, "/v2api/auth/login", "", map[string]string{
		"email":   c.email,
		"api_key": c.apiKey,
	})
	if err != nil {
		return "", eris.Wrap(err, "alfacrm: login")
	}
	if status != http.StatusOK {
		return "", eris.Errorf("alfacrm: login status %d: %s", status, string(body))
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", eris.Wrap(err, "alfacrm: unmarshal login response")
	}
	if out.Token == "" {
		return "", eris.New("alfacrm: login returned no token")
	}
	c.token = out.Token
	return c.token, nil
}

func (c *httpClient) dropToken(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == stale {
		c.token = ""
	}
}

func (c *httpClient) post(ctx context.Context, path, token string, payload any) (int, []byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, eris.Wrap(err, "alfacrm: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, eris.Wrap(err, "alfacrm: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("X-ALFACRM-TOKEN", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, eris.Wrap(err, "alfacrm: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, eris.Wrap(err, "alfacrm: read response body")
	}
	return resp.StatusCode, body, nil
}

// call posts an authenticated request, logging in again once on 401.
func (c *httpClient) call(ctx context.Context, path string, payload, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.login(ctx)
		if err != nil {
			return err
		}
		status, body, err := c.post(ctx, path, token, payload)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			c.dropToken(token)
			continue
		}
		if status != http.StatusOK {
			return eris.Errorf("alfacrm: unexpected status %d: %s", status, string(body))
		}
		if err := json.Unmarshal(body, out); err != nil {
			return eris.Wrap(err, "alfacrm: unmarshal response")
		}
		return nil
	}
	return eris.New("alfacrm: unauthorized after re-login")
}

func (c *httpClient) CustomerPage(ctx context.Context, page int) (*CustomerPage, error) {
	var out CustomerPage
	path := fmt.Sprintf("/v2api/%d/customer/index", c.branch)
	err := c.call(ctx, path, map[string]int{
		"is_study":  0,
		"page":      page,
		"page_size": c.pageSize,
	}, &out)
	if err != nil {
		return nil, eris.Wrapf(err, "alfacrm: customers page %d", page)
	}
	return &out, nil
}

func (c *httpClient) Customers(ctx context.Context) ([]Customer, error) {
	var all []Customer
	for page := 0; page < maxPages; page++ {
		p, err := c.CustomerPage(ctx, page)
		if err != nil {
			return all, err
		}
		if len(p.Items) == 0 {
			return all, nil
		}
		all = append(all, p.Items...)
		if p.Total > 0 && len(all) >= p.Total {
			return all, nil
		}
	}
	return all, eris.Errorf("alfacrm: more than %d pages", maxPages)
}
