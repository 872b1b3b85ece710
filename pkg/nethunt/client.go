// Package nethunt provides a client for the NetHunt CRM Zapier API.
package nethunt

import (
	"bytes"
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

// Client defines the NetHunt operations used for lead reconciliation.
type Client interface {
	// Records returns every record of the folder updated since the given
	// time. Records loaded before a failing page are returned with the error.
	Records(ctx context.Context, folderID string, since time.Time) ([]Record, error)
	// Changes returns the field-change stream of the folder since the given
	// time, with the same partial-result semantics as Records.
	Changes(ctx context.Context, folderID string, since time.Time) ([]Change, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Value decodes a NetHunt field value: a string, number, bool, list, or an
// object carrying a name (option fields) or value.
type Value []string

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(b []byte) error {
	out, err := flatten(json.RawMessage(b))
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// String joins the parts with ", ".
func (v Value) String() string { return strings.Join(v, ", ") }

func flatten(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		var out []string
		for _, it := range items {
			part, err := flatten(it)
			if err != nil {
				return nil, err
			}
			out = append(out, part...)
		}
		return out, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		for _, key := range []string{"name", "value", "email", "title"} {
			if inner, ok := obj[key]; ok {
				return flatten(inner)
			}
		}
		return nil, nil
	default:
		// number or bool
		return []string{string(raw)}, nil
	}
}

// Record is a NetHunt folder record.
type Record struct {
	ID        string           `json:"id"`
	CreatedAt string           `json:"createdAt"`
	UpdatedAt string           `json:"updatedAt"`
	Fields    map[string]Value `json:"fields"`
}

// Field returns the values of a field, matching its name case-insensitively.
func (r Record) Field(name string) []string {
	if v, ok := r.Fields[name]; ok {
		return v
	}
	for k, v := range r.Fields {
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return v
		}
	}
	return nil
}

// FieldAction is one field edit inside a change event.
type FieldAction struct {
	Field    string `json:"field"`
	OldValue Value  `json:"oldValue"`
	NewValue Value  `json:"newValue"`
}

// Change is one record-change event.
type Change struct {
	RecordID     string        `json:"recordId"`
	Time         string        `json:"time"`
	User         Value         `json:"user"`
	FieldActions []FieldAction `json:"fieldActions"`
}

func (c Change) key() string {
	b, _ := json.Marshal(c.FieldActions)
	return c.RecordID + "|" + c.Time + "|" + string(b)
}

const maxPages = 10000

// Option configures the NetHunt client.
type Option func(*httpClient)

// WithBaseURL sets a custom API base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the transport used for requests.
func WithHTTPClient(d Doer) Option {
	return func(c *httpClient) { c.http = d }
}

// WithLimit sets the page size of both trigger endpoints.
func WithLimit(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.limit = n
		}
	}
}

type httpClient struct {
	auth    string
	baseURL string
	limit   int
	http    Doer
}

// NewClient creates a NetHunt client. auth is either a full Authorization
// header value or the base64 "user:key" credential.
func NewClient(auth string, opts ...Option) Client {
	if auth != "" && !strings.Contains(auth, " ") {
		auth = "Basic " + auth
	}
	c := &httpClient{
		auth:    auth,
		baseURL: "https://nethunt.com/api/v1/zapier",
		limit:   1000,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) get(ctx context.Context, path string, since time.Time, out any) error {
	q := url.Values{
		"since": {since.UTC().Format(time.RFC3339)},
		"limit": {strconv.Itoa(c.limit)},
	}
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return eris.Wrap(err, "nethunt: create request")
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "nethunt: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "nethunt: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("nethunt: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "nethunt: unmarshal response")
	}
	return nil
}

// walk pages a trigger endpoint by time. stamp returns the cursor time of
// an item and its identity. A repeated identity replaces the earlier item.
// Items with an unparseable time do not move the cursor.
func walk[T any](ctx context.Context, c *httpClient, path string, since time.Time, stamp func(T) (time.Time, string)) ([]T, error) {
	var all []T
	seen := make(map[string]int)
	cursor := since
	for range maxPages {
		var page []T
		if err := c.get(ctx, path, cursor, &page); err != nil {
			return all, err
		}
		next := cursor
		for _, item := range page {
			ts, id := stamp(item)
			if ts.After(next) {
				next = ts
			}
			if i, ok := seen[id]; ok {
				all[i] = item
				continue
			}
			seen[id] = len(all)
			all = append(all, item)
		}
		if len(page) < c.limit || !next.After(cursor) {
			return all, nil
		}
		cursor = next
	}
	return all, eris.Errorf("nethunt: more than %d pages", maxPages)
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *httpClient) Records(ctx context.Context, folderID string, since time.Time) ([]Record, error) {
	path := "/triggers/updated-record/" + url.PathEscape(folderID)
	recs, err := walk(ctx, c, path, since, func(r Record) (time.Time, string) {
		ts := r.UpdatedAt
		if ts == "" {
			ts = r.CreatedAt
		}
		return parseStamp(ts), r.ID
	})
	if err != nil {
		return recs, eris.Wrapf(err, "nethunt: records of folder %s", folderID)
	}
	return recs, nil
}

func (c *httpClient) Changes(ctx context.Context, folderID string, since time.Time) ([]Change, error) {
	path := "/triggers/record-change/" + url.PathEscape(folderID)
	changes, err := walk(ctx, c, path, since, func(ch Change) (time.Time, string) {
		return parseStamp(ch.Time), ch.key()
	})
	if err != nil {
		return changes, eris.Wrapf(err, "nethunt: changes of folder %s", folderID)
	}
	return changes, nil
}
