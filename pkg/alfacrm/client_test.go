package alfacrm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageReq struct {
	IsStudy  int `json:"is_study"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func newServer(t *testing.T, pages map[int]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2api/auth/login":
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ops@example.com", body["email"])
			assert.Equal(t, "secret", body["api_key"])
			logins.Add(1)
			fmt.Fprint(w, `{"token":"tok-1"}`)
		case "/v2api/3/customer/index":
			assert.Equal(t, "tok-1", r.Header.Get("X-ALFACRM-TOKEN"))
			var req pageReq
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 0, req.IsStudy)
			assert.Equal(t, 2, req.PageSize)
			body, ok := pages[req.Page]
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &logins
}

func TestCustomers_Paginates(t *testing.T) {
	t.Parallel()

	srv, logins := newServer(t, map[int]string{
		0: `{"total":3,"count":2,"page":0,"items":[
			{"id":1,"name":"Ann","phone":["+380 (63) 104-55-46"],"email":"ann@x.ua","lead_status_id":13},
			{"id":2,"name":"Bo","phone":"0501112233","email":[],"lead_status_id":null,"custom_ads_comp":"архів"}]}`,
		1: `{"total":3,"count":1,"page":1,"items":[{"id":3,"name":"Cy","phone":null,"email":["c@x.ua","c2@x.ua"],"lead_status_id":4}]}`,
	})

	c := NewClient(srv.URL+"/", "ops@example.com", "secret", WithBranch(3), WithPageSize(2))
	got, err := c.Customers(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, Strings{"+380 (63) 104-55-46"}, got[0].Phone)
	assert.Equal(t, Strings{"ann@x.ua"}, got[0].Email)
	assert.Equal(t, 13, got[0].StatusID())

	assert.Equal(t, Strings{"0501112233"}, got[1].Phone)
	assert.Empty(t, got[1].Email)
	assert.Equal(t, 0, got[1].StatusID())
	assert.Equal(t, "архів", got[1].CustomAdsComp)

	assert.Nil(t, got[2].Phone)
	assert.Equal(t, Strings{"c@x.ua", "c2@x.ua"}, got[2].Email)
	assert.Equal(t, int32(1), logins.Load(), "token is reused")
}

func TestCustomers_StopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, map[int]string{
		0: `{"total":0,"items":[{"id":1,"phone":"1"}]}`,
		1: `{"total":0,"items":[]}`,
	})
	got, err := NewClient(srv.URL, "ops@example.com", "secret", WithBranch(3), WithPageSize(2)).Customers(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCustomers_PartialOnPageFailure(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, map[int]string{
		0: `{"total":10,"items":[{"id":1},{"id":2}]}`,
	})
	got, err := NewClient(srv.URL, "ops@example.com", "secret", WithBranch(3), WithPageSize(2)).Customers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page 1")
	assert.Len(t, got, 2)
}

func TestCall_ReloginOn401(t *testing.T) {
	t.Parallel()

	var logins, calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2api/auth/login" {
			n := logins.Add(1)
			fmt.Fprintf(w, `{"token":"tok-%d"}`, n)
			return
		}
		calls.Add(1)
		if r.Header.Get("X-ALFACRM-TOKEN") == "tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"total":1,"items":[{"id":9}]}`)
	}))
	defer srv.Close()

	p, err := NewClient(srv.URL, "e", "k").CustomerPage(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(9), p.Items[0].ID)
	assert.Equal(t, int32(2), logins.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestLogin_Failure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"name":"Forbidden"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "e", "k").Customers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login status 403")
}

func TestLogin_NoToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "e", "k").CustomerPage(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestStrings_Unmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Strings
	}{
		{`"a"`, Strings{"a"}},
		{`""`, nil},
		{`null`, nil},
		{`["a","b"]`, Strings{"a", "b"}},
		{`[]`, Strings{}},
	}
	for _, tt := range tests {
		var s Strings
		require.NoError(t, json.Unmarshal([]byte(tt.in), &s), tt.in)
		assert.Equal(t, tt.want, s, tt.in)
	}

	var s Strings
	assert.Error(t, json.Unmarshal([]byte(`12`), &s))
}
