package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hupe1980/loanmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ddgBody = `{
	"Heading": "Acme Bakery",
	"Abstract": "Acme Bakery is a regional bakery chain.",
	"AbstractURL": "https://example.com/acme",
	"AbstractSource": "Wikipedia",
	"Definition": "",
	"Answer": "",
	"RelatedTopics": [
		{"Text": "Acme Bakery - Founded 1998", "FirstURL": "https://example.com/1"},
		{"Name": "Group", "Topics": [{"Text": "nested"}]},
		{"Text": "Acme Foods - Parent company", "FirstURL": "https://example.com/2"},
		{"Text": "t3", "FirstURL": "u3"},
		{"Text": "t4", "FirstURL": "u4"},
		{"Text": "t5", "FirstURL": "u5"},
		{"Text": "t6", "FirstURL": "u6"}
	],
	"Infobox": {"content": [
		{"label": "Founded", "value": "1998"},
		{"label": "Employees", "value": {"amount": 120}},
		{"label": "Revenue", "value": "$4M"},
		{"label": "", "value": "Bakery"},
		{"label": "HQ", "value": "Springfield"}
	]}
}`

func newDDG(t *testing.T, h http.HandlerFunc) *DuckDuckGo {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewDuckDuckGo(func(o *DuckDuckGoOptions) {
		o.BaseURL = srv.URL + "/"
		o.HTTPClient = srv.Client()
	})
}

func TestDuckDuckGo_Search(t *testing.T) {
	var query string
	d := newDDG(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(ddgBody))
	})

	results, err := d.Search(context.Background(), "Acme Bakery company profile overview business")
	require.NoError(t, err)
	assert.Equal(t, "Acme Bakery company profile overview business", query)

	// 1 abstract + 5 related + 3 infobox
	require.Len(t, results, 9)
	assert.Equal(t, core.SearchResult{
		Title:   "Acme Bakery - Overview",
		Snippet: "Acme Bakery is a regional bakery chain.",
		URL:     "https://example.com/acme",
		Source:  "Wikipedia",
	}, results[0])
	assert.Equal(t, "Acme Bakery", results[1].Title)
	assert.Equal(t, "DuckDuckGo Related", results[1].Source)
	assert.Equal(t, "Founded", results[6].Title)
	assert.Equal(t, "$4M", results[7].Snippet)
	assert.Equal(t, "Info", results[8].Title)
}

func TestDuckDuckGo_EmptyIsNotAnError(t *testing.T) {
	d := newDDG(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Abstract": "", "RelatedTopics": [], "Infobox": ""}`))
	})

	results, err := d.Search(context.Background(), "unknown corner shop")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDuckDuckGo_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, core.ErrRateLimited},
		{"unavailable", http.StatusServiceUnavailable, core.ErrServiceUnavailable},
		{"bad request", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDDG(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := d.Search(context.Background(), "x")
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDuckDuckGo_MalformedBody(t *testing.T) {
	d := newDDG(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})
	_, err := d.Search(context.Background(), "x")
	assert.Error(t, err)
}
