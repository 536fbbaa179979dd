// Package opensearch implements core.BusinessSearch over an OpenSearch index
// of business profiles (registry extracts, news, credit bureau notes).
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hupe1980/loanmesh/core"
	"github.com/opensearch-project/opensearch-go/v2"
)

// Config holds the connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Insecure  bool
	Index     string
	// Size bounds the number of hits per search.
	Size int
}

// DefaultConfig returns a Config for a local single node cluster.
func DefaultConfig() Config {
	return Config{
		Addresses: []string{"http://localhost:9200"},
		Index:     "business-profiles",
		Size:      10,
	}
}

// Searcher queries the business profile index.
type Searcher struct {
	client *opensearch.Client
	index  string
	size   int
}

var _ core.BusinessSearch = (*Searcher)(nil)

// New builds a Searcher from cfg.
func New(cfg Config) (*Searcher, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure, //nolint:gosec // opt-in for dev clusters
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return NewFromClient(client, cfg.Index, cfg.Size), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *opensearch.Client, index string, size int) *Searcher {
	if size <= 0 {
		size = 10
	}
	return &Searcher{client: client, index: index, size: size}
}

// fields searched, name weighted highest
var searchFields = []string{"name^3", "aliases^2", "description", "industry", "news"}

func buildQuery(query string) map[string]any {
	return map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":    query,
				"fields":   searchFields,
				"type":     "best_fields",
				"operator": "or",
			},
		},
		"_source": []string{"name", "description", "url", "source"},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string `json:"_id"`
			Source struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				URL         string `json:"url"`
				Source      string `json:"source"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func parseHits(body []byte) ([]core.SearchResult, error) {
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	results := make([]core.SearchResult, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		title := hit.Source.Name
		if title == "" {
			title = hit.ID
		}
		source := hit.Source.Source
		if source == "" {
			source = "OpenSearch"
		}
		results = append(results, core.SearchResult{
			Title:   title,
			Snippet: hit.Source.Description,
			URL:     hit.Source.URL,
			Source:  source,
		})
	}
	return results, nil
}

// Search implements core.BusinessSearch.
func (s *Searcher) Search(ctx context.Context, query string) ([]core.SearchResult, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(buildQuery(query)); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(&buf),
		s.client.Search.WithSize(s.size),
	)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("search error: %s: %w", res.Status(), core.ErrRateLimited)
		case res.StatusCode >= 500:
			return nil, fmt.Errorf("search error: %s: %w", res.Status(), core.ErrServiceUnavailable)
		case res.StatusCode == http.StatusNotFound:
			// missing index means nothing indexed yet
			return []core.SearchResult{}, nil
		}
		return nil, fmt.Errorf("search error: %s", res.String())
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(res.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseHits(body.Bytes())
}
