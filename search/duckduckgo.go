package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hupe1980/loanmesh/core"
)

// DefaultDuckDuckGoURL is the instant answer API endpoint.
const DefaultDuckDuckGoURL = "https://api.duckduckgo.com/"

// DuckDuckGoOptions configures the DuckDuckGo client.
type DuckDuckGoOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	// MaxRelated bounds the related topics turned into results.
	MaxRelated int
	// MaxInfobox bounds the infobox entries turned into results.
	MaxInfobox int
}

// DuckDuckGo searches the DuckDuckGo instant answer API. It needs no API key.
type DuckDuckGo struct {
	opts DuckDuckGoOptions
}

var _ core.BusinessSearch = (*DuckDuckGo)(nil)

// NewDuckDuckGo returns a DuckDuckGo client.
func NewDuckDuckGo(optFns ...func(o *DuckDuckGoOptions)) *DuckDuckGo {
	opts := DuckDuckGoOptions{
		BaseURL:    DefaultDuckDuckGoURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		UserAgent:  "loanmesh/1.0",
		MaxRelated: 5,
		MaxInfobox: 3,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &DuckDuckGo{opts: opts}
}

type ddgTopic struct {
	Text     string `json:"Text"`
	FirstURL string `json:"FirstURL"`
}

type ddgResponse struct {
	Abstract         string     `json:"Abstract"`
	AbstractURL      string     `json:"AbstractURL"`
	AbstractSource   string     `json:"AbstractSource"`
	Heading          string     `json:"Heading"`
	Definition       string     `json:"Definition"`
	DefinitionURL    string     `json:"DefinitionURL"`
	DefinitionSource string     `json:"DefinitionSource"`
	Answer           any        `json:"Answer"`
	AnswerType       string     `json:"AnswerType"`
	RelatedTopics    []ddgTopic `json:"RelatedTopics"`
	Infobox          any        `json:"Infobox"`
}

type ddgInfobox struct {
	Content []struct {
		Label string `json:"label"`
		Value any    `json:"value"`
	} `json:"content"`
}

// Search implements core.BusinessSearch.
func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]core.SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("no_html", "1")
	params.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", d.opts.UserAgent)

	res, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo request: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("duckduckgo: %w", core.ErrRateLimited)
	case res.StatusCode >= 500:
		return nil, fmt.Errorf("duckduckgo status %d: %w", res.StatusCode, core.ErrServiceUnavailable)
	case res.StatusCode < 200 || res.StatusCode >= 300:
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("duckduckgo status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}

	var body ddgResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode duckduckgo response: %w", err)
	}
	return d.results(body), nil
}

func (d *DuckDuckGo) results(body ddgResponse) []core.SearchResult {
	results := []core.SearchResult{}

	if body.Abstract != "" {
		title := "Overview"
		if body.Heading != "" {
			title = body.Heading + " - Overview"
		}
		results = append(results, core.SearchResult{
			Title:   title,
			Snippet: body.Abstract,
			URL:     body.AbstractURL,
			Source:  orDefault(body.AbstractSource, "DuckDuckGo"),
		})
	}

	if body.Definition != "" {
		results = append(results, core.SearchResult{
			Title:   "Definition",
			Snippet: body.Definition,
			URL:     body.DefinitionURL,
			Source:  orDefault(body.DefinitionSource, "DuckDuckGo"),
		})
	}

	// Answer is a string for most answer types and an object for a few.
	if answer, ok := body.Answer.(string); ok && answer != "" {
		results = append(results, core.SearchResult{
			Title:   "Quick Answer",
			Snippet: answer,
			Source:  "DuckDuckGo",
		})
	}

	related := 0
	for _, topic := range body.RelatedTopics {
		if related >= d.opts.MaxRelated {
			break
		}
		// grouped topics carry no Text
		if topic.Text == "" {
			continue
		}
		related++
		title, _, _ := strings.Cut(topic.Text, " - ")
		results = append(results, core.SearchResult{
			Title:   truncate(title, 100),
			Snippet: topic.Text,
			URL:     topic.FirstURL,
			Source:  "DuckDuckGo Related",
		})
	}

	results = append(results, d.infobox(body.Infobox)...)
	return results
}

func (d *DuckDuckGo) infobox(raw any) []core.SearchResult {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	var box ddgInfobox
	if err := json.Unmarshal(data, &box); err != nil {
		return nil
	}

	var out []core.SearchResult
	for _, item := range box.Content {
		if len(out) >= d.opts.MaxInfobox {
			break
		}
		value, ok := item.Value.(string)
		if !ok || value == "" {
			continue
		}
		out = append(out, core.SearchResult{
			Title:   orDefault(item.Label, "Info"),
			Snippet: value,
			Source:  "DuckDuckGo Infobox",
		})
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
