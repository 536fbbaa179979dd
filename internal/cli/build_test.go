package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loanmesh/config"
	"github.com/hupe1980/loanmesh/docstore"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/hupe1980/loanmesh/model"
	"github.com/hupe1980/loanmesh/model/anthropic"
	"github.com/hupe1980/loanmesh/model/openai"
	"github.com/hupe1980/loanmesh/scoring"
	"github.com/hupe1980/loanmesh/search"
	"github.com/hupe1980/loanmesh/search/opensearch"
	"github.com/hupe1980/loanmesh/session/redis"
	"github.com/hupe1980/loanmesh/underwriter"
)

func defaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildSearch(t *testing.T) {
	cfg := defaults(t).Search

	s, err := buildSearch(cfg)
	require.NoError(t, err)
	assert.IsType(t, &search.DuckDuckGo{}, s)

	cfg.Backend = "static"
	s, err = buildSearch(cfg)
	require.NoError(t, err)
	assert.IsType(t, &search.Static{}, s)

	cfg.Backend = "opensearch"
	s, err = buildSearch(cfg)
	require.NoError(t, err)
	assert.IsType(t, &opensearch.Searcher{}, s)
}

func TestBuildDocuments(t *testing.T) {
	d, err := buildDocuments(config.DocumentsConfig{})
	require.NoError(t, err)
	assert.IsType(t, &docstore.InMemoryStore{}, d)

	d, err = buildDocuments(config.DocumentsConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &docstore.FileStore{}, d)

	_, err = buildDocuments(config.DocumentsConfig{Dir: "/nonexistent/docs"})
	assert.Error(t, err)
}

func TestBuildModel(t *testing.T) {
	assert.Nil(t, buildModel(config.ModelConfig{Provider: "none"}))
	assert.IsType(t, &anthropic.Model{}, buildModel(config.ModelConfig{Provider: "anthropic", APIKey: "k", Name: "claude-test"}))
	assert.IsType(t, &openai.Model{}, buildModel(config.ModelConfig{Provider: "openai", APIKey: "k"}))

	m := buildModel(config.ModelConfig{Provider: "mock"})
	require.IsType(t, &model.MockModel{}, m)
	assert.Equal(t, "mock", m.Info().Name)
}

func TestBuildScorer(t *testing.T) {
	cfg := defaults(t).Underwriter
	logger := logging.NoOpLogger{}

	s, err := buildScorer(cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &scoring.RuleScorer{}, s)

	cfg.Scorer = "model"
	_, err = buildScorer(cfg, nil, logger)
	assert.Error(t, err)

	s, err = buildScorer(cfg, model.NewMockModel("m", "mock"), logger)
	require.NoError(t, err)
	assert.IsType(t, &scoring.ModelScorer{}, s)

	cfg.Scorer = "rules"
	cfg.PolicyFile = "/nonexistent/policy.yaml"
	_, err = buildScorer(cfg, nil, logger)
	assert.Error(t, err)
}

func TestBuildPolicy(t *testing.T) {
	cfg := defaults(t).Underwriter
	cfg.GatherMode = "concurrent"
	cfg.CallTimeout = 3 * time.Second
	cfg.MaxHumanRounds = 5
	cfg.SessionDeadline = time.Minute

	p := buildPolicy(cfg)
	assert.Equal(t, underwriter.Concurrent, p.Mode)
	assert.Equal(t, 3*time.Second, p.CallTimeout)
	assert.Equal(t, 5, p.MaxHumanRounds)
	assert.Equal(t, time.Minute, p.SessionDeadline)
	assert.NoError(t, p.Validate())
}

func TestBuildStore(t *testing.T) {
	ctx := context.Background()
	var cs closers

	s, err := buildStore(ctx, config.StoreConfig{Kind: "memory"}, &cs)
	require.NoError(t, err)
	assert.Nil(t, s)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	s, err = buildStore(ctx, config.StoreConfig{Kind: "redis", Redis: config.RedisConfig{URL: "redis://" + mr.Addr(), Prefix: "cli"}}, &cs)
	require.NoError(t, err)
	assert.IsType(t, &redis.Store{}, s)
	assert.Len(t, cs, 1)
	assert.NoError(t, cs.Close())
}

func TestBuildLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := buildLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	l.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = buildLogger(config.LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

func TestSelectAgents(t *testing.T) {
	uw, df, err := selectAgents([]string{"underwriter", "datafetcher"})
	require.NoError(t, err)
	assert.True(t, uw)
	assert.True(t, df)

	uw, df, err = selectAgents([]string{"DataFetcher"})
	require.NoError(t, err)
	assert.False(t, uw)
	assert.True(t, df)

	_, _, err = selectAgents([]string{"broker"})
	assert.Error(t, err)
	_, _, err = selectAgents(nil)
	assert.Error(t, err)
}

func TestParseAnswer(t *testing.T) {
	answer, retry := parseAnswer("  GST follows  ")
	assert.Equal(t, "GST follows", answer)
	assert.False(t, retry)

	_, retry = parseAnswer("Retry")
	assert.True(t, retry)
}
