package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/loanmesh"
	"github.com/hupe1980/loanmesh/a2a"
	natstransport "github.com/hupe1980/loanmesh/a2a/nats"
	"github.com/hupe1980/loanmesh/config"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/datafetcher"
	"github.com/hupe1980/loanmesh/docstore"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/hupe1980/loanmesh/model"
	"github.com/hupe1980/loanmesh/model/anthropic"
	"github.com/hupe1980/loanmesh/model/openai"
	"github.com/hupe1980/loanmesh/scoring"
	"github.com/hupe1980/loanmesh/search"
	"github.com/hupe1980/loanmesh/search/opensearch"
	"github.com/hupe1980/loanmesh/session/postgres"
	"github.com/hupe1980/loanmesh/session/redis"
	"github.com/hupe1980/loanmesh/underwriter"
)

// closers releases resources in reverse acquisition order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func buildLogger(cfg config.LogConfig, out io.Writer) (*logging.StructuredLogger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:       level,
		Format:      cfg.Format,
		Output:      out,
		Component:   "loanmesh",
		CustomAttrs: map[string]any{},
	}), nil
}

func buildTransport(ctx context.Context, cfg config.TransportConfig, logger logging.Logger, cs *closers) (a2a.Transport, error) {
	if cfg.Kind != "nats" {
		// nil lets the mesh own an in-process transport
		return nil, nil
	}
	nc := natstransport.DefaultConfig()
	nc.URL = cfg.NATS.URL
	nc.Name = cfg.NATS.Name
	nc.Stream = cfg.NATS.Stream
	nc.SubjectPrefix = cfg.NATS.SubjectPrefix
	nc.Token = cfg.NATS.Token
	nc.AckWait = cfg.NATS.AckWait
	nc.MaxAge = cfg.NATS.MaxAge

	t, err := natstransport.Connect(ctx, nc, func(o *natstransport.Options) { o.Logger = logger })
	if err != nil {
		return nil, err
	}
	cs.add(t.Close)
	return t, nil
}

// buildStore returns a store that is both session store and report archive,
// or nil for the engine's in-memory default.
func buildStore(ctx context.Context, cfg config.StoreConfig, cs *closers) (interface {
	core.SessionStore
	core.ReportArchive
}, error) {
	switch cfg.Kind {
	case "redis":
		s, err := redis.New(cfg.Redis.URL, func(o *redis.Options) {
			o.Prefix = cfg.Redis.Prefix
			o.ArchiveTTL = cfg.Redis.ArchiveTTL
		})
		if err != nil {
			return nil, err
		}
		cs.add(s.Close)
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		cs.add(func() error { s.Close(); return nil })
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, nil
}

func buildDocuments(cfg config.DocumentsConfig) (core.DocumentStore, error) {
	if cfg.Dir == "" {
		return docstore.NewInMemoryStore(), nil
	}
	s, err := docstore.NewFileStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func buildSearch(cfg config.SearchConfig) (core.BusinessSearch, error) {
	switch cfg.Backend {
	case "opensearch":
		oc := opensearch.DefaultConfig()
		oc.Addresses = cfg.OpenSearch.Addresses
		oc.Username = cfg.OpenSearch.Username
		oc.Password = cfg.OpenSearch.Password
		oc.Insecure = cfg.OpenSearch.Insecure
		oc.Index = cfg.OpenSearch.Index
		s, err := opensearch.New(oc)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "static":
		return search.NewStatic(), nil
	}
	return search.NewDuckDuckGo(), nil
}

// buildModel returns nil when no provider is configured.
func buildModel(cfg config.ModelConfig) model.Model {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.MaxTokens = int64(cfg.MaxTokens)
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
		})
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = int64(cfg.MaxTokens)
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
		})
	case "mock":
		return model.NewMockModel(orDefault(cfg.Name, "mock"), "mock")
	}
	return nil
}

func buildScorer(cfg config.UnderwriterConfig, m model.Model, logger logging.Logger) (core.Scorer, error) {
	if cfg.Scorer == "model" {
		if m == nil {
			return nil, fmt.Errorf("model scorer needs a model provider")
		}
		return scoring.NewModelScorer(m, func(o *scoring.ModelOptions) { o.Logger = logger }), nil
	}
	if cfg.PolicyFile == "" {
		return scoring.NewRuleScorer(nil), nil
	}
	p, err := scoring.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	return scoring.NewRuleScorer(p), nil
}

func buildPolicy(cfg config.UnderwriterConfig) *underwriter.Policy {
	p := underwriter.DefaultPolicy(datafetcher.Name)
	if cfg.GatherMode == "concurrent" {
		p.Mode = underwriter.Concurrent
	}
	p.CallTimeout = cfg.CallTimeout
	p.MaxHumanRounds = cfg.MaxHumanRounds
	p.SessionDeadline = cfg.SessionDeadline
	return p
}

// meshConfig selects the agents a command hosts.
type meshConfig struct {
	hostUnderwriter bool
	hostDataFetcher bool
	clientName      string
	human           core.HumanChannel
}

// buildMesh assembles a Mesh and everything it depends on from cfg. The
// returned closer releases transport and stores after the mesh is closed.
func buildMesh(ctx context.Context, cfg *config.Config, logger logging.Logger, mc meshConfig) (*loanmesh.Mesh, io.Closer, error) {
	var cs closers

	fail := func(err error) (*loanmesh.Mesh, io.Closer, error) {
		_ = cs.Close()
		return nil, nil, err
	}

	transport, err := buildTransport(ctx, cfg.Transport, logger, &cs)
	if err != nil {
		return fail(err)
	}

	opts := []func(o *loanmesh.Options){func(o *loanmesh.Options) {
		o.Logger = logger
		o.Transport = transport
		o.HostUnderwriter = mc.hostUnderwriter
		o.HostDataFetcher = mc.hostDataFetcher
		o.RouterTimeout = cfg.Router.DefaultTimeout
		o.RecentCapacity = cfg.Router.RecentCapacity
		o.HistoryCapacity = cfg.Router.HistoryCapacity
		o.Human = mc.human
		if mc.clientName != "" {
			o.ClientName = mc.clientName
		}
	}}

	var m model.Model
	if mc.hostDataFetcher || mc.hostUnderwriter {
		m = buildModel(cfg.Model)
	}

	if mc.hostDataFetcher {
		docs, err := buildDocuments(cfg.Documents)
		if err != nil {
			return fail(err)
		}
		finder, err := buildSearch(cfg.Search)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, func(o *loanmesh.Options) {
			o.Documents = docs
			o.Search = finder
			o.Narrator = m
		})
	}

	if mc.hostUnderwriter {
		store, err := buildStore(ctx, cfg.Store, &cs)
		if err != nil {
			return fail(err)
		}
		scorer, err := buildScorer(cfg.Underwriter, m, logger)
		if err != nil {
			return fail(err)
		}
		policy := buildPolicy(cfg.Underwriter)
		opts = append(opts, func(o *loanmesh.Options) {
			o.Policy = policy
			o.Scorer = scorer
			if store != nil {
				o.Store = store
				o.Archive = store
			}
		})
	}

	mesh, err := loanmesh.New(opts...)
	if err != nil {
		return fail(err)
	}
	return mesh, cs, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
