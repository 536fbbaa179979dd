// Package loanmesh wires the Underwriter and the DataFetcher onto one
// transport and exposes a typed client for the Underwriter's capabilities.
//
// Most applications:
//  1. Create a Mesh via New(), overriding collaborators and stores as needed
//  2. Start it, which serves the hosted agents and restores suspended sessions
//  3. Underwrite applications and read reports through the client methods
//
// A Mesh may host only one of the agents; the other then lives in another
// process on the same transport (for example NATS JetStream).
package loanmesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/loanmesh/a2a"
	"github.com/hupe1980/loanmesh/capability"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/datafetcher"
	"github.com/hupe1980/loanmesh/docstore"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/hupe1980/loanmesh/model"
	"github.com/hupe1980/loanmesh/search"
	"github.com/hupe1980/loanmesh/underwriter"
)

// DefaultClientName is the agent name the client router receives replies on.
const DefaultClientName = "loanmesh-client"

// Options configures a Mesh.
type Options struct {
	Logger logging.Logger

	// Transport defaults to an in-process ChannelTransport owned by the Mesh.
	Transport  a2a.Transport
	ClientName string

	// HostUnderwriter and HostDataFetcher select the agents served here.
	HostUnderwriter bool
	HostDataFetcher bool

	// DataFetcher collaborators.
	Documents core.DocumentStore
	Search    core.BusinessSearch
	Analyzer  core.FinancialAnalyzer
	Narrator  model.Model

	// Underwriter collaborators; nil values take the engine defaults.
	Policy  *underwriter.Policy
	Scorer  core.Scorer
	Store   core.SessionStore
	Archive core.ReportArchive
	Human   core.HumanChannel

	// CallTimeout bounds each client call to the Underwriter.
	CallTimeout time.Duration
	// RouterTimeout is the default timeout of every router.
	RouterTimeout time.Duration
	// RecentCapacity and HistoryCapacity size the routers' caches; zero keeps
	// the router defaults.
	RecentCapacity  int
	HistoryCapacity int
	// PollInterval paces AwaitReport when the Underwriter is remote.
	PollInterval time.Duration
}

// Mesh hosts agents and a client router on a shared transport.
type Mesh struct {
	opts Options

	transport a2a.Transport
	owned     *a2a.ChannelTransport

	client  *a2a.Router
	routers []*a2a.Router

	engine      *underwriter.Engine
	dataFetcher *datafetcher.Agent

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Mesh. Nothing is served until Start.
func New(optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{
		Logger:          logging.NoOpLogger{},
		ClientName:      DefaultClientName,
		HostUnderwriter: true,
		HostDataFetcher: true,
		CallTimeout:     30 * time.Second,
		RouterTimeout:   30 * time.Second,
		PollInterval:    250 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	m := &Mesh{opts: opts, transport: opts.Transport}
	if m.transport == nil {
		m.owned = a2a.NewChannelTransport(opts.ClientName, underwriter.Name, datafetcher.Name)
		m.transport = m.owned
	} else if ct, ok := m.transport.(*a2a.ChannelTransport); ok {
		ct.Register(opts.ClientName)
		if opts.HostUnderwriter {
			ct.Register(underwriter.Name)
		}
		if opts.HostDataFetcher {
			ct.Register(datafetcher.Name)
		}
	}

	newRouter := func(agent string, registry *capability.Registry) (*a2a.Router, error) {
		return a2a.NewRouter(agent, m.transport, registry, func(o *a2a.Options) {
			o.Logger = opts.Logger
			o.DefaultTimeout = opts.RouterTimeout
			if opts.RecentCapacity > 0 {
				o.RecentCapacity = opts.RecentCapacity
			}
			if opts.HistoryCapacity > 0 {
				o.HistoryCapacity = opts.HistoryCapacity
			}
		})
	}

	if opts.HostDataFetcher {
		if opts.Documents == nil {
			opts.Documents = docstore.NewInMemoryStore()
		}
		if opts.Search == nil {
			opts.Search = search.NewDuckDuckGo()
		}
		df, err := datafetcher.New(opts.Documents, opts.Search, func(o *datafetcher.Options) {
			o.Logger = opts.Logger
			o.Narrator = opts.Narrator
			if opts.Analyzer != nil {
				o.Analyzer = opts.Analyzer
			}
		})
		if err != nil {
			return nil, err
		}
		r, err := newRouter(datafetcher.Name, df.Registry())
		if err != nil {
			return nil, err
		}
		m.dataFetcher = df
		m.routers = append(m.routers, r)
	}

	if opts.HostUnderwriter {
		registry := capability.NewRegistry(underwriter.Name, func(o *capability.Options) { o.Logger = opts.Logger })
		r, err := newRouter(underwriter.Name, registry)
		if err != nil {
			return nil, err
		}
		engine, err := underwriter.New(r, func(o *underwriter.Options) {
			o.Logger = opts.Logger
			o.Policy = opts.Policy
			o.Scorer = opts.Scorer
			o.Store = opts.Store
			o.Archive = opts.Archive
			o.Human = opts.Human
		})
		if err != nil {
			return nil, err
		}
		if _, err := underwriter.NewAgent(engine, registry); err != nil {
			return nil, err
		}
		m.engine = engine
		m.routers = append(m.routers, r)
	}

	client, err := newRouter(opts.ClientName, nil)
	if err != nil {
		return nil, err
	}
	m.client = client
	m.routers = append(m.routers, client)
	m.opts = opts
	return m, nil
}

// Start serves the hosted agents and the client router until ctx is done or
// Close is called, and
// resumes every suspended session found in the session store.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("mesh already started")
	}
	m.started = true
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	for _, r := range m.routers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := r.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.opts.Logger.Error("mesh.router.stopped", "agent", r.Agent(), "error", err.Error())
			}
		}()
	}

	if m.engine != nil {
		n, err := m.engine.RestoreAll(ctx)
		if n > 0 {
			m.opts.Logger.Info("mesh.sessions.restored", "count", n)
		}
		if err != nil {
			m.opts.Logger.Warn("mesh.sessions.restore_failed", "error", err.Error())
		}
	}
	return nil
}

// Close stops the engine and the routers. Suspended sessions stay in the
// session store.
func (m *Mesh) Close() error {
	var errs []error
	if m.engine != nil {
		errs = append(errs, m.engine.Close())
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
	if m.owned != nil {
		errs = append(errs, m.owned.Close())
	}
	return errors.Join(errs...)
}

// Engine returns the hosted decision engine, or nil.
func (m *Mesh) Engine() *underwriter.Engine { return m.engine }

// DataFetcher returns the hosted DataFetcher, or nil.
func (m *Mesh) DataFetcher() *datafetcher.Agent { return m.dataFetcher }

// Transport returns the transport the Mesh communicates over.
func (m *Mesh) Transport() a2a.Transport { return m.transport }

// History returns the envelopes exchanged by the routers of this Mesh,
// ordered by timestamp. An envelope both sent and received here is listed
// once. A non-empty sessionID keeps only that session.
func (m *Mesh) History(sessionID string) []*a2a.Envelope {
	seen := map[string]bool{}
	var out []*a2a.Envelope
	for _, r := range m.routers {
		for _, env := range r.History(sessionID) {
			if seen[env.ID] {
				continue
			}
			seen[env.ID] = true
			out = append(out, env)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Status is the client view of a session.
type Status struct {
	SessionID         string           `json:"session_id"`
	ApplicantRef      string           `json:"applicant_ref"`
	State             core.State       `json:"state"`
	PendingHumanInput string           `json:"pending_human_input,omitempty"`
	HumanRounds       int              `json:"human_rounds"`
	Sources           []string         `json:"sources"`
	Unavailable       []string         `json:"unavailable_sources"`
	Notes             []core.Note      `json:"notes,omitempty"`
	Outcome           core.Outcome     `json:"outcome,omitempty"`
	Transitions       int              `json:"transitions"`
	Application       core.Application `json:"application"`
}

func (m *Mesh) call(ctx context.Context, capabilityName string, in any, out any) error {
	payload, err := capability.ToPayload(in)
	if err != nil {
		return err
	}
	resp, err := m.client.Call(ctx, underwriter.Name, capabilityName, payload, m.opts.CallTimeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return capability.Bind(resp, out)
}

type sessionRef struct {
	SessionID string     `json:"session_id"`
	State     core.State `json:"state,omitempty"`
}

// Underwrite starts a session for app and returns its id.
func (m *Mesh) Underwrite(ctx context.Context, app core.Application) (string, error) {
	var out sessionRef
	if err := m.call(ctx, underwriter.CapStartSession, app, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// ProvideInput answers the pending question of a suspended session.
func (m *Mesh) ProvideInput(ctx context.Context, sessionID string, in underwriter.HumanInput) error {
	return m.call(ctx, underwriter.CapProvideHumanInput, map[string]any{
		"session_id": sessionID,
		"answer":     in.Answer,
		"retry":      in.Retry,
		"author":     in.Author,
	}, nil)
}

// Cancel cancels a running session.
func (m *Mesh) Cancel(ctx context.Context, sessionID, reason string) error {
	return m.call(ctx, underwriter.CapCancelSession, map[string]any{"session_id": sessionID, "reason": reason}, nil)
}

// Status describes the current state of a session.
func (m *Mesh) Status(ctx context.Context, sessionID string) (Status, error) {
	var st Status
	err := m.call(ctx, underwriter.CapSessionStatus, sessionRef{SessionID: sessionID}, &st)
	return st, err
}

// Report returns the final report of a finished session.
func (m *Mesh) Report(ctx context.Context, sessionID string) (core.Report, error) {
	var r core.Report
	err := m.call(ctx, underwriter.CapGetReport, sessionRef{SessionID: sessionID}, &r)
	return r, err
}

// AddNote attaches an operator note to a session.
func (m *Mesh) AddNote(ctx context.Context, sessionID, author, text string) (core.Note, error) {
	var n core.Note
	err := m.call(ctx, underwriter.CapAddNote, map[string]any{"session_id": sessionID, "author": author, "text": text}, &n)
	return n, err
}

// Reports lists finished reports, newest first.
func (m *Mesh) Reports(ctx context.Context, limit int) ([]core.Report, error) {
	var out struct {
		Reports []core.Report `json:"reports"`
	}
	err := m.call(ctx, underwriter.CapListReports, map[string]any{"limit": limit}, &out)
	return out.Reports, err
}

// AwaitReport blocks until the session is Done and returns its report. It
// returns the session's state as an InvalidTransition error when the session
// is cancelled, and stops early when states lists a state the session
// reaches first (typically AwaitingHuman).
func (m *Mesh) AwaitReport(ctx context.Context, sessionID string, states ...core.State) (core.Report, Status, error) {
	want := append([]core.State{core.StateDone, core.StateCancelled}, states...)

	if m.engine != nil {
		if _, err := m.engine.Wait(ctx, sessionID, want...); err != nil {
			return core.Report{}, Status{}, err
		}
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		st, err := m.Status(ctx, sessionID)
		if err != nil {
			return core.Report{}, st, err
		}
		for _, s := range want {
			if st.State != s {
				continue
			}
			switch s {
			case core.StateDone:
				r, err := m.Report(ctx, sessionID)
				return r, st, err
			case core.StateCancelled:
				return core.Report{}, st, core.NewError(core.CodeInvalidTransition, "session %s was cancelled", sessionID)
			default:
				return core.Report{}, st, nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return core.Report{}, st, ctx.Err()
		}
	}
}
