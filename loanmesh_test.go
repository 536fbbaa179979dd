package loanmesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/loanmesh/a2a"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/datafetcher"
	"github.com/hupe1980/loanmesh/docstore"
	"github.com/hupe1980/loanmesh/search"
	"github.com/hupe1980/loanmesh/session"
	"github.com/hupe1980/loanmesh/underwriter"
)

func testDocuments(t *testing.T) *docstore.InMemoryStore {
	t.Helper()
	docs := docstore.NewInMemoryStore()
	require.NoError(t, docs.Put(core.FinancialRecord{
		ApplicantRef:        "A-100",
		BusinessName:        "Acme Bakery",
		Documents:           []string{"itr", "bank_statement"},
		AnnualRevenue:       800_000,
		AnnualExpenses:      600_000,
		MonthlyDebtPayments: 5_000,
	}))
	return docs
}

func testSearch() *search.Static {
	return search.NewStatic().Add("acme", core.SearchResult{Title: "Acme Bakery", Snippet: "Regional bakery", URL: "https://acme.example"})
}

func startMesh(t *testing.T, optFns ...func(o *Options)) *Mesh {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Documents = testDocuments(t)
		o.Search = testSearch()
		o.CallTimeout = 2 * time.Second
		o.PollInterval = 10 * time.Millisecond
	}}, optFns...)
	m, err := New(fns...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func application(amount float64) core.Application {
	return core.Application{
		ApplicantRef:    "A-100",
		BusinessName:    "Acme Bakery",
		LoanAmount:      amount,
		YearsInBusiness: 6,
	}
}

func TestMesh_Underwrite(t *testing.T) {
	m := startMesh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := m.Underwrite(ctx, application(100_000))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	report, st, err := m.AwaitReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateDone, st.State)
	assert.Equal(t, core.OutcomeApprove, report.Outcome)
	assert.Equal(t, id, report.SessionID)
	assert.Empty(t, report.Unavailable)
	assert.ElementsMatch(t, []string{
		datafetcher.CapFetchFinancialData, datafetcher.CapSearchBusinessInfo, datafetcher.CapFinancialAnalysis,
	}, st.Sources)

	note, err := m.AddNote(ctx, id, "ops", "checked")
	require.NoError(t, err)
	assert.Equal(t, "checked", note.Text)

	reports, err := m.Reports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, id, reports[0].SessionID)
}

func TestMesh_HumanInput(t *testing.T) {
	human := underwriter.NewChannelHuman(4)
	m := startMesh(t, func(o *Options) { o.Human = human })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := m.Underwrite(ctx, application(2_000_000))
	require.NoError(t, err)

	_, st, err := m.AwaitReport(ctx, id, core.StateAwaitingHuman)
	require.NoError(t, err)
	assert.Equal(t, core.StateAwaitingHuman, st.State)
	assert.Contains(t, st.PendingHumanInput, "gst")
	<-human.Prompts()

	_, err = m.Report(ctx, id)
	assert.True(t, core.HasCode(err, core.CodeSessionNotDone))

	require.NoError(t, m.ProvideInput(ctx, id, underwriter.HumanInput{Answer: "GST return is filed quarterly", Author: "analyst"}))

	report, st, err := m.AwaitReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateDone, st.State)
	h, ok := report.EvidenceSnapshot.Latest(core.SourceHuman)
	require.True(t, ok)
	assert.Equal(t, "GST return is filed quarterly", h.Data["answer"])
}

func TestMesh_Cancel(t *testing.T) {
	human := underwriter.NewChannelHuman(4)
	m := startMesh(t, func(o *Options) { o.Human = human })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := m.Underwrite(ctx, application(2_000_000))
	require.NoError(t, err)
	_, _, err = m.AwaitReport(ctx, id, core.StateAwaitingHuman)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, id, "withdrawn"))
	_, st, err := m.AwaitReport(ctx, id)
	assert.True(t, core.HasCode(err, core.CodeInvalidTransition))
	assert.Equal(t, core.StateCancelled, st.State)
}

func TestMesh_Errors(t *testing.T) {
	m := startMesh(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.Status(ctx, "missing")
	assert.True(t, core.HasCode(err, core.CodeSessionNotFound))

	_, err = m.Underwrite(ctx, core.Application{})
	assert.True(t, core.HasCode(err, core.CodeValidation))

	assert.Error(t, m.Start(ctx))
}

// recordingTransport keeps a copy of every envelope sent through it.
type recordingTransport struct {
	a2a.Transport
	mu   sync.Mutex
	sent []a2a.Envelope
}

func (r *recordingTransport) Send(ctx context.Context, env *a2a.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, *env)
	r.mu.Unlock()
	return r.Transport.Send(ctx, env)
}

func (r *recordingTransport) envelopes() []a2a.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]a2a.Envelope(nil), r.sent...)
}

func TestMesh_EmptySearchIsEvidence(t *testing.T) {
	inner := a2a.NewChannelTransport(DefaultClientName, underwriter.Name, datafetcher.Name)
	t.Cleanup(func() { _ = inner.Close() })
	rec := &recordingTransport{Transport: inner}

	m := startMesh(t, func(o *Options) {
		o.Transport = rec
		o.Search = search.NewStatic()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := m.Underwrite(ctx, application(100_000))
	require.NoError(t, err)
	report, st, err := m.AwaitReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.StateDone, st.State)

	it, ok := report.EvidenceSnapshot.Latest(datafetcher.CapSearchBusinessInfo)
	require.True(t, ok)
	assert.True(t, it.Available)
	assert.Empty(t, it.Data["results"])
	assert.NotContains(t, report.Unavailable, datafetcher.CapSearchBusinessInfo)

	s, err := m.Engine().Status(ctx, id)
	require.NoError(t, err)
	var visited []core.State
	for _, tr := range s.Transitions {
		visited = append(visited, tr.To)
	}
	assert.Contains(t, visited, core.StateDeciding)

	var searchReq string
	replied := false
	for _, env := range rec.envelopes() {
		assert.NotEqual(t, a2a.KindError, env.Kind, "%s %s", env.Capability, env.Payload)
		if env.Kind == a2a.KindRequest && env.Capability == datafetcher.CapSearchBusinessInfo {
			searchReq = env.ID
		}
	}
	require.NotEmpty(t, searchReq)
	for _, env := range rec.envelopes() {
		if env.Kind == a2a.KindResponse && env.InReplyTo == searchReq {
			replied = true
		}
	}
	assert.True(t, replied)

	hist := m.History(id)
	require.NotEmpty(t, hist)
	var fromHistory bool
	for i, env := range hist {
		assert.Equal(t, id, env.SessionID)
		if i > 0 {
			assert.False(t, env.Timestamp.Before(hist[i-1].Timestamp))
		}
		if env.ID == searchReq {
			fromHistory = true
		}
	}
	assert.True(t, fromHistory)
}

func TestMesh_SplitAcrossNodes(t *testing.T) {
	tr := a2a.NewChannelTransport()
	t.Cleanup(func() { _ = tr.Close() })

	startMesh(t, func(o *Options) {
		o.Transport = tr
		o.ClientName = "fetcher-node"
		o.HostUnderwriter = false
	})
	front := startMesh(t, func(o *Options) {
		o.Transport = tr
		o.HostDataFetcher = false
	})
	assert.Nil(t, front.DataFetcher())
	require.NotNil(t, front.Engine())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := front.Underwrite(ctx, application(100_000))
	require.NoError(t, err)
	report, _, err := front.AwaitReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeApprove, report.Outcome)
}

func TestMesh_RestoresSuspendedSessions(t *testing.T) {
	store := session.NewInMemoryStore()
	human1 := underwriter.NewChannelHuman(4)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m1, err := New(func(o *Options) {
		o.Documents = testDocuments(t)
		o.Search = testSearch()
		o.Store = store
		o.Human = human1
		o.PollInterval = 10 * time.Millisecond
	})
	require.NoError(t, err)
	require.NoError(t, m1.Start(ctx))

	id, err := m1.Underwrite(ctx, application(2_000_000))
	require.NoError(t, err)
	_, _, err = m1.AwaitReport(ctx, id, core.StateAwaitingHuman)
	require.NoError(t, err)
	<-human1.Prompts()
	require.NoError(t, m1.Close())

	human2 := underwriter.NewChannelHuman(4)
	m2 := startMesh(t, func(o *Options) {
		o.Store = store
		o.Human = human2
	})

	select {
	case p := <-human2.Prompts():
		assert.Equal(t, id, p.SessionID)
	case <-ctx.Done():
		t.Fatal("suspended session was not re-prompted")
	}

	require.NoError(t, m2.ProvideInput(ctx, id, underwriter.HumanInput{Answer: "GST attached"}))
	report, _, err := m2.AwaitReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, report.SessionID)
}
