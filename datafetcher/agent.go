package datafetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/loanmesh/capability"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/hupe1980/loanmesh/model"
)

// Name is the agent name the DataFetcher registers under.
const Name = "datafetcher"

// Capability names.
const (
	CapFetchFinancialData = "fetch_financial_data"
	CapSearchBusinessInfo = "search_business_info"
	CapFinancialAnalysis  = "financial_analysis"
	CapListAvailableData  = "list_available_data"
)

// Search types and the query suffix each one appends to the business name.
var searchSuffixes = map[string]string{
	"general":   "company profile overview business",
	"financial": "financial reports revenue profit annual report",
	"legal":     "legal issues lawsuit compliance violations",
	"news":      "latest news updates announcements",
	"credit":    "credit rating financial stability",
}

const defaultSearchSuffix = "company information"

// SearchQuery builds the search backend query for a business and search type.
func SearchQuery(businessName, searchType string) string {
	suffix, ok := searchSuffixes[searchType]
	if !ok {
		suffix = defaultSearchSuffix
	}
	return strings.TrimSpace(businessName) + " " + suffix
}

type fetchInput struct {
	ApplicantRef string `json:"applicant_ref" description:"Applicant reference"`
}

type searchInput struct {
	BusinessName string `json:"business_name" description:"Registered business name"`
	SearchType   string `json:"search_type,omitempty" enum:"general|financial|legal|news|credit" description:"Aspect to focus the search on"`
}

type analysisInput struct {
	Record core.FinancialRecord `json:"record" description:"Financial record as returned by fetch_financial_data"`
}

// Options configures the DataFetcher.
type Options struct {
	Logger   logging.Logger
	Analyzer core.FinancialAnalyzer
	// Narrator, when set, adds a narrative "summary" to search results.
	Narrator model.Model
	// Name overrides the agent name.
	Name string
}

// Agent is the DataFetcher. It owns a capability registry that a router
// serves.
type Agent struct {
	docs     core.DocumentStore
	search   core.BusinessSearch
	analyzer core.FinancialAnalyzer
	narrator model.Model
	logger   logging.Logger
	registry *capability.Registry
}

// New builds the DataFetcher and registers its capabilities.
func New(docs core.DocumentStore, search core.BusinessSearch, optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{
		Logger:   logging.NoOpLogger{},
		Analyzer: NewRatioAnalyzer(),
		Name:     Name,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if docs == nil {
		return nil, fmt.Errorf("datafetcher requires a document store")
	}
	if search == nil {
		return nil, fmt.Errorf("datafetcher requires a business search backend")
	}

	a := &Agent{
		docs:     docs,
		search:   search,
		analyzer: opts.Analyzer,
		narrator: opts.Narrator,
		logger:   opts.Logger,
		registry: capability.NewRegistry(opts.Name, func(o *capability.Options) { o.Logger = opts.Logger }),
	}
	if err := a.register(); err != nil {
		return nil, err
	}
	return a, nil
}

// Registry returns the DataFetcher's capability registry.
func (a *Agent) Registry() *capability.Registry { return a.registry }

func (a *Agent) register() error {
	caps := []struct {
		name   string
		desc   string
		in     any
		out    map[string]any
		handle capability.Handler
	}{
		{
			name: CapFetchFinancialData,
			desc: "Fetch the structured financial record of an applicant",
			in:   fetchInput{},
			out: map[string]any{
				"type":     "object",
				"required": []string{"applicant_ref"},
				"properties": map[string]any{
					"applicant_ref": map[string]any{"type": "string"},
					"documents":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
			handle: a.fetchFinancialData,
		},
		{
			name: CapSearchBusinessInfo,
			desc: "Search public information about a business",
			in:   searchInput{},
			out: map[string]any{
				"type":     "object",
				"required": []string{"business_name", "search_type", "query", "results"},
				"properties": map[string]any{
					"results": map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
					"summary": map[string]any{"type": "string"},
				},
			},
			handle: a.searchBusinessInfo,
		},
		{
			name: CapFinancialAnalysis,
			desc: "Derive ratios, trends and warning flags from a financial record",
			in:   analysisInput{},
			out: map[string]any{
				"type":       "object",
				"properties": map[string]any{"flags": map[string]any{"type": "array"}},
			},
			handle: a.financialAnalysis,
		},
		{
			name: CapListAvailableData,
			desc: "List the documents on file for an applicant",
			in:   fetchInput{},
			out: map[string]any{
				"type":     "object",
				"required": []string{"applicant_ref", "documents"},
				"properties": map[string]any{
					"documents": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
			},
			handle: a.listAvailableData,
		},
	}

	for _, c := range caps {
		err := a.registry.Register(c.name, capability.SchemaFor(c.in), c.out, c.handle,
			capability.WithDescription(c.desc),
			capability.WithAsync(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// observe records a collaborator call.
func (a *Agent) observe(collaborator string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Reason(err)
	}
	CollaboratorCalls.WithLabelValues(collaborator, outcome).Inc()
	CollaboratorDuration.WithLabelValues(collaborator).Observe(time.Since(start).Seconds())
	if err != nil {
		a.logger.Warn("datafetcher.collaborator.failed", "collaborator", collaborator, "reason", outcome, "error", err.Error())
		return
	}
	a.logger.Debug("datafetcher.collaborator.ok", "collaborator", collaborator, "duration", time.Since(start))
}

func requireNonEmpty(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return core.NewError(core.CodeValidation, "%s must not be empty", field).WithDetail("field", field)
	}
	return nil
}

func (a *Agent) fetchFinancialData(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in fetchInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	if err := requireNonEmpty("applicant_ref", in.ApplicantRef); err != nil {
		return nil, err
	}

	start := time.Now()
	record, err := a.docs.Get(ctx, in.ApplicantRef)
	a.observe("document_store", start, err)
	if err != nil {
		return nil, collaboratorError("document store", err)
	}
	if record.Documents == nil {
		record.Documents = []string{}
	}
	return capability.ToPayload(record)
}

func (a *Agent) listAvailableData(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in fetchInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	if err := requireNonEmpty("applicant_ref", in.ApplicantRef); err != nil {
		return nil, err
	}

	start := time.Now()
	docs, err := a.docs.List(ctx, in.ApplicantRef)
	a.observe("document_store", start, err)
	if err != nil {
		return nil, collaboratorError("document store", err)
	}
	if docs == nil {
		docs = []string{}
	}
	return map[string]any{"applicant_ref": in.ApplicantRef, "documents": docs}, nil
}

func (a *Agent) searchBusinessInfo(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in searchInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}
	if err := requireNonEmpty("business_name", in.BusinessName); err != nil {
		return nil, err
	}
	if in.SearchType == "" {
		in.SearchType = "general"
	}
	query := SearchQuery(in.BusinessName, in.SearchType)

	start := time.Now()
	results, err := a.search.Search(ctx, query)
	a.observe("business_search", start, err)
	if err != nil {
		return nil, collaboratorError("business search", err)
	}
	if results == nil {
		results = []core.SearchResult{}
	}

	out, err := capability.ToPayload(struct {
		BusinessName string              `json:"business_name"`
		SearchType   string              `json:"search_type"`
		Query        string              `json:"query"`
		Results      []core.SearchResult `json:"results"`
	}{in.BusinessName, in.SearchType, query, results})
	if err != nil {
		return nil, err
	}

	if a.narrator != nil && len(results) > 0 {
		if summary, err := a.summarize(ctx, in, results); err == nil {
			out["summary"] = summary
		} else {
			// the summary is decoration; the raw results still count as evidence
			a.logger.Warn("datafetcher.summary.failed", "business", in.BusinessName, "error", err.Error())
		}
	}
	return out, nil
}

func (a *Agent) financialAnalysis(ctx context.Context, payload map[string]any) (map[string]any, error) {
	var in analysisInput
	if err := capability.Bind(payload, &in); err != nil {
		return nil, err
	}

	start := time.Now()
	metrics, err := a.analyzer.Analyze(ctx, in.Record)
	a.observe("financial_analyzer", start, err)
	if err != nil {
		return nil, collaboratorError("financial analyzer", err)
	}
	return metrics, nil
}
