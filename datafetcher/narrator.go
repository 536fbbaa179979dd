package datafetcher

import (
	"context"
	"strings"
	"time"

	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/internal/util"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/hupe1980/loanmesh/model"
)

const summaryInstructions = "You are a credit analyst assisting a loan underwriter. Be factual and concise."

const summaryTemplate = `Assess the search results below for {{.BusinessName}}.
Cover the credibility of the business, what information was found and what is missing,
any concerns or red flags, and whether more research is needed before underwriting.
Focus on {{.SearchType}} aspects.

Results:
{{range .Results}}- {{.Title}}: {{.Snippet}}{{if .URL}} ({{.URL}}){{end}}
{{end}}`

func (a *Agent) summarize(ctx context.Context, in searchInput, results []core.SearchResult) (string, error) {
	prompt, err := util.RenderTemplate(summaryTemplate, map[string]any{
		"BusinessName": in.BusinessName,
		"SearchType":   in.SearchType,
		"Results":      results,
	})
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := model.Collect(ctx, a.narrator, model.Request{
		Instructions: summaryInstructions,
		Prompt:       prompt,
	})

	if sl, ok := a.logger.(*logging.StructuredLogger); ok {
		tokens := 0
		if resp != nil && resp.Usage != nil {
			tokens = resp.Usage.TotalTokens
		}
		sl.LogModelCall(a.narrator.Info().Name, tokens, time.Since(start), err)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
