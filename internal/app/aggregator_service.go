// Package app contains application services that sit between the domain
// and the infrastructure layers.
package app

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/siteguard/api/internal/infra/llm"
	"github.com/siteguard/api/internal/metrics"
	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/logger"
)

const summarySystemPrompt = "You are a helpful assistant that explains security alerts in non-technical, plain English. " +
	"Keep your explanations concise (maximum 100 words), clear, and properly formatted as plain text without markdown or special formatting."

const summaryPrompt = "Please explain this security alert in everyday language so a non-technical person can understand it. " +
	"Keep it under 100 words and use plain text formatting: "

const summaryRetryPrompt = "Explain this security issue to someone who knows nothing about computers. " +
	"Use very simple language, avoid all technical terms, keep it under 100 words, and use plain text formatting: "

// AlertAggregator turns the scanner's flat alert list (one record per
// URL x vulnerability-class pair) into deduplicated findings, each enriched
// with a plain-language summary.
type AlertAggregator struct {
	provider    llm.Provider
	logger      *logger.Logger
	concurrency int
	maxTokens   int
	temperature float64
}

// AggregatorConfig configures the AlertAggregator.
type AggregatorConfig struct {
	// Provider generates the plain-language summaries. May be nil, in
	// which case every summary falls back to the raw description.
	Provider llm.Provider

	// Concurrency bounds how many summaries are generated at once.
	// Default: 4.
	Concurrency int

	// MaxTokens per generation request. Default: 200.
	MaxTokens int

	// Temperature for generation. Default: 0.7.
	Temperature float64

	Logger *logger.Logger
}

// NewAlertAggregator creates an AlertAggregator.
func NewAlertAggregator(cfg AggregatorConfig) *AlertAggregator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 200
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	return &AlertAggregator{
		provider:    cfg.Provider,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Aggregate deduplicates raw findings by name and enriches each unique
// finding with a plain-language summary. It is a pure function of its
// input: running it twice over the same raw alerts yields the same
// findings in the same order, which is what makes the orchestrator's
// failsafe re-fetch idempotent.
//
// Enrichment runs concurrently but results are re-joined by the original
// grouped index, so output order never depends on completion timing. One
// finding's enrichment failure never affects the others.
func (a *AlertAggregator) Aggregate(ctx context.Context, raw []scansession.RawFinding) []scansession.Finding {
	findings := Deduplicate(raw)
	if len(findings) == 0 {
		return findings
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i := range findings {
		g.Go(func() error {
			findings[i].PlainSummary = a.summarize(gctx, &findings[i])
			return nil
		})
	}
	// Workers never return errors; failures degrade to the raw description.
	_ = g.Wait()

	return findings
}

// Deduplicate groups raw findings by name. URL sets are unioned in
// first-seen order; all other metadata is carried from the first record
// seen for each name (first-seen wins).
func Deduplicate(raw []scansession.RawFinding) []scansession.Finding {
	var order []string
	byName := make(map[string]*scansession.Finding)

	for _, r := range raw {
		f, ok := byName[r.Name]
		if !ok {
			tags := r.Tags
			if tags == nil {
				tags = map[string]string{}
			}
			f = &scansession.Finding{
				Name:        r.Name,
				URLs:        []string{},
				Risk:        r.Risk,
				Confidence:  r.Confidence,
				Description: r.Description,
				Solution:    r.Solution,
				Reference:   r.Reference,
				CWEID:       r.CWEID,
				WASCID:      r.WASCID,
				Tags:        tags,
			}
			byName[r.Name] = f
			order = append(order, r.Name)
		}
		if r.URL != "" && !contains(f.URLs, r.URL) {
			f.URLs = append(f.URLs, r.URL)
		}
	}

	findings := make([]scansession.Finding, 0, len(order))
	for _, name := range order {
		findings = append(findings, *byName[name])
	}
	return findings
}

// summarize produces the plain-language summary for one finding. Every
// failure path falls back to the raw description; this must never panic or
// abort the surrounding aggregation.
func (a *AlertAggregator) summarize(ctx context.Context, f *scansession.Finding) string {
	if a.provider == nil || f.Description == "" {
		return f.Description
	}

	first, err := a.complete(ctx, summaryPrompt+f.Description)
	if err != nil {
		a.logger.Warn("summary generation failed, falling back to description",
			"finding", f.Name,
			"error", err,
		)
		metrics.SummariesGenerated.WithLabelValues("fallback").Inc()
		return f.Description
	}

	// A summary about as long as the original usually means the model
	// paraphrased instead of simplifying. One more attempt with a blunter
	// prompt; keep the retry only if it actually produced something new.
	if tooSimilar(first, f.Description) {
		retry, err := a.complete(ctx, summaryRetryPrompt+f.Description)
		if err == nil && retry != "" && retry != first {
			metrics.SummariesGenerated.WithLabelValues("retried").Inc()
			return retry
		}
	}

	metrics.SummariesGenerated.WithLabelValues("generated").Inc()
	return first
}

func (a *AlertAggregator) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := a.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    a.maxTokens,
		Temperature:  a.temperature,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// tooSimilar reports whether the generated text's length falls within
// 80%-120% of the original's, the heuristic for "not actually simplified".
func tooSimilar(generated, original string) bool {
	gl := float64(len(generated))
	ol := float64(len(original))
	return gl > ol*0.8 && gl < ol*1.2
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
