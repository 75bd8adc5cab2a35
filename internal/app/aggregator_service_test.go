package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteguard/api/internal/infra/llm"
	"github.com/siteguard/api/pkg/domain/scansession"
)

type stubProvider struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []string
}

func (s *stubProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.UserPrompt)
	i := len(s.prompts) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	content := ""
	if i < len(s.responses) {
		content = s.responses[i]
	}
	return &llm.CompletionResponse{Content: content}, nil
}

func (s *stubProvider) Name() string          { return "stub" }
func (s *stubProvider) Model() string         { return "stub-model" }
func (s *stubProvider) Validate() error       { return nil }
func (s *stubProvider) callCount() int        { s.mu.Lock(); defer s.mu.Unlock(); return len(s.prompts) }
func (s *stubProvider) promptAt(i int) string { s.mu.Lock(); defer s.mu.Unlock(); return s.prompts[i] }

func TestDeduplicate(t *testing.T) {
	t.Run("groups by name and unions urls in first-seen order", func(t *testing.T) {
		raw := []scansession.RawFinding{
			{Name: "XSS", URL: "https://a.example/1", Risk: "High", Description: "first"},
			{Name: "SQLi", URL: "https://a.example/2", Risk: "High"},
			{Name: "XSS", URL: "https://a.example/3", Risk: "Low", Description: "second"},
			{Name: "XSS", URL: "https://a.example/1"},
		}

		findings := Deduplicate(raw)
		require.Len(t, findings, 2)

		assert.Equal(t, "XSS", findings[0].Name)
		assert.Equal(t, []string{"https://a.example/1", "https://a.example/3"}, findings[0].URLs)
		assert.Equal(t, "High", findings[0].Risk, "metadata comes from the first record seen")
		assert.Equal(t, "first", findings[0].Description)

		assert.Equal(t, "SQLi", findings[1].Name)
		assert.Equal(t, []string{"https://a.example/2"}, findings[1].URLs)
	})

	t.Run("missing metadata stays empty", func(t *testing.T) {
		findings := Deduplicate([]scansession.RawFinding{{Name: "CSP Header Missing"}})
		require.Len(t, findings, 1)
		assert.Equal(t, "", findings[0].Risk)
		assert.Equal(t, "", findings[0].Description)
		assert.NotNil(t, findings[0].Tags)
		assert.Empty(t, findings[0].Tags)
		assert.NotNil(t, findings[0].URLs)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, Deduplicate(nil))
	})
}

func TestAlertAggregatorAggregate(t *testing.T) {
	longDesc := strings.Repeat("Cross-site scripting allows attackers to inject scripts. ", 5)

	t.Run("enriches findings with summaries", func(t *testing.T) {
		provider := &stubProvider{responses: []string{"Bad people can run code in your browser."}}
		agg := NewAlertAggregator(AggregatorConfig{Provider: provider, Concurrency: 1})

		findings := agg.Aggregate(context.Background(), []scansession.RawFinding{
			{Name: "XSS", URL: "https://a.example", Description: longDesc},
		})

		require.Len(t, findings, 1)
		assert.Equal(t, "Bad people can run code in your browser.", findings[0].PlainSummary)
		assert.Equal(t, 1, provider.callCount())
		assert.True(t, strings.HasSuffix(provider.promptAt(0), longDesc))
	})

	t.Run("retries once when the summary is not simpler", func(t *testing.T) {
		// First response within 80-120% of the description length.
		similar := longDesc[:len(longDesc)-10]
		provider := &stubProvider{responses: []string{similar, "Short and plain."}}
		agg := NewAlertAggregator(AggregatorConfig{Provider: provider, Concurrency: 1})

		findings := agg.Aggregate(context.Background(), []scansession.RawFinding{
			{Name: "XSS", Description: longDesc},
		})

		require.Len(t, findings, 1)
		assert.Equal(t, "Short and plain.", findings[0].PlainSummary)
		require.Equal(t, 2, provider.callCount())
		assert.True(t, strings.HasPrefix(provider.promptAt(1), "Explain this security issue to someone who knows nothing about computers."))
	})

	t.Run("keeps first summary when retry fails", func(t *testing.T) {
		similar := longDesc[:len(longDesc)-10]
		provider := &stubProvider{
			responses: []string{similar, ""},
			errs:      []error{nil, errors.New("boom")},
		}
		agg := NewAlertAggregator(AggregatorConfig{Provider: provider, Concurrency: 1})

		findings := agg.Aggregate(context.Background(), []scansession.RawFinding{
			{Name: "XSS", Description: longDesc},
		})

		require.Len(t, findings, 1)
		assert.Equal(t, similar, findings[0].PlainSummary)
	})

	t.Run("falls back to description on provider error", func(t *testing.T) {
		provider := &stubProvider{errs: []error{errors.New("rate limited")}}
		agg := NewAlertAggregator(AggregatorConfig{Provider: provider, Concurrency: 1})

		findings := agg.Aggregate(context.Background(), []scansession.RawFinding{
			{Name: "XSS", Description: longDesc},
			{Name: "SQLi", Description: "Injection via the login form."},
		})

		require.Len(t, findings, 2)
		assert.Equal(t, longDesc, findings[0].PlainSummary)
	})

	t.Run("nil provider falls back to descriptions", func(t *testing.T) {
		agg := NewAlertAggregator(AggregatorConfig{})

		findings := agg.Aggregate(context.Background(), []scansession.RawFinding{
			{Name: "XSS", Description: "desc"},
		})

		require.Len(t, findings, 1)
		assert.Equal(t, "desc", findings[0].PlainSummary)
	})

	t.Run("empty description skips the provider", func(t *testing.T) {
		provider := &stubProvider{}
		agg := NewAlertAggregator(AggregatorConfig{Provider: provider})

		findings := agg.Aggregate(context.Background(), []scansession.RawFinding{
			{Name: "Odd alert"},
		})

		require.Len(t, findings, 1)
		assert.Equal(t, "", findings[0].PlainSummary)
		assert.Equal(t, 0, provider.callCount())
	})

	t.Run("output order is stable under concurrency", func(t *testing.T) {
		provider := &stubProvider{responses: []string{"a", "b", "c", "d", "e", "f", "g", "h"}}
		agg := NewAlertAggregator(AggregatorConfig{Provider: provider, Concurrency: 8})

		raw := []scansession.RawFinding{
			{Name: "A", Description: strings.Repeat("x", 300)},
			{Name: "B", Description: strings.Repeat("y", 300)},
			{Name: "C", Description: strings.Repeat("z", 300)},
			{Name: "D", Description: strings.Repeat("w", 300)},
		}

		findings := agg.Aggregate(context.Background(), raw)
		require.Len(t, findings, 4)
		assert.Equal(t, "A", findings[0].Name)
		assert.Equal(t, "B", findings[1].Name)
		assert.Equal(t, "C", findings[2].Name)
		assert.Equal(t, "D", findings[3].Name)
	})
}

func TestTooSimilar(t *testing.T) {
	original := strings.Repeat("a", 100)
	assert.True(t, tooSimilar(strings.Repeat("b", 100), original))
	assert.True(t, tooSimilar(strings.Repeat("b", 81), original))
	assert.True(t, tooSimilar(strings.Repeat("b", 119), original))
	assert.False(t, tooSimilar(strings.Repeat("b", 80), original))
	assert.False(t, tooSimilar(strings.Repeat("b", 120), original))
	assert.False(t, tooSimilar(strings.Repeat("b", 40), original))
}
