// Package scansession contains the scan session aggregate: the durable
// record of one target's crawl-then-scan lifecycle.
package scansession

import (
	"time"

	"github.com/siteguard/api/pkg/domain/shared"
)

// ProgressFailed is the sentinel progress value marking a failed phase.
// It is distinct from "not started", which is progress 0 with a nil job id.
const ProgressFailed = -1

// ScanSession tracks one target URL through the crawl and active-scan
// phases. It is created by the web API when a user requests a scan and
// mutated exclusively by the orchestrator afterwards.
type ScanSession struct {
	ID    shared.ID
	Owner shared.ID

	// Target
	URL string

	// Target metadata captured by the pre-flight probe at creation time.
	IPAddress  string
	WebServer  string
	AuthMethod string

	// External scanner job handles; nil until the phase is submitted.
	CrawlJobID *string
	ScanJobID  *string

	// Progress percentages in [0,100], or ProgressFailed.
	CrawlProgress int
	ScanProgress  int

	// CrawlResults holds the URLs discovered by the crawl phase, set once
	// the crawl reaches 100.
	CrawlResults []string

	// ScanResults holds the deduplicated, enriched findings, set once the
	// scan phase reaches 100 and aggregation has run.
	ScanResults []Finding

	// ErrorDetail records why a phase was marked failed.
	ErrorDetail string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewScanSession creates a session for a freshly submitted crawl.
func NewScanSession(owner shared.ID, url string) (*ScanSession, error) {
	if url == "" {
		return nil, shared.NewDomainError("VALIDATION", "url is required", shared.ErrValidation)
	}
	if owner.IsZero() {
		return nil, shared.NewDomainError("VALIDATION", "owner is required", shared.ErrValidation)
	}

	now := time.Now()
	return &ScanSession{
		ID:        shared.NewID(),
		Owner:     owner,
		URL:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetTargetMetadata records what the pre-flight probe learned about the
// target. Immutable afterwards by convention: only the web API calls this,
// once, at creation time.
func (s *ScanSession) SetTargetMetadata(ip, server, authMethod string) {
	s.IPAddress = ip
	s.WebServer = server
	s.AuthMethod = authMethod
	s.UpdatedAt = time.Now()
}

// StartCrawl records the submitted crawl job.
func (s *ScanSession) StartCrawl(jobID string) {
	s.CrawlJobID = &jobID
	s.CrawlProgress = 0
	s.UpdatedAt = time.Now()
}

// SetCrawlProgress advances the crawl progress. Progress is monotonically
// non-decreasing while non-negative; regressions are dropped so a stale
// poll can never rewind a finished phase.
func (s *ScanSession) SetCrawlProgress(pct int) {
	if pct != ProgressFailed && pct < s.CrawlProgress {
		return
	}
	s.CrawlProgress = pct
	s.UpdatedAt = time.Now()
}

// SetCrawlResults stores the discovered URLs.
func (s *ScanSession) SetCrawlResults(urls []string) {
	s.CrawlResults = urls
	s.UpdatedAt = time.Now()
}

// StartScan records the submitted active-scan job. The orchestrator only
// calls this once the crawl phase has reached 100.
func (s *ScanSession) StartScan(jobID string) {
	s.ScanJobID = &jobID
	s.ScanProgress = 0
	s.UpdatedAt = time.Now()
}

// SetScanProgress advances the active-scan progress with the same
// monotonicity rule as SetCrawlProgress.
func (s *ScanSession) SetScanProgress(pct int) {
	if pct != ProgressFailed && pct < s.ScanProgress {
		return
	}
	s.ScanProgress = pct
	s.UpdatedAt = time.Now()
}

// SetScanResults stores the aggregated findings. A failsafe re-fetch
// replaces the previous value wholesale, never appends.
func (s *ScanSession) SetScanResults(findings []Finding) {
	s.ScanResults = findings
	s.UpdatedAt = time.Now()
}

// FailCrawl marks the crawl phase as failed. Terminal.
func (s *ScanSession) FailCrawl(detail string) {
	s.CrawlProgress = ProgressFailed
	s.ErrorDetail = detail
	s.UpdatedAt = time.Now()
}

// FailScan marks the active-scan phase as failed. Terminal.
func (s *ScanSession) FailScan(detail string) {
	s.ScanProgress = ProgressFailed
	s.ErrorDetail = detail
	s.UpdatedAt = time.Now()
}

// IsTerminal reports whether the orchestrator takes no further action on
// this session.
func (s *ScanSession) IsTerminal() bool {
	return s.Phase().IsTerminal()
}
