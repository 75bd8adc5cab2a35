package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/siteguard/api/internal/metrics"
	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/logger"
)

// Scanner is the slice of the external scanner client the orchestrator
// drives sessions with.
type Scanner interface {
	CrawlStatus(ctx context.Context, jobID string) (int, error)
	CrawlResults(ctx context.Context, jobID string) ([]string, error)
	SubmitScan(ctx context.Context, target string) (string, error)
	ScanStatus(ctx context.Context, jobID string) (int, error)
	Alerts(ctx context.Context, baseURL string) ([]scansession.RawFinding, error)
}

// Aggregator deduplicates and enriches raw scanner alerts.
type Aggregator interface {
	Aggregate(ctx context.Context, raw []scansession.RawFinding) []scansession.Finding
}

// Notifier is told when a session reaches a terminal state. Implementations
// must not fail the session: errors are theirs to log.
type Notifier interface {
	SessionFinished(ctx context.Context, s *scansession.ScanSession)
}

// ScanOrchestrator advances every non-terminal scan session through the
// crawl and active-scan phases, one pass per tick. Sessions are processed
// sequentially in store order; one session's failure never stops the rest
// of the tick.
type ScanOrchestrator struct {
	repo       scansession.Repository
	scanner    Scanner
	aggregator Aggregator
	notifier   Notifier
	logger     *logger.Logger
	interval   time.Duration
	timeout    time.Duration
}

// ScanOrchestratorConfig configures the ScanOrchestrator.
type ScanOrchestratorConfig struct {
	Repository scansession.Repository
	Scanner    Scanner
	Aggregator Aggregator

	// Notifier is optional.
	Notifier Notifier

	// Interval between ticks. Default: 10s.
	Interval time.Duration

	// Timeout for one full tick. Zero means the interval.
	Timeout time.Duration

	Logger *logger.Logger
}

// NewScanOrchestrator creates a new ScanOrchestrator.
func NewScanOrchestrator(cfg *ScanOrchestratorConfig) *ScanOrchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}

	return &ScanOrchestrator{
		repo:       cfg.Repository,
		scanner:    cfg.Scanner,
		aggregator: cfg.Aggregator,
		notifier:   cfg.Notifier,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		timeout:    cfg.Timeout,
	}
}

// Name returns the controller name.
func (o *ScanOrchestrator) Name() string {
	return "scan-orchestrator"
}

// Interval returns how often the orchestrator ticks.
func (o *ScanOrchestrator) Interval() time.Duration {
	return o.interval
}

// Timeout returns the per-tick deadline.
func (o *ScanOrchestrator) Timeout() time.Duration {
	return o.timeout
}

// Reconcile runs one tick: load every non-terminal session and advance each
// one as far as its current phase allows. Returns the number of sessions
// that made progress.
func (o *ScanOrchestrator) Reconcile(ctx context.Context) (int, error) {
	sessions, err := o.repo.ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	advanced := 0
	for _, s := range sessions {
		if ctx.Err() != nil {
			return advanced, ctx.Err()
		}

		changed, err := o.advance(ctx, s)
		if err != nil {
			// Isolated: the next session still gets its turn.
			o.logger.Error("session advance failed",
				"session_id", s.ID.String(),
				"url", s.URL,
				"phase", s.Phase().String(),
				"error", err,
			)
			continue
		}
		if changed {
			advanced++
		}
	}

	return advanced, nil
}

// advance runs at most one phase step per tick, plus the failsafe. Keeping
// each step on its own tick means a freshly finished crawl settles in the
// store before the scan is submitted, and gives the scanner breathing room
// between phases.
func (o *ScanOrchestrator) advance(ctx context.Context, s *scansession.ScanSession) (bool, error) {
	changed := false

	switch {
	// Crawl in flight.
	case s.CrawlJobID != nil && s.CrawlProgress != scansession.ProgressFailed && s.CrawlProgress < 100:
		if err := o.pollCrawl(ctx, s); err != nil {
			return changed, err
		}
		changed = true

	// Crawl finished, scan not yet submitted.
	case s.CrawlProgress == 100 && s.ScanJobID == nil:
		if err := o.submitScan(ctx, s); err != nil {
			return changed, err
		}
		changed = true

	// Scan in flight.
	case s.ScanJobID != nil && s.ScanProgress != scansession.ProgressFailed && s.ScanProgress < 100:
		if err := o.pollScan(ctx, s); err != nil {
			return changed, err
		}
		changed = true
	}

	// Failsafe: progress hit 100 but findings never landed, which happens
	// when a crash splits the progress write from the results write.
	// Refetching is safe: aggregation is deterministic and results are
	// replaced wholesale.
	if s.ScanProgress == 100 && len(s.ScanResults) == 0 {
		o.logger.Warn("scan complete but results missing, refetching",
			"session_id", s.ID.String(),
			"url", s.URL,
		)
		if err := o.collectResults(ctx, s); err != nil {
			return changed, err
		}
		changed = true
	}

	if changed && s.IsTerminal() {
		phase := s.Phase().String()
		o.logger.Info("session reached terminal state",
			"session_id", s.ID.String(),
			"url", s.URL,
			"phase", phase,
			"findings", len(s.ScanResults),
		)
		metrics.ScansFinished.WithLabelValues(phase).Inc()
		metrics.ScanSessionDuration.WithLabelValues(phase).Observe(time.Since(s.CreatedAt).Seconds())
		for _, f := range s.ScanResults {
			metrics.FindingsDiscovered.WithLabelValues(f.Risk).Inc()
		}
		if o.notifier != nil {
			o.notifier.SessionFinished(ctx, s)
		}
	}

	return changed, nil
}

func (o *ScanOrchestrator) pollCrawl(ctx context.Context, s *scansession.ScanSession) error {
	pct, err := o.scanner.CrawlStatus(ctx, *s.CrawlJobID)
	if err != nil {
		// Transient: the next tick polls again.
		return fmt.Errorf("poll crawl status: %w", err)
	}

	s.SetCrawlProgress(pct)

	if s.CrawlProgress == 100 {
		urls, err := o.scanner.CrawlResults(ctx, *s.CrawlJobID)
		if err != nil {
			return fmt.Errorf("fetch crawl results: %w", err)
		}
		s.SetCrawlResults(urls)
		o.logger.Info("crawl finished",
			"session_id", s.ID.String(),
			"url", s.URL,
			"urls_found", len(urls),
		)
	}

	return o.repo.Update(ctx, s)
}

// submitScan starts the active-scan phase. Submission failure is terminal
// for the session: the scanner already rejected this target after its own
// retries, so backing off and resubmitting forever would never converge.
func (o *ScanOrchestrator) submitScan(ctx context.Context, s *scansession.ScanSession) error {
	jobID, err := o.scanner.SubmitScan(ctx, s.URL)
	if err != nil {
		o.logger.Error("scan submission failed",
			"session_id", s.ID.String(),
			"url", s.URL,
			"error", err,
		)
		s.FailScan(fmt.Sprintf("scan submission failed: %v", err))
		return o.repo.Update(ctx, s)
	}

	s.StartScan(jobID)
	o.logger.Info("active scan submitted",
		"session_id", s.ID.String(),
		"url", s.URL,
		"job_id", jobID,
	)
	return o.repo.Update(ctx, s)
}

func (o *ScanOrchestrator) pollScan(ctx context.Context, s *scansession.ScanSession) error {
	pct, err := o.scanner.ScanStatus(ctx, *s.ScanJobID)
	if err != nil {
		return fmt.Errorf("poll scan status: %w", err)
	}

	s.SetScanProgress(pct)

	if s.ScanProgress == 100 {
		return o.collectResults(ctx, s)
	}

	return o.repo.Update(ctx, s)
}

// collectResults fetches the raw alerts, aggregates them, and persists the
// findings. Shared by the normal completion path and the failsafe.
func (o *ScanOrchestrator) collectResults(ctx context.Context, s *scansession.ScanSession) error {
	raw, err := o.scanner.Alerts(ctx, s.URL)
	if err != nil {
		return fmt.Errorf("fetch alerts: %w", err)
	}

	findings := o.aggregator.Aggregate(ctx, raw)
	s.SetScanResults(findings)

	o.logger.Info("scan results persisted",
		"session_id", s.ID.String(),
		"url", s.URL,
		"raw_alerts", len(raw),
		"findings", len(findings),
	)
	return o.repo.Update(ctx, s)
}

var (
	_ Controller        = (*ScanOrchestrator)(nil)
	_ TimeoutController = (*ScanOrchestrator)(nil)
)
