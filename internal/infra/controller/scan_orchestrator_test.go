package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/domain/shared"
	"github.com/siteguard/api/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewNop()
}

// fakeRepo is an in-memory scansession.Repository.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*scansession.ScanSession
	updates  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*scansession.ScanSession)}
}

func (r *fakeRepo) put(s *scansession.ScanSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID.String()] = &cp
}

func (r *fakeRepo) get(id shared.ID) *scansession.ScanSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.sessions[id.String()]
	return &cp
}

func (r *fakeRepo) Create(_ context.Context, s *scansession.ScanSession) error {
	r.put(s)
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id shared.ID) (*scansession.ScanSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id.String()]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) GetByOwnerAndID(ctx context.Context, _, id shared.ID) (*scansession.ScanSession, error) {
	return r.GetByID(ctx, id)
}

func (r *fakeRepo) GetByURL(_ context.Context, url string) (*scansession.ScanSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.URL == url {
			cp := *s
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *fakeRepo) ListByOwner(_ context.Context, owner shared.ID) ([]*scansession.ScanSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*scansession.ScanSession
	for _, s := range r.sessions {
		if s.Owner.Equals(owner) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListNonTerminal(_ context.Context) ([]*scansession.ScanSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*scansession.ScanSession
	for _, s := range r.sessions {
		if !s.IsTerminal() {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) Update(_ context.Context, s *scansession.ScanSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID.String()]; !ok {
		return shared.ErrNotFound
	}
	cp := *s
	r.sessions[s.ID.String()] = &cp
	r.updates++
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id shared.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id.String())
	return nil
}

func (r *fakeRepo) Stats(_ context.Context, _ shared.ID) (*scansession.Stats, error) {
	return &scansession.Stats{}, nil
}

// fakeScanner scripts the external scanner's responses.
type fakeScanner struct {
	mu sync.Mutex

	crawlStatuses []int // consumed per CrawlStatus call
	crawlResults  []string
	crawlErr      error

	submitJobID string
	submitErr   error
	submits     int

	scanStatuses []int
	scanErr      error

	alerts       []scansession.RawFinding
	alertsErr    error
	alertFetches int

	resultFetches int
}

func (f *fakeScanner) CrawlStatus(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.crawlErr != nil {
		return 0, f.crawlErr
	}
	if len(f.crawlStatuses) == 0 {
		return 100, nil
	}
	pct := f.crawlStatuses[0]
	f.crawlStatuses = f.crawlStatuses[1:]
	return pct, nil
}

func (f *fakeScanner) CrawlResults(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultFetches++
	return f.crawlResults, nil
}

func (f *fakeScanner) SubmitScan(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitJobID, nil
}

func (f *fakeScanner) ScanStatus(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return 0, f.scanErr
	}
	if len(f.scanStatuses) == 0 {
		return 100, nil
	}
	pct := f.scanStatuses[0]
	f.scanStatuses = f.scanStatuses[1:]
	return pct, nil
}

func (f *fakeScanner) Alerts(_ context.Context, _ string) ([]scansession.RawFinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertFetches++
	if f.alertsErr != nil {
		return nil, f.alertsErr
	}
	return f.alerts, nil
}

// passthroughAggregator folds raw findings into findings without enrichment.
type passthroughAggregator struct{}

func (passthroughAggregator) Aggregate(_ context.Context, raw []scansession.RawFinding) []scansession.Finding {
	var out []scansession.Finding
	seen := map[string]int{}
	for _, r := range raw {
		if i, ok := seen[r.Name]; ok {
			out[i].URLs = append(out[i].URLs, r.URL)
			continue
		}
		seen[r.Name] = len(out)
		out = append(out, scansession.Finding{
			Name:        r.Name,
			URLs:        []string{r.URL},
			Risk:        r.Risk,
			Description: r.Description,
		})
	}
	return out
}

type notifyRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (n *notifyRecorder) SessionFinished(_ context.Context, s *scansession.ScanSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, s.ID.String())
}

func newCrawlingSession(t *testing.T, url string) *scansession.ScanSession {
	t.Helper()
	s, err := scansession.NewScanSession(shared.NewID(), url)
	require.NoError(t, err)
	s.StartCrawl("1")
	return s
}

func newOrchestrator(repo scansession.Repository, sc Scanner, n Notifier) *ScanOrchestrator {
	return NewScanOrchestrator(&ScanOrchestratorConfig{
		Repository: repo,
		Scanner:    sc,
		Aggregator: passthroughAggregator{},
		Notifier:   n,
		Interval:   time.Second,
	})
}

func TestScanOrchestratorCrawlPhase(t *testing.T) {
	t.Run("polls crawl and persists progress", func(t *testing.T) {
		repo := newFakeRepo()
		scanner := &fakeScanner{crawlStatuses: []int{40, 80, 100}, crawlResults: []string{"https://a.example/login"}}
		o := newOrchestrator(repo, scanner, nil)

		s := newCrawlingSession(t, "https://a.example")
		repo.put(s)

		// Tick 1: 40.
		_, err := o.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 40, repo.get(s.ID).CrawlProgress)
		assert.Equal(t, 0, scanner.resultFetches)

		// Tick 2: 80.
		_, err = o.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 80, repo.get(s.ID).CrawlProgress)

		// Tick 3: 100, results fetched once, scan NOT yet submitted.
		_, err = o.Reconcile(context.Background())
		require.NoError(t, err)
		got := repo.get(s.ID)
		assert.Equal(t, 100, got.CrawlProgress)
		assert.Equal(t, []string{"https://a.example/login"}, got.CrawlResults)
		assert.Equal(t, 1, scanner.resultFetches)
		assert.Nil(t, got.ScanJobID, "scan submission waits for the next tick")
		assert.Equal(t, scansession.PhaseCrawlDone, got.Phase())

		// Tick 4: scan submitted.
		scanner.submitJobID = "7"
		_, err = o.Reconcile(context.Background())
		require.NoError(t, err)
		got = repo.get(s.ID)
		require.NotNil(t, got.ScanJobID)
		assert.Equal(t, "7", *got.ScanJobID)
		assert.Equal(t, 0, got.ScanProgress)
		assert.Equal(t, 1, scanner.submits)
	})

	t.Run("poll failure defers to the next tick", func(t *testing.T) {
		repo := newFakeRepo()
		scanner := &fakeScanner{crawlErr: errors.New("scanner down")}
		o := newOrchestrator(repo, scanner, nil)

		s := newCrawlingSession(t, "https://a.example")
		s.SetCrawlProgress(40)
		repo.put(s)

		_, err := o.Reconcile(context.Background())
		require.NoError(t, err, "per-session errors never fail the tick")

		got := repo.get(s.ID)
		assert.Equal(t, 40, got.CrawlProgress, "progress untouched")
		assert.Equal(t, scansession.PhaseCrawling, got.Phase())
	})
}

func TestScanOrchestratorScanPhase(t *testing.T) {
	t.Run("submission failure is terminal", func(t *testing.T) {
		repo := newFakeRepo()
		scanner := &fakeScanner{submitErr: errors.New("URL_NOT_FOUND")}
		o := newOrchestrator(repo, scanner, nil)

		s := newCrawlingSession(t, "https://a.example")
		s.SetCrawlProgress(100)
		s.SetCrawlResults([]string{"https://a.example"})
		repo.put(s)

		_, err := o.Reconcile(context.Background())
		require.NoError(t, err)

		got := repo.get(s.ID)
		assert.Equal(t, scansession.PhaseScanFailed, got.Phase())
		assert.Equal(t, scansession.ProgressFailed, got.ScanProgress)
		assert.Contains(t, got.ErrorDetail, "URL_NOT_FOUND")

		// Terminal: later ticks leave it alone.
		_, err = o.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, scanner.submits)
	})

	t.Run("scan completion aggregates and persists findings", func(t *testing.T) {
		repo := newFakeRepo()
		scanner := &fakeScanner{
			scanStatuses: []int{100},
			alerts: []scansession.RawFinding{
				{Name: "SQL Injection", URL: "/a", Risk: "High"},
				{Name: "SQL Injection", URL: "/b", Risk: "High"},
			},
		}
		notifier := &notifyRecorder{}
		o := newOrchestrator(repo, scanner, notifier)

		s := newCrawlingSession(t, "https://a.example")
		s.SetCrawlProgress(100)
		s.StartScan("7")
		repo.put(s)

		_, err := o.Reconcile(context.Background())
		require.NoError(t, err)

		got := repo.get(s.ID)
		assert.Equal(t, scansession.PhaseScanDone, got.Phase())
		require.Len(t, got.ScanResults, 1)
		assert.Equal(t, "SQL Injection", got.ScanResults[0].Name)
		assert.Equal(t, []string{"/a", "/b"}, got.ScanResults[0].URLs)
		assert.Equal(t, []string{s.ID.String()}, notifier.calls)
	})
}

func TestScanOrchestratorFailsafe(t *testing.T) {
	t.Run("refetches results after a crash between writes", func(t *testing.T) {
		repo := newFakeRepo()
		scanner := &fakeScanner{
			alerts: []scansession.RawFinding{{Name: "XSS", URL: "/x", Risk: "Medium"}},
		}
		o := newOrchestrator(repo, scanner, nil)

		// Progress persisted, results lost.
		s := newCrawlingSession(t, "https://a.example")
		s.SetCrawlProgress(100)
		s.StartScan("7")
		s.SetScanProgress(100)
		repo.put(s)

		_, err := o.Reconcile(context.Background())
		require.NoError(t, err)

		got := repo.get(s.ID)
		assert.Equal(t, scansession.PhaseScanDone, got.Phase())
		require.Len(t, got.ScanResults, 1)
		assert.Equal(t, "XSS", got.ScanResults[0].Name)
		assert.Equal(t, 0, scanner.submits, "failsafe never resubmits the scan")
		assert.Equal(t, 1, scanner.alertFetches)
	})

	t.Run("failsafe is idempotent", func(t *testing.T) {
		repo := newFakeRepo()
		scanner := &fakeScanner{
			alerts: []scansession.RawFinding{{Name: "XSS", URL: "/x"}},
		}
		o := newOrchestrator(repo, scanner, nil)

		s := newCrawlingSession(t, "https://a.example")
		s.SetCrawlProgress(100)
		s.StartScan("7")
		s.SetScanProgress(100)
		repo.put(s)

		_, err := o.Reconcile(context.Background())
		require.NoError(t, err)
		first := repo.get(s.ID).ScanResults

		// Simulate a second recovery pass over the same stored shape.
		again := repo.get(s.ID)
		again.SetScanResults(nil)
		repo.put(again)

		_, err = o.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, first, repo.get(s.ID).ScanResults)
	})
}

func TestScanOrchestratorErrorIsolation(t *testing.T) {
	repo := newFakeRepo()

	// First session's polls fail, second session's succeed.
	bad := newCrawlingSession(t, "https://bad.example")
	repo.put(bad)

	good := newCrawlingSession(t, "https://good.example")
	good.SetCrawlProgress(100)
	good.StartScan("7")
	good.SetScanProgress(100)
	repo.put(good)

	scanner := &fakeScanner{
		crawlErr: errors.New("boom"),
		alerts:   []scansession.RawFinding{{Name: "XSS", URL: "/x"}},
	}
	o := newOrchestrator(repo, scanner, nil)

	_, err := o.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, scansession.PhaseCrawling, repo.get(bad.ID).Phase())
	assert.Equal(t, scansession.PhaseScanDone, repo.get(good.ID).Phase())
}

func TestManagerLifecycle(t *testing.T) {
	// countingController ticks fast and counts reconciles.
	repo := newFakeRepo()
	scanner := &fakeScanner{}
	o := NewScanOrchestrator(&ScanOrchestratorConfig{
		Repository: repo,
		Scanner:    scanner,
		Aggregator: passthroughAggregator{},
		Interval:   10 * time.Millisecond,
	})

	m := NewManager(&ManagerConfig{Logger: testLogger()})
	m.Register(o)

	assert.Equal(t, 1, m.ControllerCount())
	assert.Equal(t, []string{"scan-orchestrator"}, m.ControllerNames())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(ctx), "double start rejected")

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Stop(), "stop is idempotent")
}
