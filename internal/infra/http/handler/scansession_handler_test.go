package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteguard/api/internal/app"
	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/domain/shared"
	"github.com/siteguard/api/pkg/logger"
	"github.com/siteguard/api/pkg/validator"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*scansession.ScanSession
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*scansession.ScanSession)}
}

func (r *memRepo) Create(_ context.Context, s *scansession.ScanSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID.String()] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id shared.ID) (*scansession.ScanSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id.String()]
	if !ok {
		return nil, shared.NewDomainError("NOT_FOUND", "scan session not found", shared.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) GetByOwnerAndID(ctx context.Context, owner, id shared.ID) (*scansession.ScanSession, error) {
	s, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Owner.Equals(owner) {
		return nil, shared.NewDomainError("NOT_FOUND", "scan session not found", shared.ErrNotFound)
	}
	return s, nil
}

func (r *memRepo) GetByURL(_ context.Context, url string) (*scansession.ScanSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.URL == url {
			cp := *s
			return &cp, nil
		}
	}
	return nil, shared.NewDomainError("NOT_FOUND", "scan session not found", shared.ErrNotFound)
}

func (r *memRepo) ListByOwner(_ context.Context, owner shared.ID) ([]*scansession.ScanSession, error) {
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

func (r *memRepo) ListNonTerminal(_ context.Context) ([]*scansession.ScanSession, error) {
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

func (r *memRepo) Update(_ context.Context, s *scansession.ScanSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID.String()]; !ok {
		return shared.NewDomainError("NOT_FOUND", "scan session not found", shared.ErrNotFound)
	}
	cp := *s
	r.sessions[s.ID.String()] = &cp
	return nil
}

func (r *memRepo) Delete(_ context.Context, id shared.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id.String()]; !ok {
		return shared.NewDomainError("NOT_FOUND", "scan session not found", shared.ErrNotFound)
	}
	delete(r.sessions, id.String())
	return nil
}

func (r *memRepo) Stats(_ context.Context, owner shared.ID) (*scansession.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &scansession.Stats{}
	for _, s := range r.sessions {
		if !s.Owner.Equals(owner) {
			continue
		}
		stats.TotalScans++
		stats.TotalVulnerabilities += int64(len(s.ScanResults))
		if !s.IsTerminal() {
			stats.ActiveScans++
		}
		if s.CrawlProgress == scansession.ProgressFailed || s.ScanProgress == scansession.ProgressFailed {
			stats.FailedScans++
		}
	}
	return stats, nil
}

type stubScanner struct {
	checkErr error
	jobID    string
}

func (s *stubScanner) CheckTarget(context.Context, string) error { return s.checkErr }

func (s *stubScanner) SubmitCrawl(context.Context, string) (string, error) {
	return s.jobID, nil
}

func newTestRouter(t *testing.T, repo *memRepo) (chi.Router, *httptest.Server) {
	t.Helper()

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	svc := app.NewScanSessionService(repo, &stubScanner{jobID: "7"}, logger.NewNop())
	h := NewScanSessionHandler(svc, validator.New(), logger.NewNop())

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", h.StartScan)
			r.Get("/", h.ListScans)
			r.Get("/{id}", h.GetScan)
			r.Delete("/{id}", h.DeleteScan)
		})
		r.Get("/stats", h.Stats)
	})
	return r, target
}

func startScan(t *testing.T, router chi.Router, owner, url string) ScanSessionResponse {
	t.Helper()

	body, err := json.Marshal(StartScanRequest{URL: url, OwnerID: owner})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewReader(body))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp ScanSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStartScan(t *testing.T) {
	owner := shared.NewID().String()

	t.Run("creates session", func(t *testing.T) {
		router, target := newTestRouter(t, newMemRepo())

		resp := startScan(t, router, owner, target.URL)

		assert.NotEmpty(t, resp.ID)
		assert.Equal(t, owner, resp.OwnerID)
		assert.Equal(t, target.URL, resp.URL)
		assert.Equal(t, string(scansession.PhaseCrawling), resp.Phase)
		assert.Equal(t, 0, resp.CrawlProgress)
	})

	t.Run("rejects invalid body", func(t *testing.T) {
		router, _ := newTestRouter(t, newMemRepo())

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewReader([]byte("{not json")))
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects non-http target", func(t *testing.T) {
		router, _ := newTestRouter(t, newMemRepo())

		body, _ := json.Marshal(StartScanRequest{URL: "ftp://example.com", OwnerID: owner})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewReader(body))
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, rec.Body.String(), "url")
	})

	t.Run("rejects missing owner", func(t *testing.T) {
		router, target := newTestRouter(t, newMemRepo())

		body, _ := json.Marshal(StartScanRequest{URL: target.URL})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewReader(body))
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("conflict on duplicate target for same owner", func(t *testing.T) {
		router, target := newTestRouter(t, newMemRepo())

		startScan(t, router, owner, target.URL)

		body, _ := json.Marshal(StartScanRequest{URL: target.URL, OwnerID: owner})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewReader(body))
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestGetScan(t *testing.T) {
	owner := shared.NewID().String()

	t.Run("returns session with results", func(t *testing.T) {
		repo := newMemRepo()
		router, target := newTestRouter(t, repo)

		created := startScan(t, router, owner, target.URL)

		// Simulate the orchestrator finishing the scan.
		id := shared.MustIDFromString(created.ID)
		s, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		scanJob := "11"
		s.CrawlProgress = 100
		s.ScanJobID = &scanJob
		s.ScanProgress = 100
		s.ScanResults = []scansession.Finding{{Name: "X-Frame-Options Header Not Set", Risk: "Medium"}}
		require.NoError(t, repo.Update(context.Background(), s))

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/scans/%s?owner_id=%s", created.ID, owner), nil)
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp ScanSessionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, string(scansession.PhaseScanDone), resp.Phase)
		require.Len(t, resp.ScanResults, 1)
		assert.Equal(t, "X-Frame-Options Header Not Set", resp.ScanResults[0].Name)
	})

	t.Run("not found for other owner", func(t *testing.T) {
		router, target := newTestRouter(t, newMemRepo())

		created := startScan(t, router, owner, target.URL)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/scans/%s?owner_id=%s", created.ID, shared.NewID()), nil)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("requires owner_id", func(t *testing.T) {
		router, _ := newTestRouter(t, newMemRepo())

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/"+shared.NewID().String(), nil)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects malformed id", func(t *testing.T) {
		router, _ := newTestRouter(t, newMemRepo())

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/not-a-uuid?owner_id="+owner, nil)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListScans(t *testing.T) {
	owner := shared.NewID().String()
	router, target := newTestRouter(t, newMemRepo())

	startScan(t, router, owner, target.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans?owner_id="+owner, nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListResponse[ScanSessionResponse]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, target.URL, resp.Data[0].URL)
}

func TestDeleteScan(t *testing.T) {
	owner := shared.NewID().String()
	router, target := newTestRouter(t, newMemRepo())

	created := startScan(t, router, owner, target.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/scans/%s?owner_id=%s", created.ID, owner), nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/scans/%s?owner_id=%s", created.ID, owner), nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	owner := shared.NewID().String()
	router, target := newTestRouter(t, newMemRepo())

	startScan(t, router, owner, target.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats?owner_id="+owner, nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats scansession.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalScans)
	assert.Equal(t, int64(1), stats.ActiveScans)
	assert.Equal(t, int64(0), stats.FailedScans)
}
