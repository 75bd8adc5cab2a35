package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/siteguard/api/internal/metrics"
	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/domain/shared"
	"github.com/siteguard/api/pkg/logger"
)

// TargetScanner is the slice of the scanner client the scan-session service
// needs to start a crawl.
type TargetScanner interface {
	CheckTarget(ctx context.Context, target string) error
	SubmitCrawl(ctx context.Context, target string) (string, error)
}

// ScanSessionService handles scan session use cases for the web API. The
// orchestrator takes over a session once it exists; this service only
// creates, reads, and deletes them.
type ScanSessionService struct {
	repo    scansession.Repository
	scanner TargetScanner
	probe   *http.Client
	logger  *logger.Logger
}

// NewScanSessionService creates a new ScanSessionService.
func NewScanSessionService(repo scansession.Repository, scanner TargetScanner, log *logger.Logger) *ScanSessionService {
	if log == nil {
		log = logger.NewNop()
	}
	return &ScanSessionService{
		repo:    repo,
		scanner: scanner,
		probe:   &http.Client{Timeout: 10 * time.Second},
		logger:  log,
	}
}

// StartScan creates a scan session for a target URL.
//
// If any user already has a session for the same URL, its data is copied
// into a fresh session for this owner instead of burning another scanner
// job on an identical target; the same owner asking twice is a conflict.
// Otherwise the target is probed, the crawl is submitted, and a new session
// is persisted with the crawl in flight.
func (s *ScanSessionService) StartScan(ctx context.Context, owner shared.ID, target string) (*scansession.ScanSession, error) {
	existing, err := s.repo.GetByURL(ctx, target)
	switch {
	case err == nil:
		if existing.Owner.Equals(owner) {
			return nil, shared.NewDomainError("ALREADY_EXISTS", "a scan for this url already exists", shared.ErrAlreadyExists)
		}
		return s.copySession(ctx, owner, existing)
	case shared.IsNotFound(err):
		// New target, full scan below.
	default:
		return nil, fmt.Errorf("look up existing scan: %w", err)
	}

	if err := s.scanner.CheckTarget(ctx, target); err != nil {
		return nil, shared.NewDomainError("INVALID_INPUT", fmt.Sprintf("target is not reachable: %v", err), shared.ErrInvalidInput)
	}

	session, err := scansession.NewScanSession(owner, target)
	if err != nil {
		return nil, err
	}

	ip, server, authMethod := s.probeTarget(ctx, target)
	session.SetTargetMetadata(ip, server, authMethod)

	jobID, err := s.scanner.SubmitCrawl(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("submit crawl: %w", err)
	}
	session.StartCrawl(jobID)

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, err
	}

	metrics.ScansSubmitted.Inc()
	s.logger.Info("scan session created",
		"session_id", session.ID.String(),
		"owner", owner.String(),
		"url", target,
		"crawl_job_id", jobID,
	)
	return session, nil
}

// copySession clones another owner's session data into a new session for
// this owner. Job ids are carried over too: if the source scan is still
// running, the orchestrator advances both sessions off the same jobs.
func (s *ScanSessionService) copySession(ctx context.Context, owner shared.ID, src *scansession.ScanSession) (*scansession.ScanSession, error) {
	session, err := scansession.NewScanSession(owner, src.URL)
	if err != nil {
		return nil, err
	}

	session.SetTargetMetadata(src.IPAddress, src.WebServer, src.AuthMethod)
	session.CrawlJobID = src.CrawlJobID
	session.ScanJobID = src.ScanJobID
	session.CrawlProgress = src.CrawlProgress
	session.ScanProgress = src.ScanProgress
	session.CrawlResults = src.CrawlResults
	session.ScanResults = src.ScanResults
	session.ErrorDetail = src.ErrorDetail

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, err
	}

	metrics.ScansSubmitted.Inc()
	s.logger.Info("scan session copied from existing scan",
		"session_id", session.ID.String(),
		"source_id", src.ID.String(),
		"owner", owner.String(),
		"url", src.URL,
	)
	return session, nil
}

// Get returns one session scoped to its owner.
func (s *ScanSessionService) Get(ctx context.Context, owner, id shared.ID) (*scansession.ScanSession, error) {
	return s.repo.GetByOwnerAndID(ctx, owner, id)
}

// List returns all sessions for an owner, newest first.
func (s *ScanSessionService) List(ctx context.Context, owner shared.ID) ([]*scansession.ScanSession, error) {
	return s.repo.ListByOwner(ctx, owner)
}

// Delete removes a session scoped to its owner.
func (s *ScanSessionService) Delete(ctx context.Context, owner, id shared.ID) error {
	if _, err := s.repo.GetByOwnerAndID(ctx, owner, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// Stats returns dashboard counters for an owner.
func (s *ScanSessionService) Stats(ctx context.Context, owner shared.ID) (*scansession.Stats, error) {
	return s.repo.Stats(ctx, owner)
}

// probeTarget captures what can be learned about the target from one GET
// and a DNS lookup. All failures degrade to empty fields: metadata is
// decorative and must never block a scan.
func (s *ScanSessionService) probeTarget(ctx context.Context, target string) (ip, server, authMethod string) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", ""
	}

	if host := u.Hostname(); host != "" {
		if addrs, err := net.DefaultResolver.LookupHost(ctx, host); err == nil && len(addrs) > 0 {
			ip = addrs[0]
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ip, "", ""
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return ip, "", ""
	}
	defer resp.Body.Close()

	server = resp.Header.Get("Server")
	if challenge := resp.Header.Get("WWW-Authenticate"); challenge != "" {
		authMethod = strings.Fields(challenge)[0]
	}
	return ip, server, authMethod
}
