package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/domain/shared"
)

// terminalCondition mirrors the phase derivation in the domain package: a
// session is terminal when either phase failed, or the scan reached 100
// with findings persisted. It must stay in sync with ScanSession.Phase.
const terminalCondition = `(
	crawl_progress = -1
	OR scan_progress = -1
	OR (scan_job_id IS NOT NULL AND scan_progress = 100 AND jsonb_array_length(scan_results) > 0)
)`

// ScanSessionRepository implements scansession.Repository using PostgreSQL.
type ScanSessionRepository struct {
	db *DB
}

// NewScanSessionRepository creates a new ScanSessionRepository.
func NewScanSessionRepository(db *DB) *ScanSessionRepository {
	return &ScanSessionRepository{db: db}
}

// Create persists a new scan session.
func (r *ScanSessionRepository) Create(ctx context.Context, s *scansession.ScanSession) error {
	crawlResults, err := toJSONB(r.crawlResultsOrEmpty(s))
	if err != nil {
		return fmt.Errorf("failed to marshal crawl_results: %w", err)
	}
	scanResults, err := toJSONB(r.scanResultsOrEmpty(s))
	if err != nil {
		return fmt.Errorf("failed to marshal scan_results: %w", err)
	}

	query := `
		INSERT INTO scan_sessions (
			id, owner_id, url,
			ip_address, web_server, auth_method,
			crawl_job_id, scan_job_id,
			crawl_progress, scan_progress,
			crawl_results, scan_results,
			error_detail,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.db.ExecContext(ctx, query,
		s.ID.String(),
		s.Owner.String(),
		s.URL,
		s.IPAddress,
		s.WebServer,
		s.AuthMethod,
		nullStringPtr(s.CrawlJobID),
		nullStringPtr(s.ScanJobID),
		s.CrawlProgress,
		s.ScanProgress,
		crawlResults,
		scanResults,
		s.ErrorDetail,
		s.CreatedAt,
		s.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return shared.NewDomainError("ALREADY_EXISTS", "scan session already exists for this url", shared.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create scan session: %w", err)
	}

	return nil
}

// GetByID retrieves a scan session by ID.
func (r *ScanSessionRepository) GetByID(ctx context.Context, id shared.ID) (*scansession.ScanSession, error) {
	query := selectQuery + " WHERE id = $1"
	row := r.db.QueryRowContext(ctx, query, id.String())
	return r.scanFromRow(row)
}

// GetByOwnerAndID retrieves a scan session scoped to its owner.
func (r *ScanSessionRepository) GetByOwnerAndID(ctx context.Context, owner, id shared.ID) (*scansession.ScanSession, error) {
	query := selectQuery + " WHERE owner_id = $1 AND id = $2"
	row := r.db.QueryRowContext(ctx, query, owner.String(), id.String())
	return r.scanFromRow(row)
}

// GetByURL retrieves the newest session for a URL regardless of owner.
func (r *ScanSessionRepository) GetByURL(ctx context.Context, url string) (*scansession.ScanSession, error) {
	query := selectQuery + " WHERE url = $1 ORDER BY created_at DESC LIMIT 1"
	row := r.db.QueryRowContext(ctx, query, url)
	return r.scanFromRow(row)
}

// ListByOwner lists all sessions belonging to an owner, newest first.
func (r *ScanSessionRepository) ListByOwner(ctx context.Context, owner shared.ID) ([]*scansession.ScanSession, error) {
	query := selectQuery + " WHERE owner_id = $1 ORDER BY created_at DESC"
	return r.list(ctx, query, owner.String())
}

// ListNonTerminal returns every session the orchestrator still has work on,
// oldest first so long-running sessions are never starved.
func (r *ScanSessionRepository) ListNonTerminal(ctx context.Context) ([]*scansession.ScanSession, error) {
	query := selectQuery + " WHERE NOT " + terminalCondition + " ORDER BY created_at ASC"
	return r.list(ctx, query)
}

// Update writes the full session row.
func (r *ScanSessionRepository) Update(ctx context.Context, s *scansession.ScanSession) error {
	crawlResults, err := toJSONB(r.crawlResultsOrEmpty(s))
	if err != nil {
		return fmt.Errorf("failed to marshal crawl_results: %w", err)
	}
	scanResults, err := toJSONB(r.scanResultsOrEmpty(s))
	if err != nil {
		return fmt.Errorf("failed to marshal scan_results: %w", err)
	}

	query := `
		UPDATE scan_sessions SET
			ip_address = $2,
			web_server = $3,
			auth_method = $4,
			crawl_job_id = $5,
			scan_job_id = $6,
			crawl_progress = $7,
			scan_progress = $8,
			crawl_results = $9,
			scan_results = $10,
			error_detail = $11,
			updated_at = $12
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		s.ID.String(),
		s.IPAddress,
		s.WebServer,
		s.AuthMethod,
		nullStringPtr(s.CrawlJobID),
		nullStringPtr(s.ScanJobID),
		s.CrawlProgress,
		s.ScanProgress,
		crawlResults,
		scanResults,
		s.ErrorDetail,
		s.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update scan session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return shared.NewDomainError("NOT_FOUND", "scan session not found", shared.ErrNotFound)
	}

	return nil
}

// Delete deletes a scan session by ID.
func (r *ScanSessionRepository) Delete(ctx context.Context, id shared.ID) error {
	query := "DELETE FROM scan_sessions WHERE id = $1"
	result, err := r.db.ExecContext(ctx, query, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete scan session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return shared.NewDomainError("NOT_FOUND", "scan session not found", shared.ErrNotFound)
	}

	return nil
}

// Stats returns dashboard counters for an owner.
func (r *ScanSessionRepository) Stats(ctx context.Context, owner shared.ID) (*scansession.Stats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(jsonb_array_length(scan_results)), 0) as total_vulnerabilities,
			COUNT(*) FILTER (WHERE NOT ` + terminalCondition + `) as active,
			COUNT(*) FILTER (WHERE crawl_progress = -1 OR scan_progress = -1) as failed
		FROM scan_sessions
		WHERE owner_id = $1
	`

	stats := &scansession.Stats{}
	err := r.db.QueryRowContext(ctx, query, owner.String()).Scan(
		&stats.TotalScans,
		&stats.TotalVulnerabilities,
		&stats.ActiveScans,
		&stats.FailedScans,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return stats, nil
}

// Helper methods

const selectQuery = `
	SELECT
		id, owner_id, url,
		ip_address, web_server, auth_method,
		crawl_job_id, scan_job_id,
		crawl_progress, scan_progress,
		crawl_results, scan_results,
		error_detail,
		created_at, updated_at
	FROM scan_sessions
`

func (r *ScanSessionRepository) list(ctx context.Context, query string, args ...any) ([]*scansession.ScanSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*scansession.ScanSession
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ScanSessionRepository) scanFromRow(row *sql.Row) (*scansession.ScanSession, error) {
	s, err := r.scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.NewDomainError("NOT_FOUND", "scan session not found", shared.ErrNotFound)
	}
	return s, err
}

func (r *ScanSessionRepository) scanSession(row rowScanner) (*scansession.ScanSession, error) {
	s := &scansession.ScanSession{}
	var (
		id, ownerID               string
		crawlJobID, scanJobID     sql.NullString
		crawlResults, scanResults []byte
	)

	err := row.Scan(
		&id, &ownerID, &s.URL,
		&s.IPAddress, &s.WebServer, &s.AuthMethod,
		&crawlJobID, &scanJobID,
		&s.CrawlProgress, &s.ScanProgress,
		&crawlResults, &scanResults,
		&s.ErrorDetail,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ID = shared.MustIDFromString(id)
	s.Owner = shared.MustIDFromString(ownerID)
	s.CrawlJobID = stringPtrValue(crawlJobID)
	s.ScanJobID = stringPtrValue(scanJobID)

	s.CrawlResults = []string{}
	if err := fromJSONB(crawlResults, &s.CrawlResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal crawl_results: %w", err)
	}
	s.ScanResults = []scansession.Finding{}
	if err := fromJSONB(scanResults, &s.ScanResults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scan_results: %w", err)
	}

	return s, nil
}

// crawlResultsOrEmpty keeps the JSONB column a JSON array even before the
// crawl produces anything; jsonb_array_length chokes on NULL.
func (r *ScanSessionRepository) crawlResultsOrEmpty(s *scansession.ScanSession) []string {
	if s.CrawlResults == nil {
		return []string{}
	}
	return s.CrawlResults
}

func (r *ScanSessionRepository) scanResultsOrEmpty(s *scansession.ScanSession) []scansession.Finding {
	if s.ScanResults == nil {
		return []scansession.Finding{}
	}
	return s.ScanResults
}

// Ensure implementation
var _ scansession.Repository = (*ScanSessionRepository)(nil)
