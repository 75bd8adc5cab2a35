package scansession

import (
	"context"

	"github.com/siteguard/api/pkg/domain/shared"
)

// Repository defines the interface for scan session persistence.
type Repository interface {
	// Create persists a new scan session.
	Create(ctx context.Context, session *ScanSession) error

	// GetByID retrieves a scan session by ID.
	GetByID(ctx context.Context, id shared.ID) (*ScanSession, error)

	// GetByOwnerAndID retrieves a scan session scoped to its owner.
	GetByOwnerAndID(ctx context.Context, owner, id shared.ID) (*ScanSession, error)

	// GetByURL retrieves any user's session for a URL, or ErrNotFound.
	// Used by the web API to copy completed scan data instead of
	// re-scanning the same target.
	GetByURL(ctx context.Context, url string) (*ScanSession, error)

	// ListByOwner lists all sessions belonging to an owner, newest first.
	ListByOwner(ctx context.Context, owner shared.ID) ([]*ScanSession, error)

	// ListNonTerminal returns every session not yet in a terminal state.
	// This is the orchestrator's work queue each tick.
	ListNonTerminal(ctx context.Context) ([]*ScanSession, error)

	// Update writes the full session row. Atomic per session: concurrent
	// readers never observe a torn write.
	Update(ctx context.Context, session *ScanSession) error

	// Delete removes a scan session by ID.
	Delete(ctx context.Context, id shared.ID) error

	// Stats returns dashboard counters for an owner.
	Stats(ctx context.Context, owner shared.ID) (*Stats, error)
}

// Stats represents per-owner scan statistics for the dashboard.
type Stats struct {
	TotalScans           int64 `json:"total_scans"`
	TotalVulnerabilities int64 `json:"total_vulnerabilities"`
	ActiveScans          int64 `json:"active_scans"`
	FailedScans          int64 `json:"failed_scans"`
}
