package scansession

// Phase is the lifecycle stage of a session, derived from the persisted
// progress and job-id fields rather than stored explicitly. All readers
// (orchestrator, API, CLI) derive it through this one function so the
// predicate cannot drift between implementations.
type Phase string

const (
	PhaseNotStarted  Phase = "not_started"
	PhaseCrawling    Phase = "crawling"
	PhaseCrawlDone   Phase = "crawl_done"
	PhaseScanning    Phase = "scanning"
	PhaseScanDone    Phase = "scan_done"
	PhaseCrawlFailed Phase = "crawl_failed"
	PhaseScanFailed  Phase = "scan_failed"
)

// Phase derives the current phase from the session's stored fields.
//
// A session with scan progress 100 but no persisted results is still
// PhaseScanning: a crash between the progress write and the results write
// leaves exactly that shape, and the orchestrator's failsafe finishes the
// job on the next tick.
func (s *ScanSession) Phase() Phase {
	switch {
	case s.CrawlProgress == ProgressFailed:
		return PhaseCrawlFailed
	case s.ScanProgress == ProgressFailed:
		return PhaseScanFailed
	case s.CrawlJobID == nil:
		return PhaseNotStarted
	case s.CrawlProgress < 100:
		return PhaseCrawling
	case s.ScanJobID == nil:
		return PhaseCrawlDone
	case s.ScanProgress == 100 && len(s.ScanResults) > 0:
		return PhaseScanDone
	default:
		return PhaseScanning
	}
}

// IsTerminal reports whether the phase is final.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseScanDone, PhaseCrawlFailed, PhaseScanFailed:
		return true
	}
	return false
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}
