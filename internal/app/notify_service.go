package app

import (
	"context"
	"fmt"

	"github.com/siteguard/api/pkg/domain/scansession"
	"github.com/siteguard/api/pkg/logger"
	"github.com/siteguard/api/pkg/mailrelay"
)

// ScanNotifier sends a mail-relay notice when a scan session finishes.
// Delivery failures are logged and swallowed: notification is best-effort
// and must never influence session state.
type ScanNotifier struct {
	sender    mailrelay.Sender
	recipient string
	logger    *logger.Logger
}

// NewScanNotifier creates a ScanNotifier. The recipient is the deployment's
// configured notification address.
func NewScanNotifier(sender mailrelay.Sender, recipient string, log *logger.Logger) *ScanNotifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &ScanNotifier{sender: sender, recipient: recipient, logger: log}
}

// SessionFinished notifies about a session that reached a terminal state.
func (n *ScanNotifier) SessionFinished(ctx context.Context, s *scansession.ScanSession) {
	if n.sender == nil || !n.sender.IsConfigured() || n.recipient == "" {
		return
	}

	msg := &mailrelay.Message{
		To:      n.recipient,
		Subject: fmt.Sprintf("Scan %s: %s", verdict(s), s.URL),
		Text:    n.body(s),
	}

	if err := n.sender.Send(ctx, msg); err != nil {
		n.logger.Warn("scan notification failed",
			"session_id", s.ID.String(),
			"recipient", n.recipient,
			"error", err,
		)
		return
	}

	n.logger.Info("scan notification sent",
		"session_id", s.ID.String(),
		"phase", s.Phase().String(),
	)
}

func (n *ScanNotifier) body(s *scansession.ScanSession) string {
	switch s.Phase() {
	case scansession.PhaseScanDone:
		return fmt.Sprintf(
			"The scan of %s finished with %d distinct finding(s) across %d crawled URL(s).",
			s.URL, len(s.ScanResults), len(s.CrawlResults),
		)
	default:
		return fmt.Sprintf("The scan of %s failed: %s", s.URL, s.ErrorDetail)
	}
}

func verdict(s *scansession.ScanSession) string {
	if s.Phase() == scansession.PhaseScanDone {
		return "complete"
	}
	return "failed"
}
