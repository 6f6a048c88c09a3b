// Package alert delivers threshold-crossing events, cycle summaries and
// inventory change announcements to the configured sinks. Delivery is
// best-effort: a failing sink is logged and never fails the caller.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/etnwatch/etnwatch/internal/metrics"
)

// Event is one threshold-crossing node.
type Event struct {
	NodeID        string `json:"node_id"`
	NodeName      string `json:"node_name"`
	DaysRemaining int    `json:"days_remaining"`
	Status        string `json:"status"`   // warning | expired
	Severity      string `json:"severity"` // warning | high | critical
}

// Summary is the per-cycle status roll-up. Unreachable probes count under
// Error.
type Summary struct {
	Total   int `json:"total"`
	OK      int `json:"ok"`
	Warning int `json:"warning"`
	Expired int `json:"expired"`
	Error   int `json:"error"`
}

// NodeChange announces an inventory transition discovered during
// reconciliation.
type NodeChange struct {
	Type      string `json:"type"` // added | removed | reappeared
	NodeID    string `json:"node_id"`
	NodeName  string `json:"node_name"`
	IPAddress string `json:"ip_address"`
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	SendEvent(ctx context.Context, e Event) error
	SendSummary(ctx context.Context, s Summary) error
	SendNodeChange(ctx context.Context, c NodeChange) error
}

// SeverityFor maps a classification onto an alert tier: expired
// certificates are critical, a week or less is high, anything else inside
// the threshold is a plain warning.
func SeverityFor(status string, daysRemaining int) string {
	switch {
	case status == "expired":
		return "critical"
	case daysRemaining <= 7:
		return "high"
	default:
		return "warning"
	}
}

// Notifier fans out to all sinks, suppressing repeat node alerts for the
// same severity within a day.
type Notifier struct {
	sinks []Sink
	supp  Suppressor
	log   *zap.SugaredLogger
}

func NewNotifier(sinks []Sink, supp Suppressor, log *zap.SugaredLogger) *Notifier {
	if supp == nil {
		supp = NewMemorySuppressor(24 * time.Hour)
	}
	return &Notifier{sinks: sinks, supp: supp, log: log}
}

// AlertExpiring sends one event per threshold-crossing node. A node
// already alerted today at the same severity is skipped; escalation to a
// higher severity alerts again.
func (n *Notifier) AlertExpiring(ctx context.Context, events []Event) {
	for _, e := range events {
		key := e.NodeID + "|" + e.Severity + "|" + time.Now().UTC().Format("2006-01-02")
		if n.supp.Seen(key) {
			n.log.Debug("alert suppressed", "node", e.NodeID, "severity", e.Severity)
			continue
		}
		for _, s := range n.sinks {
			if err := s.SendEvent(ctx, e); err != nil {
				n.log.Warn("alert delivery failed", "sink", s.Name(), "node", e.NodeID, "err", err)
				continue
			}
			metrics.AlertsTotal.WithLabelValues(s.Name()).Inc()
		}
	}
}

// SendSummary delivers the cycle roll-up unconditionally.
func (n *Notifier) SendSummary(ctx context.Context, sum Summary) {
	for _, s := range n.sinks {
		if err := s.SendSummary(ctx, sum); err != nil {
			n.log.Warn("summary delivery failed", "sink", s.Name(), "err", err)
			continue
		}
		metrics.AlertsTotal.WithLabelValues(s.Name()).Inc()
	}
}

// AnnounceNodeChanges reports inventory adds/removes/reappearances.
func (n *Notifier) AnnounceNodeChanges(ctx context.Context, changes []NodeChange) {
	for _, c := range changes {
		for _, s := range n.sinks {
			if err := s.SendNodeChange(ctx, c); err != nil {
				n.log.Warn("node change delivery failed", "sink", s.Name(), "node", c.NodeID, "err", err)
			}
		}
	}
}
