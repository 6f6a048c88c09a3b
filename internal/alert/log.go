package alert

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes alerts to the service log. Always configured, so
// threshold crossings are visible even with no external channel set up.
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{log: log}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) SendEvent(_ context.Context, e Event) error {
	l.log.Warn("certificate alert",
		"node_id", e.NodeID,
		"node_name", e.NodeName,
		"days_remaining", e.DaysRemaining,
		"status", e.Status,
		"severity", e.Severity,
	)
	return nil
}

func (l *LogSink) SendSummary(_ context.Context, s Summary) error {
	l.log.Info("cycle summary",
		"total", s.Total,
		"ok", s.OK,
		"warning", s.Warning,
		"expired", s.Expired,
		"error", s.Error,
	)
	return nil
}

func (l *LogSink) SendNodeChange(_ context.Context, c NodeChange) error {
	l.log.Info("node inventory change",
		"type", c.Type,
		"node_id", c.NodeID,
		"node_name", c.NodeName,
		"ip", c.IPAddress,
	)
	return nil
}
