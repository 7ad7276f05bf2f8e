package notify

import (
	"context"
	"log/slog"
)

// LogSink writes notifications to the logger. Used when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("sink", "log"))}
}

func (s *LogSink) Notify(ctx context.Context, n Notification) error {
	recipients := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		recipients = append(recipients, string(r.Type)+":"+r.ID)
	}
	s.logger.InfoContext(ctx, "notification",
		slog.String("event", n.Event),
		slog.String("invoice_id", n.InvoiceID),
		slog.Any("recipients", recipients),
		slog.Any("data", n.Data),
	)
	return nil
}
