package email

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogSender writes emails to the logger instead of delivering them.
// Used in development when no SMTP or SES credentials are configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("sender", "log"))}
}

func (s *LogSender) Send(ctx context.Context, email *Email) (string, error) {
	if len(email.To) == 0 {
		return "", ErrNoRecipient
	}
	id := "log-" + uuid.NewString()
	s.logger.Info("email not delivered (log sender)",
		slog.Any("to", email.To),
		slog.String("subject", email.Subject),
		slog.String("message_id", id),
		slog.String("correlation_id", email.Headers[CorrelationHeader]),
	)
	return id, nil
}
