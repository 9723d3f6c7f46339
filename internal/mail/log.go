package mail

import (
	"context"
	"log/slog"
)

// Log implements Transport by logging instead of sending. It is the
// development-mode transport used when no SMTP credentials are configured.
type Log struct {
	log *slog.Logger
}

// NewLog creates a logging transport.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

// Send logs the would-be delivery and reports success.
func (l *Log) Send(_ context.Context, to, subject, htmlBody string) error {
	l.log.Info("dev mode: would send email", "to", to, "subject", subject, "body_bytes", len(htmlBody))
	return nil
}
