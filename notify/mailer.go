package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Notification 是要送給單一使用者的通知內容。
type Notification struct {
	Recipient uuid.UUID
	Subject   string
	Body      string
}

// Mailer 負責將通知實際送達使用者。
type Mailer interface {
	Send(ctx context.Context, notification Notification) error
}

// LogMailer 將通知寫入日誌，作為尚未接上郵件服務時的預設實作。
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger.With(slog.String("caller", "LogMailer"))}
}

func (m *LogMailer) Send(_ context.Context, notification Notification) error {
	m.logger.Info("Send notification",
		slog.String("recipient", notification.Recipient.String()),
		slog.String("subject", notification.Subject),
		slog.String("body", notification.Body),
	)
	return nil
}
