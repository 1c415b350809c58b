package worker

import (
	"context"

	"go.uber.org/zap"
)

// LogSender logs messages instead of delivering them (development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg MailMessage) error {
	rendered, err := RenderMail(msg)
	if err != nil {
		return err
	}

	s.logger.Info("mail logged (development mode)",
		zap.String("job_id", msg.JobID),
		zap.String("kind", string(msg.Kind)),
		zap.String("to", msg.Recipient),
		zap.String("subject", rendered.Subject),
		zap.String("shop_id", msg.ShopID),
	)
	return nil
}
