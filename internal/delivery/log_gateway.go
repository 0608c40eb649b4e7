package delivery

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogGateway writes messages to the log instead of sending them. Development only.
type LogGateway struct {
	logger *logrus.Logger
}

func NewLogGateway(logger *logrus.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return sendFailed("log", err)
	}

	g.logger.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.TextBody,
	}).Info("OTP message (logged for development)")

	return nil
}
