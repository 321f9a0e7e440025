package authkit

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers a payload to a destination such as an email address.
// Delivery is best effort; the authority does not wait for it.
type Notifier interface {
	Send(ctx context.Context, destination string, payload string) error
}

// LogNotifier writes verification codes to the log. It stands in for a mail
// relay in development deployments.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send logs the payload at debug level and the destination at info level.
func (notifier *LogNotifier) Send(ctx context.Context, destination string, payload string) error {
	notifier.logger.Info("verification code dispatched",
		zap.String("code", "notifier.dispatched"),
		zap.String("destination", destination))
	notifier.logger.Debug("verification code payload",
		zap.String("destination", destination),
		zap.String("payload", payload))
	return nil
}
