package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/alert-dispatch/internal/models"
)

// Notifier consumes notification intents. The core fires and forgets:
// delivery failures are the notifier's problem, never the dispatcher's.
type Notifier interface {
	Notify(ctx context.Context, intent models.Intent) error
}

// LogNotifier writes intents to the structured log. It is the default
// collaborator when no push endpoint is configured, and the stub of choice
// in tests.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, intent models.Intent) error {
	if n.Logger != nil {
		n.Logger.Info("notification intent",
			"target", intent.TargetID,
			"kind", string(intent.Kind),
			"payload", intent.Payload,
		)
	}
	return nil
}
