package notify

import (
	"context"
	"log/slog"

	"reddit-marker/pkg/marker"
)

// LogNotifier logs results instead of delivering them, for local development.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a new log notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{
		logger: logger,
	}
}

// NotifyTagged logs each tagged user.
func (n *LogNotifier) NotifyTagged(ctx context.Context, users []*marker.UserInfo) error {
	for _, u := range users {
		ids := make([]uint32, 0, len(u.Tags))
		for _, t := range u.Tags {
			ids = append(ids, t.TagID)
		}
		n.logger.Info("MOCK NOTIFICATION",
			"username", u.Username,
			"tag_ids", ids)
	}
	return nil
}
