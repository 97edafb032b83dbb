package database

import (
	"context"

	"github.com/npezzotti/jobpulse/internal/types"
)

// NotificationRepository archives notifications received over the
// real-time channel.
type NotificationRepository interface {
	Ping() error
	SaveNotification(ctx context.Context, n types.Notification) error
	ListNotifications(ctx context.Context, userId string, limit int) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}
