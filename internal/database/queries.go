package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/jobpulse/internal/types"
)

const (
	saveNotificationQuery = "INSERT INTO notifications (id, user_id, type, message, action_url, created_at, read) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7) " +
		"ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, message = EXCLUDED.message, " +
		"action_url = EXCLUDED.action_url, read = notifications.read OR EXCLUDED.read"
	listNotificationsQuery = "SELECT id, user_id, type, message, action_url, created_at, read " +
		"FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2"
	markNotificationReadQuery = "UPDATE notifications SET read = TRUE WHERE id = $1"
)

var ErrNotificationNotFound = errors.New("notification not found")

func (db *PgNotificationRepository) SaveNotification(ctx context.Context, n types.Notification) error {
	_, err := db.conn.ExecContext(ctx, saveNotificationQuery,
		n.Id,
		n.UserId,
		n.Type,
		n.Message,
		n.ActionURL,
		n.CreatedAt.UTC(),
		n.Read,
	)
	if err != nil {
		return fmt.Errorf("save notification %s: %w", n.Id, err)
	}

	return nil
}

func (db *PgNotificationRepository) ListNotifications(ctx context.Context, userId string, limit int) ([]types.Notification, error) {
	rows, err := db.conn.QueryContext(ctx, listNotificationsQuery, userId, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []types.Notification
	for rows.Next() {
		var n types.Notification
		if err := rows.Scan(
			&n.Id,
			&n.UserId,
			&n.Type,
			&n.Message,
			&n.ActionURL,
			&n.CreatedAt,
			&n.Read,
		); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	return notifications, nil
}

// MarkNotificationRead is idempotent; it fails only for unknown ids.
func (db *PgNotificationRepository) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, markNotificationReadQuery, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}

	return nil
}
