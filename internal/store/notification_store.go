package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PortNumber53/family-membership/internal/models"
)

// CreateNotification inserts n and fills in its id and creation time.
func (s *Store) CreateNotification(ctx context.Context, n *models.Notification) error {
	const query = `
		INSERT INTO notifications (profile_id, type, title, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	if err := s.db.QueryRowContext(ctx, query, n.ProfileID, n.Type, n.Title, n.Message).Scan(&n.ID, &n.CreatedAt); err != nil {
		return fmt.Errorf("store: insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns up to limit notifications for a profile, newest first.
func (s *Store) ListNotifications(ctx context.Context, profileID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	const query = `
		SELECT id, profile_id, type, title, message, read_at, created_at
		FROM notifications
		WHERE profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		var (
			n      models.Notification
			readAt sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.ProfileID, &n.Type, &n.Title, &n.Message, &readAt, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate notifications: %w", err)
	}
	return notifications, nil
}

// CountUnreadNotifications returns how many notifications the profile has not read.
func (s *Store) CountUnreadNotifications(ctx context.Context, profileID string) (int, error) {
	const query = `SELECT COUNT(*) FROM notifications WHERE profile_id = $1 AND read_at IS NULL`

	var count int
	if err := s.db.QueryRowContext(ctx, query, profileID).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead marks one of the profile's notifications read. It
// reports false when the notification does not belong to the profile or was
// already read.
func (s *Store) MarkNotificationRead(ctx context.Context, profileID, notificationID string) (bool, error) {
	const query = `
		UPDATE notifications
		SET read_at = now()
		WHERE id = $1 AND profile_id = $2 AND read_at IS NULL
	`

	res, err := s.db.ExecContext(ctx, query, notificationID, profileID)
	if err != nil {
		return false, fmt.Errorf("store: mark notification read: %w", err)
	}
	return rowsChanged(res, "mark notification read")
}

// MarkAllNotificationsRead marks every unread notification of the profile read.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, profileID string) (int64, error) {
	const query = `UPDATE notifications SET read_at = now() WHERE profile_id = $1 AND read_at IS NULL`

	res, err := s.db.ExecContext(ctx, query, profileID)
	if err != nil {
		return 0, fmt.Errorf("store: mark all notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark all notifications read rows: %w", err)
	}
	return n, nil
}
