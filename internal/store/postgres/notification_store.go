package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	internal_store "github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/types"
)

var _ internal_store.NotificationStore = (*NotificationStore)(nil)

// NotificationStore records outbound poll emails; the reminder caps are
// enforced against these rows.
type NotificationStore struct {
	db PgxIface
}

func NewNotificationStore(db PgxIface) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) LogNotification(ctx context.Context, log *types.NotificationLog) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO notification_logs (poll_id, type, recipient_email)
		VALUES ($1, $2, LOWER($3))
		RETURNING id, created_at`,
		log.PollID, log.Type, log.RecipientEmail,
	).Scan(&log.ID, &log.CreatedAt)
	return mapPgError(err)
}

func (s *NotificationStore) CountByType(ctx context.Context, pollID string, t types.NotificationType) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_logs WHERE poll_id = $1 AND type = $2`,
		pollID, t).Scan(&count)
	if err != nil {
		return 0, mapPgError(err)
	}
	return count, nil
}

func (s *NotificationStore) LastOfType(ctx context.Context, pollID string, t types.NotificationType) (*time.Time, error) {
	var last time.Time
	err := s.db.QueryRow(ctx,
		`SELECT created_at FROM notification_logs
		 WHERE poll_id = $1 AND type = $2 ORDER BY created_at DESC LIMIT 1`,
		pollID, t).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPgError(err)
	}
	return &last, nil
}
