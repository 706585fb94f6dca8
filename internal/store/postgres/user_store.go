package postgres

import (
	"context"
	"time"

	internal_store "github.com/tallyhq/tally-backend/internal/store"
	"github.com/tallyhq/tally-backend/types"
)

var _ internal_store.UserStore = (*UserStore)(nil)

// UserStore is the Postgres projection of registered accounts. The polling
// core only reads users; account management lives in the auth service.
type UserStore struct {
	db PgxIface
}

func NewUserStore(db PgxIface) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, name, calendar_token, created_at`

func (s *UserStore) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	return s.getUserWhere(ctx, `id = $1`, id)
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return s.getUserWhere(ctx, `email = LOWER($1)`, email)
}

func (s *UserStore) GetUserByCalendarToken(ctx context.Context, token string) (*types.User, error) {
	return s.getUserWhere(ctx, `calendar_token = $1`, token)
}

func (s *UserStore) getUserWhere(ctx context.Context, where string, arg any) (*types.User, error) {
	var u types.User
	err := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Email, &u.Name, &u.CalendarToken, &u.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &u, nil
}

// PurgeExpiredTokens deletes password-reset and email-change tokens past
// their expiry. Called by the scheduler sweep.
func (s *UserStore) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, mapPgError(err)
	}
	return tag.RowsAffected(), nil
}
