package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	internal_store "github.com/tallyhq/tally-backend/internal/store"
)

var _ internal_store.SettingsStore = (*SettingsStore)(nil)

// SettingsStore persists admin-tunable settings, e.g. rate-limit bucket
// overrides, as key/value rows.
type SettingsStore struct {
	db PgxIface
}

func NewSettingsStore(db PgxIface) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", internal_store.ErrSettingNotFound
		}
		return "", mapPgError(err)
	}
	return value, nil
}

func (s *SettingsStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	return mapPgError(err)
}
