package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the marz_preferences table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS marz_preferences (
    profile           TEXT PRIMARY KEY,
    microphone_id     TEXT NOT NULL DEFAULT '',
    camera_id         TEXT NOT NULL DEFAULT '',
    avatar_id         TEXT NOT NULL DEFAULT '',
    custom_avatar_url TEXT NOT NULL DEFAULT '',
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DefaultProfile is the row key used when none is configured.
const DefaultProfile = "default"

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] keeping one row per profile.
type PostgresStore struct {
	db      DB
	profile string
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store for profile (or [DefaultProfile] when
// empty). The caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB, profile string) *PostgresStore {
	if profile == "" {
		profile = DefaultProfile
	}
	return &PostgresStore{db: db, profile: profile}
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("prefs: migrate: %w", err)
	}
	return nil
}

// Load implements [Store].
func (s *PostgresStore) Load(ctx context.Context) (Preferences, error) {
	const query = `
		SELECT microphone_id, camera_id, avatar_id, custom_avatar_url
		FROM marz_preferences
		WHERE profile = $1`

	var p Preferences
	err := s.db.QueryRow(ctx, query, s.profile).Scan(
		&p.MicrophoneID, &p.CameraID, &p.AvatarID, &p.CustomAvatarURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Preferences{}, nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("prefs: load %q: %w", s.profile, err)
	}
	return p, nil
}

// Save implements [Store].
func (s *PostgresStore) Save(ctx context.Context, p Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	const query = `
		INSERT INTO marz_preferences (profile, microphone_id, camera_id, avatar_id, custom_avatar_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (profile) DO UPDATE SET
			microphone_id     = EXCLUDED.microphone_id,
			camera_id         = EXCLUDED.camera_id,
			avatar_id         = EXCLUDED.avatar_id,
			custom_avatar_url = EXCLUDED.custom_avatar_url,
			updated_at        = now()`

	_, err := s.db.Exec(ctx, query, s.profile, p.MicrophoneID, p.CameraID, p.AvatarID, p.CustomAvatarURL)
	if err != nil {
		return fmt.Errorf("prefs: save %q: %w", s.profile, err)
	}
	return nil
}
