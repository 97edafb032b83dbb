package database

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	message     TEXT NOT NULL,
	action_url  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	read        BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS notifications_user_created_idx ON notifications (user_id, created_at DESC);`

// PgNotificationRepository stores notifications in PostgreSQL. The
// "postgres" driver must be registered by the caller.
type PgNotificationRepository struct {
	conn *sql.DB
}

func NewPgNotificationRepository(dsn string) (*PgNotificationRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgNotificationRepository{conn: db}, nil
}

// EnsureSchema creates the notifications table if it does not exist.
func (db *PgNotificationRepository) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (db *PgNotificationRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgNotificationRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
