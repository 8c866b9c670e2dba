package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults and applies the schema.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(context.Background()); err != nil {
		return &DB{Client: db}, err
	}
	if err := migrate(db); err != nil {
		return &DB{Client: db}, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS faces (
		identity_id   TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL DEFAULT '',
		contact_email TEXT NOT NULL DEFAULT '',
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		embeddings    JSONB NOT NULL DEFAULT '{}'::jsonb,
		embedding_avg JSONB,
		image_urls    JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_faces_active ON faces(active);

	CREATE TABLE IF NOT EXISTS presences (
		id               TEXT PRIMARY KEY,
		identity_id      TEXT NOT NULL,
		display_name     TEXT NOT NULL DEFAULT '',
		contact_email    TEXT NOT NULL DEFAULT '',
		class_id         TEXT NOT NULL DEFAULT '',
		occurred_at      TIMESTAMPTZ NOT NULL,
		status           TEXT NOT NULL,
		matcher_distance DOUBLE PRECISION,
		recognized       BOOLEAN NOT NULL DEFAULT FALSE,
		recognized_id    TEXT,
		recognition_note TEXT NOT NULL DEFAULT '',
		check_in_lat     DOUBLE PRECISION,
		check_in_lng     DOUBLE PRECISION,
		check_in_time    TIMESTAMPTZ,
		check_out_lat    DOUBLE PRECISION,
		check_out_lng    DOUBLE PRECISION,
		check_out_time   TIMESTAMPTZ,
		liveness         DOUBLE PRECISION,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_presences_identity ON presences(identity_id);
	CREATE INDEX IF NOT EXISTS idx_presences_class    ON presences(class_id);
	CREATE INDEX IF NOT EXISTS idx_presences_time     ON presences(occurred_at);

	CREATE TABLE IF NOT EXISTS class_sessions (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		start_time    TIMESTAMPTZ NOT NULL,
		end_time      TIMESTAMPTZ NOT NULL,
		allowed_lat   DOUBLE PRECISION NOT NULL,
		allowed_lng   DOUBLE PRECISION NOT NULL,
		radius_meters DOUBLE PRECISION NOT NULL,
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
