package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/beechat/internal/history"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const selectMessage = `SELECT id, user, msg, img, timestamp FROM messages`

// SQLiteStore persists messages in a SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLiteStore opens the database at path and migrates it to the latest
// schema.
func OpenSQLiteStore(path string, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("SQLite store ready", "path", path)
	return &SQLiteStore{db: db, log: log}, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// m is not closed: that would close db, which the store owns.
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, msg history.Message) error {
	var text sql.NullString
	if msg.Text != "" {
		text = sql.NullString{String: msg.Text, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, user, msg, img, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.User, text, msg.Image, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]history.Message, error) {
	return s.query(ctx, selectMessage+` ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) Sample(ctx context.Context, limit int) ([]history.Message, error) {
	return s.query(ctx, selectMessage+` LIMIT ?`, limit)
}

func (s *SQLiteStore) query(ctx context.Context, q string, limit int) ([]history.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []history.Message
	for rows.Next() {
		var (
			id   string
			msg  history.Message
			text sql.NullString
			nano int64
		)
		if err := rows.Scan(&id, &msg.User, &text, &msg.Image, &nano); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if msg.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse message id %q: %w", id, err)
		}
		msg.Text = text.String
		msg.Timestamp = time.Unix(0, nano).UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
