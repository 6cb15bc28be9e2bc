package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"torrent_pins/internal/model"
	"torrent_pins/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Workers share one connection; an in-memory database also only exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts a new user and populates its CreatedAt.
func (s *SQLite) CreateUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (token, url, username, password, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.Token, user.URL, user.Username, user.Password, now,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	user.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetUser returns a single user by token.
func (s *SQLite) GetUser(ctx context.Context, token string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, url, username, password, created_at FROM users WHERE token = ?`, token,
	)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", token, ErrNotFound)
	}
	return u, err
}

// ListUsers returns every registered user.
func (s *SQLite) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, url, username, password, created_at FROM users ORDER BY created_at, token`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user together with all of its pin records.
func (s *SQLite) DeleteUser(ctx context.Context, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pins WHERE user_token = ?`, token); err != nil {
		return fmt.Errorf("delete pins: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return tx.Commit()
}

// ListPins returns the pin records of a user keyed by torrent hash.
func (s *SQLite) ListPins(ctx context.Context, userToken string) (map[string]model.PinRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT torrent_hash, pin_id, pending FROM pins WHERE user_token = ?`, userToken,
	)
	if err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pins := make(map[string]model.PinRecord)
	for rows.Next() {
		var hash string
		var rec model.PinRecord
		var pending int
		if err := rows.Scan(&hash, &rec.PinID, &pending); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		rec.Pending = pending == 1
		pins[hash] = rec
	}
	return pins, rows.Err()
}

// SavePin inserts or replaces the pin record of one torrent.
func (s *SQLite) SavePin(ctx context.Context, userToken, hash string, rec model.PinRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pins (user_token, torrent_hash, pin_id, pending) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_token, torrent_hash) DO UPDATE SET pin_id = excluded.pin_id, pending = excluded.pending`,
		userToken, hash, rec.PinID, boolToInt(rec.Pending),
	)
	if err != nil {
		return fmt.Errorf("save pin: %w", err)
	}
	return nil
}

// DeletePin removes the pin record of one torrent.
func (s *SQLite) DeletePin(ctx context.Context, userToken, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pins WHERE user_token = ? AND torrent_hash = ?`, userToken, hash,
	)
	if err != nil {
		return fmt.Errorf("delete pin: %w", err)
	}
	return nil
}

// UpdatePins atomically replaces the whole pin set of a user.
func (s *SQLite) UpdatePins(ctx context.Context, userToken string, pins map[string]model.PinRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pins WHERE user_token = ?`, userToken); err != nil {
		return fmt.Errorf("clear pins: %w", err)
	}
	for hash, rec := range pins {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pins (user_token, torrent_hash, pin_id, pending) VALUES (?, ?, ?, ?)`,
			userToken, hash, rec.PinID, boolToInt(rec.Pending),
		); err != nil {
			return fmt.Errorf("insert pin %s: %w", hash, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanUser(row scannable) (*model.User, error) {
	var u model.User
	var created string
	if err := row.Scan(&u.Token, &u.URL, &u.Username, &u.Password, &created); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}
