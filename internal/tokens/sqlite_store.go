// Package tokens persists the connected account record handed to the repost worker.
package tokens

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jo-hoe/reposter/internal/common"

	_ "modernc.org/sqlite"
)

// ErrInvalidRecord is returned by Save when a required field is missing.
var ErrInvalidRecord = errors.New("invalid token record")

// Record is the connected account. Only one record is stored at a time.
type Record struct {
	AccessToken   string
	UserID        string
	Username      string
	ProfilePicURL *string // optional
	SavedAt       time.Time
}

// Store is the token store contract consumed by the server and the processor.
type Store interface {
	Save(rec Record) error
	Load() (Record, bool, error)
	Clear() error
	Close() error
}

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	// slot is pinned to 1 so the table holds at most one account.
	schema := `
	CREATE TABLE IF NOT EXISTS oauth_tokens (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		access_token TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		profile_pic_url TEXT,
		saved_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Save replaces the stored record.
func (s *SQLiteStore) Save(rec Record) error {
	if strings.TrimSpace(rec.AccessToken) == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(rec.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidRecord)
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	var pic *string
	if rec.ProfilePicURL != nil && *rec.ProfilePicURL != "" {
		pic = rec.ProfilePicURL
	}

	_, err := s.db.Exec(
		`INSERT INTO oauth_tokens (slot, access_token, user_id, username, profile_pic_url, saved_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
			access_token = excluded.access_token,
			user_id = excluded.user_id,
			username = excluded.username,
			profile_pic_url = excluded.profile_pic_url,
			saved_at = excluded.saved_at`,
		rec.AccessToken, rec.UserID, rec.Username, pic, rec.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Load returns the stored record; ok is false when nothing is stored.
func (s *SQLiteStore) Load() (Record, bool, error) {
	row := s.db.QueryRow(`SELECT access_token, user_id, username, profile_pic_url, saved_at
		FROM oauth_tokens WHERE slot = 1`)

	var rec Record
	var pic sql.NullString
	var saved string
	if err := row.Scan(&rec.AccessToken, &rec.UserID, &rec.Username, &pic, &saved); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("scan token: %w", err)
	}
	if pic.Valid {
		v := pic.String
		rec.ProfilePicURL = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, saved); err == nil {
		rec.SavedAt = t
	}
	return rec, true, nil
}

// Clear removes the stored record. Clearing an empty store is not an error.
func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM oauth_tokens`); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
