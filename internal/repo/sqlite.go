package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRepository provides access to a local SQLite database.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	if dir := filepath.Dir(strings.TrimPrefix(path, "file:")); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
	}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the sqlite/ migrations of filesystem in order.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	files, err := migrationFiles(filesystem, "sqlite")
	if err != nil {
		return err
	}
	for _, name := range files {
		sqlContent, err := fs.ReadFile(filesystem, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := r.db.ExecContext(ctx, string(sqlContent)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// -- Sessions --

const sqliteSessionColumns = `session_id, number, display_name, is_active, connected_at, created_at, updated_at`

func (r *SQLiteRepository) UpsertSession(ctx context.Context, id, displayName string) (*Session, error) {
	now := time.Now().UTC()
	const q = `
INSERT INTO sessions (session_id, display_name, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
    display_name = COALESCE(NULLIF(excluded.display_name, ''), sessions.display_name),
    updated_at = excluded.updated_at;`
	if _, err := r.db.ExecContext(ctx, q, id, displayName, now, now); err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}
	return r.GetSession(ctx, id)
}

func (r *SQLiteRepository) MarkSessionConnected(ctx context.Context, id, number, displayName string, at time.Time) error {
	now := time.Now().UTC()
	const q = `
INSERT INTO sessions (session_id, number, display_name, is_active, connected_at, created_at, updated_at)
VALUES (?, ?, ?, 1, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
    number = excluded.number,
    display_name = COALESCE(NULLIF(excluded.display_name, ''), sessions.display_name),
    is_active = 1,
    connected_at = excluded.connected_at,
    updated_at = excluded.updated_at;`
	if _, err := r.db.ExecContext(ctx, q, id, number, displayName, at.UTC(), now, now); err != nil {
		return fmt.Errorf("mark session connected: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) SetSessionActive(ctx context.Context, id string, active bool) error {
	const q = `UPDATE sessions SET is_active = ?, updated_at = ? WHERE session_id = ?`
	ct, err := r.db.ExecContext(ctx, q, active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	q := `SELECT ` + sqliteSessionColumns + ` FROM sessions WHERE session_id = ? LIMIT 1;`
	s, err := scanSQLiteSession(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) FindActiveSessionByNumber(ctx context.Context, number string) (*Session, error) {
	q := `SELECT ` + sqliteSessionColumns + `
FROM sessions
WHERE number = ? AND is_active = 1
ORDER BY connected_at DESC
LIMIT 1;`
	s, err := scanSQLiteSession(r.db.QueryRowContext(ctx, q, number))
	if err != nil {
		return nil, fmt.Errorf("find active session by number: %w", err)
	}
	return s, nil
}

func (r *SQLiteRepository) ListSessions(ctx context.Context) ([]Session, error) {
	q := `SELECT ` + sqliteSessionColumns + ` FROM sessions ORDER BY created_at ASC;`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		s, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*Session, error) {
	var s Session
	var connectedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.Number, &s.DisplayName, &s.IsActive, &connectedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if connectedAt.Valid {
		s.ConnectedAt = &connectedAt.Time
	}
	return &s, nil
}

// -- Contacts --

func (r *SQLiteRepository) InsertContactIfAbsent(ctx context.Context, contact Contact) (bool, error) {
	const q = `
INSERT INTO contacts (number, name, created_at)
VALUES (?, ?, ?)
ON CONFLICT (number) DO NOTHING;`
	ct, err := r.db.ExecContext(ctx, q, contact.Number, contact.Name, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert contact: %w", err)
	}
	n, _ := ct.RowsAffected()
	return n == 1, nil
}

func (r *SQLiteRepository) GetContact(ctx context.Context, number string) (*Contact, error) {
	const q = `SELECT number, name, created_at FROM contacts WHERE number = ? LIMIT 1;`
	var c Contact
	if err := r.db.QueryRowContext(ctx, q, number).Scan(&c.Number, &c.Name, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get contact: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

// -- Classified messages --

func (r *SQLiteRepository) InsertClassifiedMessage(ctx context.Context, msg ClassifiedMessage) (*ClassifiedMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO messages (id, number, name, message, translated, language, price, image, category, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := r.db.ExecContext(ctx, q,
		msg.ID,
		msg.Number,
		msg.Name,
		msg.Text,
		msg.Translated,
		msg.Language,
		msg.Price,
		msg.Image,
		msg.Category,
		msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert classified message: %w", err)
	}
	return &msg, nil
}

func (r *SQLiteRepository) SetMessageLink(ctx context.Context, id, link string) error {
	const q = `UPDATE messages SET link = ? WHERE id = ?`
	ct, err := r.db.ExecContext(ctx, q, link, id)
	if err != nil {
		return fmt.Errorf("set message link: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}
