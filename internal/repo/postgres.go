package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPool is the subset of *pgxpool.Pool the repository uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

var sessionColumns = []string{"session_id", "number", "display_name", "is_active", "connected_at", "created_at", "updated_at"}

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   pgxPool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := newPostgres(pool, schema, logger)
	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func newPostgres(pool pgxPool, schema string, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// RunMigrations applies the postgres/ migrations of filesystem.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem, "postgres")
}

// -- Sessions --

// UpsertSession creates the session row if missing. A non-empty displayName
// replaces the stored one.
func (r *PostgresRepository) UpsertSession(ctx context.Context, id, displayName string) (*Session, error) {
	const q = `
INSERT INTO sessions (session_id, display_name)
VALUES ($1, $2)
ON CONFLICT (session_id) DO UPDATE SET
    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), sessions.display_name),
    updated_at = NOW()
RETURNING session_id, number, display_name, is_active, connected_at, created_at, updated_at;
`
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, displayName))
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}
	return s, nil
}

// MarkSessionConnected records the authenticated number and flips the session active.
func (r *PostgresRepository) MarkSessionConnected(ctx context.Context, id, number, displayName string, at time.Time) error {
	const q = `
INSERT INTO sessions (session_id, number, display_name, is_active, connected_at)
VALUES ($1, $2, $3, TRUE, $4)
ON CONFLICT (session_id) DO UPDATE SET
    number = EXCLUDED.number,
    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), sessions.display_name),
    is_active = TRUE,
    connected_at = EXCLUDED.connected_at,
    updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, id, number, displayName, at); err != nil {
		return fmt.Errorf("mark session connected: %w", err)
	}
	return nil
}

// SetSessionActive toggles the is_active flag.
func (r *PostgresRepository) SetSessionActive(ctx context.Context, id string, active bool) error {
	const q = `UPDATE sessions SET is_active = $2, updated_at = NOW() WHERE session_id = $1`
	ct, err := r.pool.Exec(ctx, q, id, active)
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession loads a session by id.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	q, args, err := psql.Select(sessionColumns...).
		From("sessions").
		Where(squirrel.Eq{"session_id": id}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get session: %w", err)
	}
	s, err := scanSession(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// FindActiveSessionByNumber returns the most recently connected active session
// registered under number.
func (r *PostgresRepository) FindActiveSessionByNumber(ctx context.Context, number string) (*Session, error) {
	q, args, err := psql.Select(sessionColumns...).
		From("sessions").
		Where(squirrel.Eq{"number": number, "is_active": true}).
		OrderBy("connected_at DESC NULLS LAST").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build find session: %w", err)
	}
	s, err := scanSession(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		return nil, fmt.Errorf("find active session by number: %w", err)
	}
	return s, nil
}

// ListSessions returns every known session ordered by creation.
func (r *PostgresRepository) ListSessions(ctx context.Context) ([]Session, error) {
	q, args, err := psql.Select(sessionColumns...).
		From("sessions").
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions: %w", err)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
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

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.Number, &s.DisplayName, &s.IsActive, &s.ConnectedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// -- Contacts --

// InsertContactIfAbsent stores the contact unless the number is already known.
// The boolean reports whether a row was inserted.
func (r *PostgresRepository) InsertContactIfAbsent(ctx context.Context, contact Contact) (bool, error) {
	const q = `
INSERT INTO contacts (number, name)
VALUES ($1, $2)
ON CONFLICT (number) DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, q, contact.Number, contact.Name)
	if err != nil {
		return false, fmt.Errorf("insert contact: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// GetContact loads a contact by number.
func (r *PostgresRepository) GetContact(ctx context.Context, number string) (*Contact, error) {
	const q = `SELECT number, name, created_at FROM contacts WHERE number = $1 LIMIT 1;`
	var c Contact
	if err := r.pool.QueryRow(ctx, q, number).Scan(&c.Number, &c.Name, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get contact: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

// -- Classified messages --

// InsertClassifiedMessage persists an accepted order or offer.
func (r *PostgresRepository) InsertClassifiedMessage(ctx context.Context, msg ClassifiedMessage) (*ClassifiedMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	const q = `
INSERT INTO messages (id, number, name, message, translated, language, price, image, category, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at;
`
	err := r.pool.QueryRow(ctx, q,
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
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert classified message: %w", err)
	}
	return &msg, nil
}

// SetMessageLink attaches the shareable reference link.
func (r *PostgresRepository) SetMessageLink(ctx context.Context, id, link string) error {
	const q = `UPDATE messages SET link = $2 WHERE id = $1`
	ct, err := r.pool.Exec(ctx, q, id, link)
	if err != nil {
		return fmt.Errorf("set message link: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}
