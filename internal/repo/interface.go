package repo

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Sessions
	UpsertSession(ctx context.Context, id, displayName string) (*Session, error)
	MarkSessionConnected(ctx context.Context, id, number, displayName string, at time.Time) error
	SetSessionActive(ctx context.Context, id string, active bool) error
	GetSession(ctx context.Context, id string) (*Session, error)
	FindActiveSessionByNumber(ctx context.Context, number string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)

	// Contacts
	InsertContactIfAbsent(ctx context.Context, contact Contact) (bool, error)
	GetContact(ctx context.Context, number string) (*Contact, error)

	// Classified messages
	InsertClassifiedMessage(ctx context.Context, msg ClassifiedMessage) (*ClassifiedMessage, error)
	SetMessageLink(ctx context.Context, id, link string) error
}

// Open picks the Postgres or SQLite implementation from the shape of databaseURL.
func Open(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (Repository, error) {
	lower := strings.ToLower(strings.TrimSpace(databaseURL))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return New(ctx, databaseURL, schema, logger)
	}
	return NewSQLite(ctx, databaseURL, logger)
}
