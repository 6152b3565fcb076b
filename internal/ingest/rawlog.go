package ingest

import (
	"fmt"
	"log/slog"
	"sync"

	"bot-match/internal/jsonfile"
)

// Record is one inbound message as captured before any filtering.
type Record struct {
	Number    string  `json:"number"`
	Name      string  `json:"name"`
	Message   string  `json:"message"`
	Price     *int64  `json:"price"`
	Image     *string `json:"image"`
	Type      string  `json:"type"`
	Timestamp string  `json:"timestamp"`
	MessageID string  `json:"messageId"`
}

// RawLog is the append-only audit log of inbound messages, stored as one JSON array.
type RawLog struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewRawLog(path string, logger *slog.Logger) *RawLog {
	return &RawLog{path: path, logger: logger.With("component", "raw_log")}
}

// Append adds rec unless a record with the same sender and message id exists.
// It reports whether the record was written.
func (l *RawLog) Append(rec Record) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.load()
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Number == rec.Number && r.MessageID == rec.MessageID {
			return false, nil
		}
	}
	records = append(records, rec)
	if err := jsonfile.Save(l.path, records); err != nil {
		return false, fmt.Errorf("append raw record: %w", err)
	}
	return true, nil
}

// Records returns every stored record.
func (l *RawLog) Records() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

func (l *RawLog) load() ([]Record, error) {
	var records []Record
	found, err := jsonfile.Load(l.path, &records)
	if err != nil {
		if found {
			l.logger.Error("raw log malformed, treating as empty", "path", l.path, "error", err)
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}
