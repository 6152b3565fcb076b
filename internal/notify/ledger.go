package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"bot-match/internal/jsonfile"
)

// Ledger is the durable set of match identifiers already announced. Entries
// are never removed.
type Ledger struct {
	path string
	mu   sync.Mutex
	ids  []string
	seen map[string]struct{}
}

// LoadLedger reads the ledger at path. A malformed file is logged and treated as empty.
func LoadLedger(path string, logger *slog.Logger) *Ledger {
	l := &Ledger{path: path, seen: make(map[string]struct{})}

	var ids []string
	if _, err := jsonfile.Load(path, &ids); err != nil {
		logger.Error("sent ledger unreadable, starting empty", "path", path, "error", err)
		ids = nil
	}
	for _, id := range ids {
		if _, dup := l.seen[id]; dup {
			continue
		}
		l.seen[id] = struct{}{}
		l.ids = append(l.ids, id)
	}
	return l
}

func (l *Ledger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Add records id and rewrites the ledger file. The in-memory entry is kept
// even when the write fails.
func (l *Ledger) Add(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return nil
	}
	l.seen[id] = struct{}{}
	l.ids = append(l.ids, id)
	if err := jsonfile.Save(l.path, l.ids); err != nil {
		return fmt.Errorf("persist sent ledger: %w", err)
	}
	return nil
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ids)
}
