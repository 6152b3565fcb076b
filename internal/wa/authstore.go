package wa

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const authDirPrefix = "auth_info_"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidSessionID is returned for identifiers that cannot name an auth directory.
var ErrInvalidSessionID = errors.New("invalid session id")

// ValidateSessionID reports whether id is safe to use as a directory suffix.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// AuthStore keeps one credential directory per session under root.
type AuthStore struct {
	root string
}

func NewAuthStore(root string) *AuthStore {
	if root == "" {
		root = "."
	}
	return &AuthStore{root: root}
}

// Dir returns the credential directory for the session.
func (a *AuthStore) Dir(sessionID string) string {
	return filepath.Join(a.root, authDirPrefix+sessionID)
}

// Exists reports whether credentials were ever persisted for the session.
func (a *AuthStore) Exists(sessionID string) bool {
	info, err := os.Stat(a.Dir(sessionID))
	return err == nil && info.IsDir()
}

// Delete removes the session credentials. Missing directories are not an error.
func (a *AuthStore) Delete(sessionID string) error {
	if err := os.RemoveAll(a.Dir(sessionID)); err != nil {
		return fmt.Errorf("delete auth dir: %w", err)
	}
	return nil
}

// PurgeExcept removes every credential directory whose session is not in keep
// and returns the purged session ids.
func (a *AuthStore) PurgeExcept(keep map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read auth root: %w", err)
	}

	var purged []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), authDirPrefix) {
			continue
		}
		id := strings.TrimPrefix(entry.Name(), authDirPrefix)
		if keep[id] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(a.root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		purged = append(purged, id)
	}
	if err := errors.Join(errs...); err != nil {
		return purged, fmt.Errorf("purge auth dirs: %w", err)
	}
	return purged, nil
}
