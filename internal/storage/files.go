package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zapflow/telegram-gateway/internal/domain"
)

const sessionFileExt = ".session"

// FileSessionStore keeps one <name>.session file per account under a
// sessions directory, token stored verbatim. The layout is a compatibility
// contract with earlier deployments.
type FileSessionStore struct {
	dir string
}

func NewFileSessionStore(dir string) (*FileSessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FileSessionStore{dir: dir}, nil
}

func (s *FileSessionStore) Save(name, token string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return os.WriteFile(s.path(name), []byte(token), 0o600)
}

func (s *FileSessionStore) Load(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("session for %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *FileSessionStore) ListAll() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sessionFileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), sessionFileExt))
	}
	return names, nil
}

func (s *FileSessionStore) path(name string) string {
	return filepath.Join(s.dir, name+sessionFileExt)
}

// validateName keeps account names from escaping the sessions directory.
func validateName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid account name %q: %w", name, domain.ErrValidation)
	}
	return nil
}
