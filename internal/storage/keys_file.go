package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
)

const keyFilePrefix = "is-signing-key-"

// FileKeyStore keeps one JSON file per signing key in a directory.
type FileKeyStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileKeyStore creates dir when missing.
func NewFileKeyStore(dir string) (*FileKeyStore, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve key directory")
	}
	if err := os.MkdirAll(absPath, 0o700); err != nil {
		return nil, errors.Wrap(err, "create key directory")
	}
	return &FileKeyStore{dir: absPath}, nil
}

func (s *FileKeyStore) path(id string) string {
	return filepath.Join(s.dir, keyFilePrefix+id+".json")
}

// LoadKeys reads every key file. Unreadable files are skipped with a warning
// so that one corrupt key does not take signing down.
func (s *FileKeyStore) LoadKeys(_ context.Context) ([]oauth.SigningKeyContainer, error) {
	log := logrus.WithFields(logrus.Fields{"package": "storage", "method": "FileKeyStore.LoadKeys"})

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read key directory")
	}

	var keys []oauth.SigningKeyContainer
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, keyFilePrefix) || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("failed to read key file")
			continue
		}
		var key oauth.SigningKeyContainer
		if err := json.Unmarshal(data, &key); err != nil {
			log.WithError(err).WithField("file", name).Warn("failed to parse key file")
			continue
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Created.Before(keys[j].Created)
	})
	return keys, nil
}

// StoreKey writes key to its own file.
func (s *FileKeyStore) StoreKey(_ context.Context, key oauth.SigningKeyContainer) error {
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal signing key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(key.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "write signing key")
	}
	return errors.Wrap(os.Rename(tmp, s.path(key.ID)), "commit signing key")
}

// DeleteKey removes the file of key id. Missing files are not an error.
func (s *FileKeyStore) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete signing key")
	}
	return nil
}
