package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultProfile is the profile name used when none is configured.
const DefaultProfile = "default"

// fileContents is the on-disk layout of a FileStore. Several server
// environments can share one file, each under its own profile.
type fileContents struct {
	Profiles map[string]map[string]string `json:"profiles"`
}

// FileStore keeps credentials in a JSON file shared across processes.
//
// Every write re-reads the file under a lock file, so concurrent CLI
// invocations working on different profiles never drop each other's tokens.
type FileStore struct {
	path    string
	profile string
	logger  *slog.Logger
}

// NewFileStore creates a store for profile backed by the file at path. The
// file is created lazily on the first write.
func NewFileStore(path, profile string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credstore: token file path is required")
	}
	if profile == "" {
		profile = DefaultProfile
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{path: path, profile: profile, logger: logger}, nil
}

func (s *FileStore) Get(key string) (string, error) {
	contents, err := s.load()
	if err != nil {
		return "", err
	}
	value, ok := contents.Profiles[s.profile][key]
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *FileStore) Set(key, value string) error {
	return s.update(func(values map[string]string) {
		values[key] = value
	})
}

func (s *FileStore) Delete(key string) error {
	return s.update(func(values map[string]string) {
		delete(values, key)
	})
}

// load reads the file without locking. Writers replace the file with a
// rename, so a reader sees either the old or the new contents.
func (s *FileStore) load() (*fileContents, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &fileContents{Profiles: map[string]map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: read %s: %w", s.path, err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		s.logger.Warn("credstore: ignoring corrupted token file",
			slog.String("path", s.path),
			slog.Any("error", err),
		)
		contents = fileContents{}
	}
	if contents.Profiles == nil {
		contents.Profiles = map[string]map[string]string{}
	}
	return &contents, nil
}

func (s *FileStore) update(mutate func(values map[string]string)) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("credstore: create directory %s: %w", dir, err)
		}
	}

	lock, err := acquireFileLock(s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.logger.Warn("credstore: failed to release lock", slog.Any("error", releaseErr))
		}
	}()

	contents, err := s.load()
	if err != nil {
		return err
	}
	values := contents.Profiles[s.profile]
	if values == nil {
		values = map[string]string{}
	}
	mutate(values)
	if len(values) == 0 {
		delete(contents.Profiles, s.profile)
	} else {
		contents.Profiles[s.profile] = values
	}

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
