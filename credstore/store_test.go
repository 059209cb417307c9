package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zalando/go-keyring"
)

// exerciseStore runs the Store contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	if _, err := s.Get(AccessTokenKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
	}
	if HasSession(s) {
		t.Fatalf("HasSession on empty store = true")
	}

	if err := s.Set(AccessTokenKey, "access-1"); err != nil {
		t.Fatalf("Set access: %v", err)
	}
	if err := s.Set(RefreshTokenKey, "refresh-1"); err != nil {
		t.Fatalf("Set refresh: %v", err)
	}
	if err := s.Set(AccessTokenKey, "access-2"); err != nil {
		t.Fatalf("overwrite access: %v", err)
	}

	if got, err := s.Get(AccessTokenKey); err != nil || got != "access-2" {
		t.Errorf("Get access = %q, %v; want access-2", got, err)
	}
	if got, err := s.Get(RefreshTokenKey); err != nil || got != "refresh-1" {
		t.Errorf("Get refresh = %q, %v; want refresh-1", got, err)
	}
	if !HasSession(s) {
		t.Errorf("HasSession = false after Set")
	}

	if err := Clear(s); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Get(RefreshTokenKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Clear: err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(AccessTokenKey); err != nil {
		t.Errorf("Delete of missing key: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	exerciseStore(t, NewKeyringStore(""))
}

func TestKeyringStore_BackendError(t *testing.T) {
	keyring.MockInitWithError(errors.New("keyring locked"))
	t.Cleanup(keyring.MockInit)

	s := NewKeyringStore("test-service")
	if _, err := s.Get(AccessTokenKey); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Get with failing backend: err = %v, want wrapped backend error", err)
	}
	if err := s.Set(AccessTokenKey, "x"); err == nil {
		t.Errorf("Set with failing backend: expected error")
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "tokens.json"), "", nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	exerciseStore(t, s)
}

func TestFileStore_RequiresPath(t *testing.T) {
	if _, err := NewFileStore("", "p", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFileStore_PreservesOtherProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	prod, _ := NewFileStore(path, "production", nil)
	local, _ := NewFileStore(path, "local", nil)

	if err := prod.Set(AccessTokenKey, "prod-token"); err != nil {
		t.Fatalf("prod Set: %v", err)
	}
	if err := local.Set(AccessTokenKey, "local-token"); err != nil {
		t.Fatalf("local Set: %v", err)
	}

	if got, _ := prod.Get(AccessTokenKey); got != "prod-token" {
		t.Errorf("prod token = %q, want prod-token", got)
	}
	if got, _ := local.Get(AccessTokenKey); got != "local-token" {
		t.Errorf("local token = %q, want local-token", got)
	}

	if err := Clear(local); err != nil {
		t.Fatalf("Clear local: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		t.Fatalf("parse token file: %v", err)
	}
	if _, ok := contents.Profiles["local"]; ok {
		t.Errorf("empty profile should be dropped from file")
	}
	if contents.Profiles["production"][AccessTokenKey] != "prod-token" {
		t.Errorf("production profile was not preserved: %+v", contents.Profiles)
	}
}

func TestFileStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, _ := NewFileStore(path, "", nil)
	if err := s.Set(AccessTokenKey, "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}
}

func TestFileStore_CorruptedFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s, _ := NewFileStore(path, "", nil)
	if _, err := s.Get(AccessTokenKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on corrupted file: err = %v, want ErrNotFound", err)
	}
	if err := s.Set(AccessTokenKey, "fresh"); err != nil {
		t.Fatalf("Set over corrupted file: %v", err)
	}
	if got, _ := s.Get(AccessTokenKey); got != "fresh" {
		t.Errorf("Get = %q, want fresh", got)
	}
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	const writers = 8
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			s, _ := NewFileStore(path, fmt.Sprintf("profile-%d", id), nil)
			if err := s.Set(AccessTokenKey, fmt.Sprintf("token-%d", id)); err != nil {
				t.Errorf("writer %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		s, _ := NewFileStore(path, fmt.Sprintf("profile-%d", i), nil)
		want := fmt.Sprintf("token-%d", i)
		if got, err := s.Get(AccessTokenKey); err != nil || got != want {
			t.Errorf("profile-%d token = %q, %v; want %s", i, got, err, want)
		}
	}
	if _, err := os.Stat(path + ".lock"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file left behind")
	}
}
