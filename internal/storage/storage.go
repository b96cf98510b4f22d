// Package storage persists store snapshots as one JSON file per store name.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ricochet1k/termtabs/internal/store"
)

var (
	ErrStateNotFound      = errors.New("state not found")
	ErrStorageWrite       = errors.New("failed to write state")
	ErrInvalidStoreName   = errors.New("invalid store name")
	ErrStateFileTooLarge  = errors.New("state file too large")
	ErrSymlinkNotAllowed  = errors.New("symlinks not allowed for state files")
	ErrCorruptState       = errors.New("corrupt state file")
	ErrUnsupportedVersion = errors.New("unsupported state version")
)

const (
	maxStateFileSize = 10 * 1024 * 1024 // 10MB

	lockRetryDelay = 20 * time.Millisecond
	lockTimeout    = 5 * time.Second
)

// Storage loads and saves store snapshots keyed by store name.
type Storage interface {
	Save(snap store.Snapshot) error
	Load(name string) (store.Snapshot, error)
	Delete(name string) error
	List() ([]string, error)
}

// JSONFileStorage writes <baseDir>/state/<name>.json. Writers in different
// processes are serialized by an flock on a sibling .lock file.
type JSONFileStorage struct {
	baseDir string
	mu      sync.RWMutex
}

var storeNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validateStoreName(name string) error {
	if !storeNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %s", ErrInvalidStoreName, name)
	}
	return nil
}

func NewJSONFileStorage(baseDir string) (*JSONFileStorage, error) {
	stateDir := filepath.Join(baseDir, "state")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	info, err := os.Stat(stateDir)
	if err == nil {
		if info.Mode().Perm()&0o077 != 0 {
			_ = os.Chmod(stateDir, 0o700)
		}
	}

	return &JSONFileStorage{baseDir: baseDir}, nil
}

func (s *JSONFileStorage) stateDir() string {
	return filepath.Join(s.baseDir, "state")
}

func (s *JSONFileStorage) statePath(name string) string {
	return filepath.Join(s.stateDir(), name+".json")
}

func (s *JSONFileStorage) lock(name string) (*flock.Flock, error) {
	fl := flock.New(s.statePath(name) + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock state %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock state %s: timed out", name)
	}
	return fl, nil
}

func (s *JSONFileStorage) Save(snap store.Snapshot) error {
	if err := validateStoreName(snap.Store); err != nil {
		return err
	}

	jsonData, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fl, err := s.lock(snap.Store)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	defer fl.Unlock()

	f, err := os.CreateTemp(s.stateDir(), snap.Store+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	tmpName := f.Name()
	_ = os.Chmod(tmpName, 0o600)

	defer func() {
		if f != nil {
			f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(jsonData); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if err := f.Close(); err != nil {
		f = nil
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	f = nil

	if err := os.Rename(tmpName, s.statePath(snap.Store)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	df, err := os.Open(s.stateDir())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	return nil
}

// Load reads a snapshot. Record-level validation is left to store.Import;
// Load only rejects files it cannot decode at all.
func (s *JSONFileStorage) Load(name string) (store.Snapshot, error) {
	if err := validateStoreName(name); err != nil {
		return store.Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.statePath(name)
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store.Snapshot{}, ErrStateNotFound
		}
		return store.Snapshot{}, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return store.Snapshot{}, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, name)
	}
	if info.Size() > maxStateFileSize {
		return store.Snapshot{}, fmt.Errorf("%w: %s (%d bytes)", ErrStateFileTooLarge, name, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return store.Snapshot{}, err
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorruptState, name, err)
	}
	if snap.Version > store.SnapshotVersion {
		return store.Snapshot{}, fmt.Errorf("%w: %s has version %d", ErrUnsupportedVersion, name, snap.Version)
	}
	if snap.Store == "" {
		snap.Store = name
	}
	return snap, nil
}

// Quarantine moves an undecodable state file aside so the next save starts
// clean while the damaged copy stays available for inspection.
func (s *JSONFileStorage) Quarantine(name string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := fmt.Sprintf("%s.corrupt-%d", s.statePath(name), time.Now().UnixNano())
	if err := os.Rename(s.statePath(name), dest); err != nil {
		if os.IsNotExist(err) {
			return "", ErrStateNotFound
		}
		return "", err
	}
	return dest, nil
}

func (s *JSONFileStorage) Delete(name string) error {
	if err := validateStoreName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.statePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrStateNotFound
		}
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	_ = os.Remove(s.statePath(name) + ".lock")
	return nil
}

// List returns the names of every persisted store.
func (s *JSONFileStorage) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.stateDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if entry.IsDir() || !ok {
			continue
		}
		if validateStoreName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
