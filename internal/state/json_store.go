package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/TheMichaelB/offsync/internal/events"
)

// JSONStore implements file-based state storage: one JSON document
// holding every key, rewritten atomically on each change with a
// checksum and a backup of the previous version.
type JSONStore struct {
	path   string
	logger *events.Logger

	mu      sync.RWMutex
	entries map[string]json.RawMessage
	closed  bool
}

// snapshot is the on-disk format.
type snapshot struct {
	SchemaVersion int                        `json:"schema_version"`
	SavedAt       time.Time                  `json:"saved_at"`
	Entries       map[string]json.RawMessage `json:"entries"`
	Checksum      string                     `json:"checksum,omitempty"`
}

// NewJSONStore creates a JSON-based state store in baseDir.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	s := &JSONStore{
		path:    filepath.Join(baseDir, "offsync.json"),
		logger:  logger.WithField("component", "json_state_store"),
		entries: make(map[string]json.RawMessage),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads the snapshot, falling back to the backup on corruption.
func (s *JSONStore) load() error {
	snap, err := readSnapshot(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.logger.WithError(err).Warn("State file unreadable, trying backup")

		snap, err = readSnapshot(s.path + ".backup")
		if err != nil {
			return ErrStateCorrupt
		}
		s.logger.Warn("Loaded state from backup due to corruption")
	}

	if snap.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", snap.SchemaVersion).Warn("State schema version mismatch")
	}

	if snap.Entries != nil {
		s.entries = snap.Entries
	}
	return nil
}

func readSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if snap.Checksum != "" {
		expected := snap.Checksum
		actual, err := checksum(snap)
		if err != nil {
			return nil, err
		}
		if actual != expected {
			return nil, fmt.Errorf("checksum mismatch in %s: %w", path, ErrStateCorrupt)
		}
	}

	return &snap, nil
}

// checksum hashes the snapshot with its checksum field cleared.
func checksum(snap snapshot) (string, error) {
	snap.Checksum = ""
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal state for checksum: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get reads one value.
func (s *JSONStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores one value and flushes the file.
func (s *JSONStore) Put(key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("put %s: value is not a JSON document", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	prev, had := s.entries[key]
	s.entries[key] = append(json.RawMessage(nil), value...)
	if err := s.flush(); err != nil {
		if had {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return err
	}
	return nil
}

// Delete removes one key and flushes the file.
func (s *JSONStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	prev, had := s.entries[key]
	if !had {
		return nil
	}
	delete(s.entries, key)
	if err := s.flush(); err != nil {
		s.entries[key] = prev
		return err
	}
	return nil
}

// List returns entries under prefix in key order.
func (s *JSONStore) List(prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	for k, v := range s.entries {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, Entry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// flush writes the snapshot atomically. Caller holds s.mu.
func (s *JSONStore) flush() error {
	snap := snapshot{
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Entries:       s.entries,
	}

	sum, err := checksum(snap)
	if err != nil {
		return err
	}
	snap.Checksum = sum

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state with checksum: %w", err)
	}

	// Create backup of existing file
	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
