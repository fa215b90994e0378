// Package state persists the small key=value cache shared across restarts.
package state

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Known keys.
const (
	KeyTopicID    = "topic_id"
	KeyLocationID = "location_id"
)

// Store is a flat string map backed by a file of key=value lines. Every
// mutation rewrites the whole file.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]string
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			slog.Warn("[STATE] skipping malformed line", "path", path, "line", line)
			continue
		}
		s.data[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	return s, nil
}

// Get returns the value for key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores one key and saves.
func (s *Store) Set(key, value string) error {
	return s.SetMany(map[string]string{key: value})
}

// SetMany stores all pairs and saves once.
func (s *Store) SetMany(kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.data[k] = v
	}
	return s.saveLocked()
}

// saveLocked writes to a temp file in the same directory, then renames it
// over the target. Keys are sorted for stable output.
func (s *Store) saveLocked() error {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, s.data[k])
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".setupd-*")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("state: save %s: %w", s.path, err)
	}
	return nil
}
