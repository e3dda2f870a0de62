// Package flowstore persists the local flow artifact and tracks its signature.
package flowstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/orris-inc/flowlink/internal/shared/logger"
)

// Store guards the flow file on disk. Reads and writes are serialized.
type Store struct {
	path   string
	logger logger.Interface

	mu        sync.Mutex
	signature string
}

func NewStore(path string, log logger.Interface) *Store {
	return &Store{
		path:   path,
		logger: log.With("component", "flowstore", "path", path),
	}
}

// Sign returns the lowercase hex sha1 of data.
func Sign(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Name is the artifact's base file name.
func (s *Store) Name() string {
	return filepath.Base(s.path)
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return data, nil
}

// Write replaces the artifact atomically and records the new signature.
func (s *Store) Write(data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return "", fmt.Errorf("create temp flow file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write temp flow file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp flow file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("replace flow file: %w", err)
	}

	s.signature = Sign(data)
	s.logger.Infow("flow file written", "signature", s.signature, "bytes", len(data))
	return s.signature, nil
}

// Signature returns the last recorded signature, empty when none was recorded.
func (s *Store) Signature() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signature
}

// Refresh re-signs the file on disk. A missing file clears the signature.
func (s *Store) Refresh() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		changed := s.signature != ""
		s.signature = ""
		return "", changed, nil
	}
	if err != nil {
		return s.signature, false, fmt.Errorf("read flow file: %w", err)
	}

	sig := Sign(data)
	changed := sig != s.signature
	s.signature = sig
	return sig, changed, nil
}

// Watch reports changes to the artifact until ctx is done. The parent
// directory is watched so atomic replacements are seen as changes.
func (s *Store) Watch(ctx context.Context, onChange, onRemove func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
					onRemove()
					continue
				}
				onChange()
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnw("flow watcher error", "error", err)
		}
	}
}
