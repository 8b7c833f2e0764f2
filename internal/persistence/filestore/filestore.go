// Package filestore is the default PersistencePorts adapter: file-based
// JSON storage with advisory locking and atomic write-then-rename.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencode-ai/relay/internal/persistence"
)

// store is the generic file-backed key/value layer every concrete store in
// this package is built on.
type store struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*fileLock
}

func newStore(basePath string) *store {
	return &store{basePath: basePath, locks: make(map[string]*fileLock)}
}

func (s *store) file(parts ...string) string {
	all := append([]string{s.basePath}, parts...)
	return filepath.Join(all...) + ".json"
}

func (s *store) dir(parts ...string) string {
	all := append([]string{s.basePath}, parts...)
	return filepath.Join(all...)
}

func (s *store) get(ctx context.Context, v any, parts ...string) error {
	path := s.file(parts...)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &persistence.NotFound{Kind: strings.Join(parts, "/"), ID: parts[len(parts)-1]}
		}
		return fmt.Errorf("%w: read %s: %v", persistence.ErrBackendUnavailable, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("filestore: unmarshal %s: %w", path, err)
	}
	return nil
}

func (s *store) put(ctx context.Context, v any, parts ...string) error {
	path := s.file(parts...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", persistence.ErrBackendUnavailable, err)
	}

	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock %s: %v", persistence.ErrBackendUnavailable, path, err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", persistence.ErrBackendUnavailable, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", persistence.ErrBackendUnavailable, path, err)
	}
	return nil
}

// mutate performs an atomic read-modify-write of the JSON value at parts.
// If the file does not exist, zero is passed to fn unmodified (callers
// decide whether that counts as "create on first write").
func (s *store) mutate(ctx context.Context, v any, fn func() error, parts ...string) error {
	path := s.file(parts...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir: %v", persistence.ErrBackendUnavailable, err)
	}

	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock %s: %v", persistence.ErrBackendUnavailable, path, err)
	}
	defer lock.Unlock()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("filestore: unmarshal %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: read %s: %v", persistence.ErrBackendUnavailable, path, err)
	}

	if err := fn(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", persistence.ErrBackendUnavailable, tmp, err)
	}
	return os.Rename(tmp, path)
}

func (s *store) delete(ctx context.Context, parts ...string) error {
	path := s.file(parts...)
	lock := s.lockFor(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: lock %s: %v", persistence.ErrBackendUnavailable, path, err)
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", persistence.ErrBackendUnavailable, path, err)
	}
	return nil
}

func (s *store) list(ctx context.Context, parts ...string) ([]string, error) {
	dirPath := s.dir(parts...)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: readdir %s: %v", persistence.ErrBackendUnavailable, dirPath, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") {
			names = append(names, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	return names, nil
}

func (s *store) lockFor(path string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = newFileLock(path)
		s.locks[path] = l
	}
	return l
}

// NewPorts bundles the five concrete filestore-backed stores into a
// persistence.Ports, the one handle everything above SessionReader/Writer
// needs.
func NewPorts(basePath string) persistence.Ports {
	return persistence.Ports{
		Sessions:        newSessionStore(basePath),
		Messages:        newMessageStore(basePath),
		Contexts:        newContextStore(basePath),
		SessionContexts: newSessionContextStore(basePath),
		Artifacts:       newArtifactStore(basePath),
	}
}
