package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"keygate/internal/model"

	"github.com/fsnotify/fsnotify"
)

// fileDocument is the on-disk layout: two top-level lists.
type fileDocument struct {
	Keys  []model.APIKey `json:"keys"`
	Users []model.User   `json:"users"`
}

// FileStore is a MemoryStore that rewrites a JSON document after every
// mutation. Writes go to a temp file that is renamed over the target.
type FileStore struct {
	*MemoryStore
	path        string
	logger      *slog.Logger
	lastWritten []byte

	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFileStore loads path (a missing file means an empty store).
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path cannot be empty")
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        filepath.Clean(path),
		logger:      logger.With("component", "filestore"),
		done:        make(chan struct{}),
	}
	fs.MemoryStore.commit = fs.writeLocked

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.loadLocked(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) loadLocked() error {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return model.Unavailable("read key file", err)
	}
	if bytes.Equal(data, fs.lastWritten) {
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse key file %s: %w", fs.path, err)
	}
	if err := fs.replaceLocked(doc.Keys, doc.Users); err != nil {
		return fmt.Errorf("invalid key file %s: %w", fs.path, err)
	}
	fs.lastWritten = data
	return nil
}

// writeLocked persists the current state. The caller holds mu.
func (fs *FileStore) writeLocked() error {
	doc := fileDocument{Keys: fs.keysLocked(), Users: fs.usersLocked()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Unavailable("create key file directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".keygate-*.json")
	if err != nil {
		return model.Unavailable("create temp key file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return model.Unavailable("write key file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return model.Unavailable("close key file", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return model.Unavailable("replace key file", err)
	}
	fs.lastWritten = data
	return nil
}

// Reload re-reads the document from disk.
func (fs *FileStore) Reload() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadLocked()
}

// Watch reloads the document whenever it is changed by another process.
// It returns once the watcher is running.
func (fs *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: the file itself is replaced on every write.
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", fs.path, err)
	}
	fs.watcher = watcher

	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != fs.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if err := fs.Reload(); err != nil {
					fs.logger.Error("Failed to reload key file", "path", fs.path, "error", err)
					continue
				}
				fs.logger.Debug("Key file reloaded", "path", fs.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fs.logger.Warn("Key file watcher error", "error", err)
			case <-ctx.Done():
				return
			case <-fs.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if any.
func (fs *FileStore) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		close(fs.done)
		if fs.watcher != nil {
			err = fs.watcher.Close()
		}
		fs.wg.Wait()
	})
	return err
}
