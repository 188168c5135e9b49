// Package mirror implements the flat key-value space that holds a redundant
// copy of every entry record.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	fileExt          = ".json"
	defaultCacheSize = 256
)

// ErrInvalidKey is returned for keys that cannot be mapped to a file name.
var ErrInvalidKey = errors.New("invalid mirror key")

// FileStore keeps one file per key in a directory. Values read from disk are
// held in an LRU cache; Watch evicts cached values when files change behind
// the store's back.
type FileStore struct {
	dir    string
	cache  *lru.Cache[string, []byte]
	logger *slog.Logger
}

// OpenFileStore creates dir if needed and returns a store over it.
// If cacheSize is <= 0, it defaults to 256.
func OpenFileStore(dir string, cacheSize int) (*FileStore, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating mirror cache: %w", err)
	}
	return &FileStore{dir: dir, cache: cache, logger: slog.Default()}, nil
}

// Dir returns the directory backing the store.
func (f *FileStore) Dir() string { return f.dir }

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, key+fileExt)
}

// Keys lists every stored key in lexical order.
func (f *FileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("reading mirror directory: %w", err)
	}
	keys := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns the value stored under key. ok is false when the key is absent.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if v, ok := f.cache.Get(key); ok {
		return bytes.Clone(v), true, nil
	}

	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading mirror key %s: %w", key, err)
	}
	f.cache.Add(key, bytes.Clone(data))
	return data, true, nil
}

// Set writes val under key. The file is replaced atomically.
func (f *FileStore) Set(ctx context.Context, key string, val []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(val); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing mirror key %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing mirror key %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing mirror key %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, f.path(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing mirror key %s: %w", key, err)
	}

	f.cache.Add(key, bytes.Clone(val))
	return nil
}

// Watch evicts cached values whose files are modified, renamed or removed by
// another process. It blocks until ctx is cancelled.
func (f *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating mirror watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(f.dir); err != nil {
		return fmt.Errorf("watching %s: %w", f.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				f.cache.Remove(strings.TrimSuffix(name, fileExt))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("mirror watcher error", "error", err)
		}
	}
}
