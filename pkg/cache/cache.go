// Package cache keeps downloaded source models on disk between requests.
// A model directory counts as cached once its sentinel file exists; partial
// downloads are resumed on the next attempt.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/gguf-my-repo/pkg/diskusage"
	"github.com/docker/gguf-my-repo/pkg/logging"
)

// SentinelFile marks a completely downloaded model directory.
const SentinelFile = ".download_complete"

// separator replaces the '/' of a model id in directory names.
const separator = "__"

var (
	// ErrDisabled is returned by operations on a cache without a root.
	ErrDisabled = errors.New("model cache is disabled")
	// ErrNotCached is returned when removing a model that is not cached.
	ErrNotCached = errors.New("model is not cached")
	// ErrInvalidModelID is returned for ids that cannot name a directory.
	ErrInvalidModelID = errors.New("invalid model id")
)

// FetchFunc downloads a model into dir.
type FetchFunc func(ctx context.Context, dir string) error

// Entry describes a cached model.
type Entry struct {
	ModelID  string
	Dir      string
	Size     int64
	Complete bool
	ModTime  time.Time
}

// Cache is a directory of downloaded models.
type Cache struct {
	root string
	log  logging.Logger

	lock    sync.Mutex
	pending map[string]*sync.Mutex
}

// New creates a cache rooted at root. An empty root disables caching.
func New(log logging.Logger, root string) *Cache {
	return &Cache{
		root:    root,
		log:     log,
		pending: make(map[string]*sync.Mutex),
	}
}

// Enabled reports whether the cache has a root directory.
func (c *Cache) Enabled() bool {
	return c.root != ""
}

// Root returns the cache root.
func (c *Cache) Root() string {
	return c.root
}

// DirName maps a model id such as "google/gemma-2b" to its directory name,
// "google__gemma-2b".
func DirName(modelID string) (string, error) {
	if modelID == "" || strings.ContainsAny(modelID, `\:`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidModelID, modelID)
	}
	for _, part := range strings.Split(modelID, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidModelID, modelID)
		}
	}
	return strings.ReplaceAll(modelID, "/", separator), nil
}

// ModelID reverses DirName.
func ModelID(dirName string) string {
	return strings.Replace(dirName, separator, "/", 1)
}

// Dir returns the cache directory of a model.
func (c *Cache) Dir(modelID string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	name, err := DirName(modelID)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.root, name), nil
}

// IsComplete reports whether a model is fully cached.
func (c *Cache) IsComplete(modelID string) bool {
	dir, err := c.Dir(modelID)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, SentinelFile))
	return err == nil
}

// modelLock serializes fetches of the same model.
func (c *Cache) modelLock(modelID string) *sync.Mutex {
	c.lock.Lock()
	defer c.lock.Unlock()
	l, ok := c.pending[modelID]
	if !ok {
		l = &sync.Mutex{}
		c.pending[modelID] = l
	}
	return l
}

// Ensure returns the directory of a cached model, calling fetch first unless
// the model is already complete. The sentinel is written only after fetch
// succeeds.
func (c *Cache) Ensure(ctx context.Context, modelID string, fetch FetchFunc) (string, error) {
	dir, err := c.Dir(modelID)
	if err != nil {
		return "", err
	}
	l := c.modelLock(modelID)
	l.Lock()
	defer l.Unlock()

	sentinel := filepath.Join(dir, SentinelFile)
	if _, err := os.Stat(sentinel); err == nil {
		c.log.Infof("Model %s found in cache, skipping download", modelID)
		return dir, nil
	}

	c.log.Infof("Model %s not found in cache, starting download", modelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	if err := fetch(ctx, dir); err != nil {
		return "", err
	}
	if err := os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("marking %s as cached: %w", modelID, err)
	}
	c.log.Infof("Model %s downloaded and cached", modelID)
	return dir, nil
}

// List returns the cached models ordered by id.
func (c *Cache) List() ([]Entry, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	dirs, err := os.ReadDir(c.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing cache: %w", err)
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(c.root, d.Name())
		entry := Entry{ModelID: ModelID(d.Name()), Dir: dir}
		if info, err := os.Stat(filepath.Join(dir, SentinelFile)); err == nil {
			entry.Complete = true
			entry.ModTime = info.ModTime()
		} else if info, err := d.Info(); err == nil {
			entry.ModTime = info.ModTime()
		}
		if entry.Size, err = diskusage.Size(dir); err != nil {
			c.log.Warnf("Could not measure %s: %v", dir, err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModelID < entries[j].ModelID })
	return entries, nil
}

// Remove deletes a cached model.
func (c *Cache) Remove(modelID string) error {
	dir, err := c.Dir(modelID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotCached, modelID)
	}
	l := c.modelLock(modelID)
	l.Lock()
	defer l.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s from cache: %w", modelID, err)
	}
	c.log.Infof("Removed %s from cache", modelID)
	return nil
}

// Prune removes models last completed (or, if incomplete, last modified)
// more than olderThan ago, and returns what it removed.
func (c *Cache) Prune(olderThan time.Duration) ([]Entry, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)
	var removed []Entry
	for _, e := range entries {
		if e.ModTime.After(cutoff) {
			continue
		}
		if err := c.Remove(e.ModelID); err != nil {
			return removed, err
		}
		removed = append(removed, e)
	}
	return removed, nil
}
