package cfddns

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// anyTargetKey holds an entry that applies to every target without one of its own.
const anyTargetKey = "*"

var errCorruptCache = errors.New("decoding cache")

// FileCache is a CacheStore kept in a single JSON file.
//
// The file holds one object per target key:
//
//	{"<zone id>/<record id>": {"ip": "203.0.113.7", "updated_at": "2024-05-01T10:00:00Z"}}
//
// A file holding a single entry, {"ip": ..., "updated_at": ...}, is read as the
// entry of every target until that target is written; the next write stores it
// under the "*" key.
//
// Writes replace the whole file atomically (temp file + rename),
// so a failed write leaves the previous content readable.
// A file that cannot be decoded is replaced by the next write.
// Writers sharing one FileCache are serialized.
type FileCache struct {
	path string
	mu   sync.Mutex
}

func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (c *FileCache) Read(_ context.Context, key string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load()
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry, found := entries[key]
	if !found {
		entry, found = entries[anyTargetKey]
	}
	return entry, found, nil
}

func (c *FileCache) Write(ctx context.Context, key string, entry CacheEntry) error {
	if !entry.Addr.IsValid() {
		return &PersistenceError{Op: "write", Path: c.path, Err: errors.New("refusing to cache an invalid address")}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load()
	if errors.Is(err, errCorruptCache) {
		entries, err = make(map[string]CacheEntry), nil
	}
	if err != nil {
		return err
	}
	entries[key] = entry
	bs, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return &PersistenceError{Op: "write", Path: c.path, Err: err}
	}
	if err := writeFileAtomic(ctx, c.path, bs); err != nil {
		return &PersistenceError{Op: "write", Path: c.path, Err: err}
	}
	return nil
}

// Entries returns every cached entry by target key.
func (c *FileCache) Entries() (map[string]CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *FileCache) load() (map[string]CacheEntry, error) {
	entries := make(map[string]CacheEntry)
	bs, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: c.path, Err: err}
	}
	if len(bytes.TrimSpace(bs)) == 0 {
		return entries, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(bs, &raw); err != nil {
		return nil, c.corrupt(err)
	}
	if _, single := raw["ip"]; single {
		var entry CacheEntry
		if err := json.Unmarshal(bs, &entry); err != nil {
			return nil, c.corrupt(err)
		}
		entries[anyTargetKey] = entry
		return entries, nil
	}
	if err := json.Unmarshal(bs, &entries); err != nil {
		return nil, c.corrupt(err)
	}
	return entries, nil
}

func (c *FileCache) corrupt(err error) error {
	return &PersistenceError{Op: "read", Path: c.path, Err: fmt.Errorf("%w: %w", errCorruptCache, err)}
}

// writeFileAtomic writes bs to a temp file in the target directory, syncs it and renames it over file.
func writeFileAtomic(ctx context.Context, file string, bs []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write start: %w", ctx.Err())
	}
	dir, name := filepath.Split(file)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("set temp file permissions: %w", err)
	}
	if _, err := tmp.Write(bs); err != nil {
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, file); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// FileHistory is a HistoryLog stored as JSON lines, one record per line, in append order.
type FileHistory struct {
	path string
	mu   sync.Mutex
}

func NewFileHistory(path string) *FileHistory {
	return &FileHistory{path: path}
}

func (h *FileHistory) Append(_ context.Context, record HistoryRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return &PersistenceError{Op: "append", Path: h.path, Err: err}
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	if dir := filepath.Dir(h.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return &PersistenceError{Op: "append", Path: h.path, Err: err}
		}
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return &PersistenceError{Op: "append", Path: h.path, Err: err}
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return &PersistenceError{Op: "append", Path: h.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &PersistenceError{Op: "append", Path: h.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &PersistenceError{Op: "append", Path: h.path, Err: err}
	}
	return nil
}

// Records reads the log back in append order.
// A missing file is an empty log.
func (h *FileHistory) Records(_ context.Context) ([]HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: h.path, Err: err}
	}
	defer f.Close()

	var records []HistoryRecord
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r HistoryRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return records, &PersistenceError{Op: "read", Path: h.path, Err: fmt.Errorf("line %d: %w", n, err)}
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return records, &PersistenceError{Op: "read", Path: h.path, Err: err}
	}
	return records, nil
}
