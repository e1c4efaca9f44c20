package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/delverhq/delver/config"
)

// Cache is a byte-oriented key-value store with per-entry TTLs. Expired and
// unreadable entries are treated as absent and purged on read.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// New builds the configured backend: redis when cache.backend says so,
// otherwise the file cache under cache.dir.
func New(ctx context.Context, cfg *config.Config) (Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return NewRedisCache(ctx, cfg.Storage.Redis)
	default:
		return NewFileCache(cfg.Cache.Dir)
	}
}

// FileCache persists entries as one JSON file per key under a directory.
// File names are the md5 of the key, so arbitrary key strings are safe.
type FileCache struct {
	dir    string
	logger *log.Logger
}

type fileEntry struct {
	ExpiresAt int64           `json:"expires_at"`
	Value     json.RawMessage `json:"value"`
}

// NewFileCache creates the directory when missing.
func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		dir = "./data/cache"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &FileCache{
		dir:    dir,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}, nil
}

func (c *FileCache) path(key string) string {
	sum := md5.Sum([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

func (c *FileCache) Get(_ context.Context, key string) ([]byte, bool) {
	path := c.path(key)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var entry fileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// corrupted entry: purge and report a miss
		c.logger.Printf("removing corrupted cache entry %s: %v", filepath.Base(path), err)
		_ = os.Remove(path)
		return nil, false
	}
	if time.Now().Unix() > entry.ExpiresAt {
		_ = os.Remove(path)
		return nil, false
	}
	return entry.Value, true
}

func (c *FileCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if !json.Valid(value) {
		// entry files hold JSON; quote anything else
		encoded, err := json.Marshal(string(value))
		if err != nil {
			return fmt.Errorf("encoding cache value: %w", err)
		}
		value = encoded
	}
	entry := fileEntry{ExpiresAt: time.Now().Add(ttl).Unix(), Value: value}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		return fmt.Errorf("publishing cache entry: %w", err)
	}
	return nil
}

func (c *FileCache) Delete(_ context.Context, key string) error {
	err := os.Remove(c.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Clear removes every entry file; foreign files in the directory stay.
func (c *FileCache) Clear(_ context.Context) error {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
