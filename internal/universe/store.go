package universe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gainscan/config"
	"gainscan/models"

	"github.com/go-redis/redis/v8"
)

// ErrNoEntry is returned by an EntryStore that has never been written.
var ErrNoEntry = errors.New("no cache entry")

// EntryStore persists the single instrument cache record.
type EntryStore interface {
	Load(ctx context.Context) (models.CacheEntry, error)
	Save(ctx context.Context, entry models.CacheEntry) error
}

// NewEntryStore builds the store selected by storage.cache.backend.
func NewEntryStore(cfg config.CacheConfig) (EntryStore, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path), nil
	case "redis":
		return NewRedisStore(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func decodeEntry(data []byte) (models.CacheEntry, error) {
	var raw struct {
		Timestamp *int64    `json:"timestamp"`
		Symbols   *[]string `json:"symbols"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.CacheEntry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	if raw.Timestamp == nil || raw.Symbols == nil {
		return models.CacheEntry{}, fmt.Errorf("decode cache entry: missing timestamp or symbols")
	}
	return models.CacheEntry{Timestamp: *raw.Timestamp, Symbols: *raw.Symbols}, nil
}

// FileStore keeps the entry as a JSON document on local disk.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (models.CacheEntry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.CacheEntry{}, ErrNoEntry
	}
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("read cache file: %w", err)
	}
	return decodeEntry(data)
}

// Save overwrites the file through a temporary sibling and rename.
func (s *FileStore) Save(_ context.Context, entry models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

// RedisStore keeps the entry under a single key so several scanners can
// share one universe.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	key := cfg.Key
	if key == "" {
		key = "gainscan:exchange_info"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key: key,
	}
}

func (s *RedisStore) Load(ctx context.Context) (models.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.CacheEntry{}, ErrNoEntry
	}
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return decodeEntry(data)
}

// Save stores the entry without a TTL; staleness is judged by its timestamp.
func (s *RedisStore) Save(ctx context.Context, entry models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
