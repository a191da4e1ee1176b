// Package redis stores the cart slot in Redis under a key namespace.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Del(context.Context, ...string) *redis.IntCmd
	Scan(context.Context, uint64, string, int64) *redis.ScanCmd
}

// Options selects the Redis server. URL wins over Addr when both are set.
type Options struct {
	URL          string
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Storage keeps every key under "<namespace>:" so Clear only touches the
// cart's own keys.
type Storage struct {
	store     cmdable
	raw       *redis.Client
	namespace string
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, opts Options, namespace string) (*Storage, error) {
	ropts, err := clientOptions(opts)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(ropts)
	if err := raw.Ping(ctx).Err(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Storage{store: raw, raw: raw, namespace: namespace}, nil
}

func clientOptions(opts Options) (*redis.Options, error) {
	if opts.URL == "" && opts.Addr == "" {
		return nil, errors.New("redis url or address is required")
	}
	var ropts *redis.Options
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		ropts = parsed
	} else {
		ropts = &redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}
	}
	if ropts.DialTimeout == 0 {
		ropts.DialTimeout = opts.DialTimeout
	}
	if ropts.ReadTimeout == 0 {
		ropts.ReadTimeout = opts.ReadTimeout
	}
	if ropts.WriteTimeout == 0 {
		ropts.WriteTimeout = opts.WriteTimeout
	}
	return ropts, nil
}

func (s *Storage) key(k string) string {
	return s.namespace + ":" + k
}

// pattern matches every key in the namespace, whatever glob characters the
// namespace itself contains.
func (s *Storage) pattern() string {
	return globEscaper.Replace(s.namespace) + ":*"
}

// GetItem returns the value stored at key; redis.Nil maps to absent.
func (s *Storage) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := s.store.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetItem stores value without expiry.
func (s *Storage) SetItem(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, s.key(key), value, 0).Err()
}

// Clear deletes every key in the namespace.
func (s *Storage) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.store.Scan(ctx, cursor, s.pattern(), scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scanning %s: %w", s.namespace, err)
		}
		if len(keys) > 0 {
			if err := s.store.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("deleting %d keys: %w", len(keys), err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Ping reports whether the server answers.
func (s *Storage) Ping(ctx context.Context) error {
	return s.store.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}
