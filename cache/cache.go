// Package cache provides the tagged result cache: normalised keys, TTL
// expiry, optional gzip compression, and bulk invalidation over a tag
// index. The in-memory store is the reference implementation; the Redis
// store backs shared deployments.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"io"
	"strings"
	"time"

	"github.com/voltmind/maestro/core"
)

// compressedMarker prefixes stored values that went through gzip.
const compressedMarker = "gzip:"

// DefaultCompressionThreshold is the value size at which compression
// kicks in.
const DefaultCompressionThreshold = 1024

// SetOptions tune one Set call.
type SetOptions struct {
	// TTL for the entry. Zero falls back to the configured default per
	// store; entries never outlive a non-zero TTL.
	TTL time.Duration

	// Tags index the entry for bulk invalidation.
	Tags []string

	// Compress gzips the value when it reaches the store's threshold.
	Compress bool
}

// Stats is the observable cache state.
type Stats struct {
	Entries    int    `json:"entries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	TotalBytes int64  `json:"total_bytes"`
}

// Cache is the shared contract of the in-memory and Redis stores.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, opts *SetOptions) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error

	// InvalidateByTags removes every entry carrying any of the tags and
	// returns the number of removed entries.
	InvalidateByTags(ctx context.Context, tags []string) (int, error)

	Stats(ctx context.Context) (Stats, error)
}

// Config is shared by both store implementations.
type Config struct {
	// DefaultTTL applies when SetOptions.TTL is zero. Default: 1h.
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`

	// KindTTL overrides DefaultTTL per task kind for callers caching
	// results by kind.
	KindTTL map[core.TaskKind]time.Duration `json:"kind_ttl" yaml:"kind_ttl"`

	// EnableCompression gates compression globally.
	EnableCompression bool `json:"enable_compression" yaml:"enable_compression"`

	// CompressionThreshold is the minimum value size to compress.
	// Default: 1024 bytes.
	CompressionThreshold int `json:"compression_threshold" yaml:"compression_threshold"`

	// KeyPrefix namespaces entries in shared backings. Default:
	// "maestro:cache:".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// Logger for cache events
	Logger core.Logger `json:"-" yaml:"-"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:           time.Hour,
		EnableCompression:    true,
		CompressionThreshold: DefaultCompressionThreshold,
		KeyPrefix:            "maestro:cache:",
		Logger:               &core.NoOpLogger{},
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	cfg := *c
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "maestro:cache:"
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &cfg
}

// TTLFor returns the TTL for entries of a task kind.
func (c *Config) TTLFor(kind core.TaskKind) time.Duration {
	if ttl, ok := c.KindTTL[kind]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}

// NormalizeKey lowercases the key and replaces every rune outside
// [a-z0-9:_-] with '_'. Logically distinct keys that normalise to the
// same string share one cache entry.
func NormalizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ':', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// encodeValue applies compression when enabled, requested, and the value
// reaches the threshold. Compressed values carry the gzip: marker over a
// base64 body so they stay transport-safe strings.
func encodeValue(value string, opts *SetOptions, cfg *Config) (string, error) {
	if opts == nil || !opts.Compress || !cfg.EnableCompression || len(value) < cfg.CompressionThreshold {
		return value, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(value)); err != nil {
		return "", core.WrapError(core.CodeRepository, "cache compression failed", err)
	}
	if err := zw.Close(); err != nil {
		return "", core.WrapError(core.CodeRepository, "cache compression failed", err)
	}

	encoded := compressedMarker + base64.StdEncoding.EncodeToString(buf.Bytes())
	if len(encoded) >= len(value) {
		// Compression did not pay off; store plain.
		return value, nil
	}
	return encoded, nil
}

// decodeValue reverses encodeValue.
func decodeValue(stored string) (string, error) {
	body, ok := strings.CutPrefix(stored, compressedMarker)
	if !ok {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", core.WrapError(core.CodeRepository, "cache entry corrupted", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", core.WrapError(core.CodeRepository, "cache entry corrupted", err)
	}
	defer zr.Close()

	plain, err := io.ReadAll(zr)
	if err != nil {
		return "", core.WrapError(core.CodeRepository, "cache entry corrupted", err)
	}
	return string(plain), nil
}
