// Package redis writes snapshots as Redis string values.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/keyserver/internal/snapshot"
)

// DefaultPrefix namespaces snapshot keys when the URL sets none.
const DefaultPrefix = "keyserver"

// Config controls the Redis sink.
type Config struct {
	// URL is a redis:// or rediss:// URL understood by go-redis.
	URL string
	// Prefix is prepended to every key with a colon separator.
	Prefix string
	// TTL expires archived snapshots. latest.json never expires. Zero keeps
	// everything.
	TTL time.Duration
}

// Sink stores snapshots with SET.
type Sink struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// New parses cfg.URL and pings the server.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	prefix := strings.Trim(cfg.Prefix, ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return &Sink{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Key returns the Redis key a snapshot name is stored under.
func (s *Sink) Key(name string) string {
	return s.prefix + ":" + name
}

// Put stores body under Key(name).
func (s *Sink) Put(ctx context.Context, name string, body []byte, _ string) error {
	ttl := s.ttl
	if name == snapshot.LatestName {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.Key(name), body, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", s.Key(name), err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Sink) Close() error {
	return s.client.Close()
}
