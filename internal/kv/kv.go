// Package kv wraps the Redis connection used for all durable state.
//
// Every other component (queue, account registry, settings, metrics) goes
// through this package for its connection and key naming. Keys live under a
// configurable prefix so multiple engine instances can share one Redis
// database without colliding.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store holds the Redis client and the key schema for one engine instance.
// It is safe for concurrent use — go-redis clients are goroutine-safe.
//
// The zero value is not usable — create instances with New.
type Store struct {
	rdb    *redis.Client
	keys   Keys
	logger *zap.Logger
}

// Options configure the Redis connection.
type Options struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is the optional Redis AUTH password.
	Password string

	// DB is the Redis logical database number.
	DB int

	// Prefix is prepended (with a trailing colon) to every key this engine
	// writes. Empty means no prefix.
	Prefix string
}

// New connects to Redis and verifies the connection with a ping.
// The caller owns the returned Store and must Close it on shutdown.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("kv: failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("connected to redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.String("prefix", opts.Prefix),
	)

	return &Store{
		rdb:    rdb,
		keys:   Keys{Prefix: opts.Prefix},
		logger: logger.Named("kv"),
	}, nil
}

// NewWithClient wraps an existing Redis client. Used by tests to point the
// store at a miniredis instance.
func NewWithClient(rdb *redis.Client, prefix string, logger *zap.Logger) *Store {
	return &Store{
		rdb:    rdb,
		keys:   Keys{Prefix: prefix},
		logger: logger.Named("kv"),
	}
}

// Redis exposes the underlying client for components that issue their own
// commands (queue scripts, registry hashes). The key schema in Keys must be
// used for every key passed to it.
func (s *Store) Redis() *redis.Client {
	return s.rdb
}

// Keys returns the key schema bound to this store's prefix.
func (s *Store) Keys() Keys {
	return s.keys
}

// Publish sends a message on the engine control channel. Account lifecycle
// changes (new, update, delete) and worker state changes flow through here
// so that every process watching the channel sees them.
func (s *Store) Publish(ctx context.Context, payload []byte) error {
	if err := s.rdb.Publish(ctx, s.keys.ControlChannel(), payload).Err(); err != nil {
		return fmt.Errorf("kv: publish on %s: %w", s.keys.ControlChannel(), err)
	}
	return nil
}

// Subscribe opens a subscription on the control channel. The caller must
// Close the returned PubSub when done.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, s.keys.ControlChannel())
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}
