package ratelimit

import (
	"context"
)

// Store is the storage backend for rate limit state. Keys are opaque caller
// identities: the resolved credential when one is present, otherwise the
// client address. Implementations can be in-memory (single instance) or
// Redis-backed (distributed).
type Store interface {
	// Allow checks whether a request under the key should be admitted,
	// consuming one token if so.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)

	// Remaining returns the tokens left for a key without consuming any.
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)

	// Reset restores the key's bucket to full capacity.
	Reset(ctx context.Context, key string) error

	// Close releases resources.
	Close() error
}

// Limiter applies per-caller token bucket limits through a pluggable store.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// Config holds limiter settings.
type Config struct {
	// Store defaults to MemoryStore when nil.
	Store Store

	// RequestsPerSecond is the sustained rate; BurstSize the bucket capacity.
	RequestsPerSecond float64
	BurstSize         float64
}

// DefaultConfig returns defaults sized for streaming endpoints, where each
// admitted request can occupy a connection for minutes.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		BurstSize:         20,
	}
}

// NewLimiter creates a limiter, applying defaults for unset fields.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.BurstSize,
		refillRate: cfg.RequestsPerSecond,
	}
}

// Allow reports whether a request under the key should be admitted. On store
// errors the limiter fails open: a broken limiter must not take down the
// relay.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if key == "" {
		return true
	}
	allowed, _, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return true
	}
	return allowed
}

// Remaining returns the tokens left for the key.
func (l *Limiter) Remaining(ctx context.Context, key string) float64 {
	if key == "" {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Reset restores the key's bucket to full capacity.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
