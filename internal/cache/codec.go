package cache

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrLockHeld is returned by WithLock when another caller holds the lock.
// It matches domain.ErrConflict.
var ErrLockHeld = fmt.Errorf("lock is held: %w", domain.ErrConflict)

// Encode serializes a value with msgpack, reusing json field names.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a value written by Encode.
func Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// GetValue reads and decodes a cached value. A miss returns nil, nil.
func GetValue[T any](ctx context.Context, c domain.Cache, key string) (*T, error) {
	data, err := c.Get(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	var v T
	if err := Decode(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode cached %s: %w", key, err)
	}
	return &v, nil
}

// SetValue encodes and caches a value.
func SetValue[T any](ctx context.Context, c domain.Cache, key string, v *T, ttl time.Duration) error {
	data, err := Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// WithLock runs fn while holding an advisory lock on key.
func WithLock(ctx context.Context, c domain.Cache, key string, ttl time.Duration, fn func() error) error {
	token, ok, err := c.AcquireLock(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	defer c.ReleaseLock(context.WithoutCancel(ctx), key, token)
	return fn()
}

// Cache keys.

// LatestScoreKey caches a user's latest daily score.
func LatestScoreKey(userID string) string { return "score:user:" + userID }

// TripScoreKey caches a trip score.
func TripScoreKey(tripID string) string { return "score:trip:" + tripID }

// ModelOutputKey caches a provider result for a subject.
func ModelOutputKey(s domain.Subject) string { return "model:" + s.String() }

// FeaturesKey caches aggregated user features for a window.
func FeaturesKey(userID string, w domain.Window) string {
	return fmt.Sprintf("features:%s:%d:%d", userID, w.Start.Unix(), w.End.Unix())
}

// PolicyLockKey guards the read-decide-write sequence of one policy.
func PolicyLockKey(policyID string) string { return "policy:" + policyID }

// BatchKey deduplicates a user's daily batch run.
func BatchKey(userID string, day time.Time) string {
	return "batch:" + day.UTC().Format("2006-01-02") + ":" + userID
}

// BatchRunKey counts batch attempts for a day.
func BatchRunKey(day time.Time) string {
	return "batch-runs:" + day.UTC().Format("2006-01-02")
}
