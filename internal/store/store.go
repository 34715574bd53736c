// Package store implements the Ephemeral State Store (C1): a TTL-bounded
// key/value space scoped under room:{roomId}:... keys, with a Redis-backed
// production implementation and an in-process fallback for local runs and
// tests. Every write refreshes its own key's TTL; no multi-key transaction
// is introduced.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist (expired or
// never written); list and set reads return an empty result instead.
var ErrNotFound = errors.New("store: key not found")

// Store is the C1 contract: scalar get/set/delete, list append/range/trim,
// and set add/remove/members/size, each scoped to a single key and each
// carrying its own TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ListAppend(ctx context.Context, key string, val []byte, ttl time.Duration) error
	ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	ListTrim(ctx context.Context, key string, start, stop int64) error

	SetAdd(ctx context.Context, key string, member string, ttl time.Duration) error
	SetRem(ctx context.Context, key string, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetSize(ctx context.Context, key string) (int64, error)

	Keys(ctx context.Context, pattern string) ([]string, error)
}

// ExpireAll refreshes the TTL of every key in keys, so a game state family
// written across several keys in one command still expires together. This
// is a convenience loop over Expire, not a transaction.
func ExpireAll(ctx context.Context, s Store, keys []string, ttl time.Duration) error {
	for _, k := range keys {
		if err := s.Expire(ctx, k, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Key builders, grounded on iYashMaurya-Code-Us/backend/database/redis.go's
// room:{id}:... layout.

func RoomKey(roomID string) string { return "room:" + roomID + ":info" }

// GameStateKey is the single source-of-truth key for one game's state
// machine in roomID.
func GameStateKey(roomID, game string) string { return "room:" + roomID + ":" + game + ":state" }

// GameAuxKey is an auxiliary, independently-updatable key scoped to one
// game's state family (append-only lists, vote sets, and similar).
func GameAuxKey(roomID, game, suffix string) string {
	return "room:" + roomID + ":" + game + ":" + suffix
}
