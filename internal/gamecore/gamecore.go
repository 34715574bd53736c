// Package gamecore declares the shared capability the five game state
// machines implement. Per Design Note "model this as one capability with
// five variants; do not try to share fields," Machine exposes only the
// skeleton operations — game code, initialize, action dispatch, the
// scheduler's completion callback, and end — never a shared state struct.
package gamecore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

// Broadcaster is the publish surface every game machine needs from the
// Event Bus, declared here (rather than per-game) since all five machines
// need the same four operations; gamecore never imports bus, avoiding any
// cycle.
type Broadcaster interface {
	BroadcastAll(roomID, name string, payload interface{})
	BroadcastHost(roomID, name string, payload interface{})
	BroadcastPlayers(roomID, name string, payload interface{})
	BroadcastTo(roomID, deviceID, name string, payload interface{})
}

// Machine is implemented by each of internal/games/{marble,mafia,liar,quiz,truth}.
type Machine interface {
	// Game returns the game code this machine handles (room.GameMarble, etc).
	Game() string

	// Initialize creates this game's state for roomID, replacing any prior
	// state for the same game family wholesale.
	Initialize(ctx context.Context, roomID string, params map[string]interface{}) error

	// HandleAction dispatches a named player/host action against roomID's
	// current state.
	HandleAction(ctx context.Context, roomID, deviceID, action string, payload map[string]interface{}) error

	// OnPhaseComplete is invoked by the Scheduler when a phase's deadline
	// elapses with no earlier action-driven transition.
	OnPhaseComplete(ctx context.Context, roomID string) error

	// End clears all of this game's state keys for roomID.
	End(ctx context.Context, roomID string) error
}

// LoadState reads key and decodes it into out. Returns an apperr NotFound
// if the key is absent — the convention every game machine uses for "no
// active state", matching C1's "absence means room/state gone" contract.
func LoadState(ctx context.Context, st store.Store, key string, out interface{}) error {
	raw, err := st.Get(ctx, key)
	if err == store.ErrNotFound {
		return apperr.NotFoundf("state key %s not found", key)
	}
	if err != nil {
		return apperr.Internalf("read state: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Internalf("decode state: %v", err)
	}
	return nil
}

// SaveState encodes val as JSON and writes it to key with ttl.
func SaveState(ctx context.Context, st store.Store, key string, val interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return apperr.Internalf("encode state: %v", err)
	}
	if err := st.Set(ctx, key, raw, ttl); err != nil {
		return apperr.Internalf("write state: %v", err)
	}
	return nil
}
