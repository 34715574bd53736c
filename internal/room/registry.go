package room

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/hosttoken"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

// codeAlphabet excludes 0/O/1/I for ambiguity-free room codes.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 4

const maxNicknameLen = 8

// Broadcaster is the minimal publish surface the Room Registry needs from
// the Event Bus, declared locally so room never imports bus (bus in turn
// depends on room only through the RosterChecker/TokenVerifier interfaces
// it declares itself — wiring happens at construction time in cmd/server).
type Broadcaster interface {
	BroadcastAll(roomID, name string, payload interface{})
	BroadcastHost(roomID, name string, payload interface{})
	BroadcastPlayers(roomID, name string, payload interface{})
}

// Registry is the Room Registry (C3).
type Registry struct {
	store       store.Store
	ttl         time.Duration
	tokens      *hosttoken.Manager
	broadcaster Broadcaster
	logger      *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewRegistry(st store.Store, ttl time.Duration, tokens *hosttoken.Manager, logger *zap.Logger) *Registry {
	return &Registry{
		store:  st,
		ttl:    ttl,
		tokens: tokens,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetBroadcaster completes construction once the bus exists, resolving the
// registry/bus construction cycle.
func (r *Registry) SetBroadcaster(b Broadcaster) { r.broadcaster = b }

// Lock acquires the room-scoped mutex (Design Note 9's permitted policy),
// used by both Registry methods and the game state machines around their
// read-modify-write against a room's state keys.
func (r *Registry) Lock(roomID string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[roomID] = l
	}
	r.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Create generates a fresh room code and host token and writes the initial
// Info record.
func (r *Registry) Create(ctx context.Context) (*Info, error) {
	roomID, err := r.generateUniqueCode(ctx)
	if err != nil {
		return nil, err
	}
	token, err := r.tokens.Mint(roomID)
	if err != nil {
		return nil, apperr.Internalf("mint host token: %v", err)
	}

	now := time.Now()
	info := &Info{
		RoomID:           roomID,
		HostSessionToken: token,
		Status:           StatusWaiting,
		Players:          []*Player{},
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if err := r.save(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (r *Registry) generateUniqueCode(ctx context.Context) (string, error) {
	for i := 0; i < 50; i++ {
		code, err := randomCode()
		if err != nil {
			return "", apperr.Internalf("generate room code: %v", err)
		}
		if _, err := r.store.Get(ctx, store.RoomKey(code)); err == store.ErrNotFound {
			return code, nil
		} else if err != nil {
			return "", apperr.Internalf("check room code: %v", err)
		}
	}
	return "", apperr.Internalf("exhausted room code attempts")
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// Info reads the current Info for roomID.
func (r *Registry) Info(ctx context.Context, roomID string) (*Info, error) {
	return r.load(ctx, roomID)
}

func (r *Registry) load(ctx context.Context, roomID string) (*Info, error) {
	raw, err := r.store.Get(ctx, store.RoomKey(roomID))
	if err == store.ErrNotFound {
		return nil, apperr.NotFoundf("room %s not found", roomID)
	}
	if err != nil {
		return nil, apperr.Internalf("read room: %v", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, apperr.Internalf("decode room: %v", err)
	}
	return &info, nil
}

func (r *Registry) save(ctx context.Context, info *Info) error {
	info.LastActivityAt = time.Now()
	raw, err := json.Marshal(info)
	if err != nil {
		return apperr.Internalf("encode room: %v", err)
	}
	if err := r.store.Set(ctx, store.RoomKey(info.RoomID), raw, r.ttl); err != nil {
		return apperr.Internalf("write room: %v", err)
	}
	return nil
}

// Join admits a new player into roomID under nickname, minting a fresh
// deviceId.
func (r *Registry) Join(ctx context.Context, roomID, nickname string) (*Player, error) {
	if n := utf8.RuneCountInString(nickname); n < 1 || n > maxNicknameLen {
		return nil, apperr.InvalidArgumentf("nickname must be 1-%d characters", maxNicknameLen)
	}

	unlock := r.Lock(roomID)
	defer unlock()

	info, err := r.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if info.nicknameTaken(nickname) {
		return nil, apperr.Conflictf("nickname %q already taken", nickname)
	}

	player := &Player{
		DeviceID: uuid.NewString(),
		Nickname: nickname,
		Alive:    true,
		JoinedAt: time.Now(),
	}
	info.Players = append(info.Players, player)
	if err := r.save(ctx, info); err != nil {
		return nil, err
	}

	if r.broadcaster != nil {
		r.broadcaster.BroadcastHost(roomID, "PLAYER_JOINED", map[string]interface{}{
			"nickname": nickname,
			"total":    len(info.Players),
		})
	}
	return player, nil
}

// StartGame moves a room into playing with the chosen game.
func (r *Registry) StartGame(ctx context.Context, roomID, gameCode string) error {
	unlock := r.Lock(roomID)
	defer unlock()

	info, err := r.load(ctx, roomID)
	if err != nil {
		return err
	}
	info.Status = StatusPlaying
	info.CurrentGame = gameCode
	if err := r.save(ctx, info); err != nil {
		return err
	}
	if r.broadcaster != nil {
		r.broadcaster.BroadcastAll(roomID, "GAME_STARTED", map[string]interface{}{
			"gameCode": gameCode,
		})
	}
	return nil
}

// End marks a room as ended.
func (r *Registry) End(ctx context.Context, roomID string) error {
	unlock := r.Lock(roomID)
	defer unlock()

	info, err := r.load(ctx, roomID)
	if err != nil {
		return err
	}
	info.Status = StatusEnded
	info.CurrentGame = ""
	return r.save(ctx, info)
}

// Mutate loads roomID's Info under the room-scoped lock, calls fn, and
// saves the result back if fn returns save=true. Used by callers that do
// not already hold roomID's lock (the API layer, team endpoints).
func (r *Registry) Mutate(ctx context.Context, roomID string, fn func(*Info) (save bool, err error)) error {
	unlock := r.Lock(roomID)
	defer unlock()
	return r.MutateLocked(ctx, roomID, fn)
}

// MutateLocked behaves like Mutate but assumes the caller already holds
// roomID's lock — a game state machine calls this from inside its own
// HandleAction, which has already acquired the same room-scoped mutex.
// sync.Mutex is not reentrant, so calling Mutate (which locks again) from
// such a context would deadlock; MutateLocked is the escape hatch.
func (r *Registry) MutateLocked(ctx context.Context, roomID string, fn func(*Info) (save bool, err error)) error {
	info, err := r.load(ctx, roomID)
	if err != nil {
		return err
	}
	save, err := fn(info)
	if err != nil {
		return err
	}
	if !save {
		return nil
	}
	return r.save(ctx, info)
}

// IsPlayer reports whether deviceID currently holds a roster seat in
// roomID. Implements bus.RosterChecker.
func (r *Registry) IsPlayer(roomID, deviceID string) bool {
	info, err := r.load(context.Background(), roomID)
	if err != nil {
		return false
	}
	return info.findPlayer(deviceID) != nil
}

// Verify reports whether token is the stored host session token for
// roomID. Implements bus.TokenVerifier.
func (r *Registry) Verify(roomID, token string) bool {
	info, err := r.load(context.Background(), roomID)
	if err != nil {
		return false
	}
	return token != "" && info.HostSessionToken == token
}

// ReactionRelay forwards a player reaction to the host stream (POST
// /games/reaction, a supplemental operation named explicitly in §6).
func (r *Registry) ReactionRelay(ctx context.Context, roomID, deviceID, reactionType string) error {
	info, err := r.load(ctx, roomID)
	if err != nil {
		return err
	}
	if info.findPlayer(deviceID) == nil {
		return apperr.NotFoundf("device %s not in room %s", deviceID, roomID)
	}
	if r.broadcaster != nil {
		r.broadcaster.BroadcastHost(roomID, "REACTION", map[string]interface{}{
			"deviceId": deviceID,
			"type":     reactionType,
		})
	}
	return nil
}
