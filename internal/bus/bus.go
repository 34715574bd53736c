// Package bus implements the Event Bus (C2): per-room fan-out of
// server-sent events to one host stream and N player streams, adapted from
// the teacher's internal/realtime/ws.go Session/Subscriber model from
// duplex websocket framing to one-way text/event-stream framing.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RosterChecker answers whether a device currently holds a seat in a room,
// declared locally so bus never imports the room package (avoids an import
// cycle since room broadcasts through a Broadcaster it declares itself).
type RosterChecker interface {
	IsPlayer(roomID, deviceID string) bool
}

// TokenVerifier checks a room's host session token, declared locally for
// the same reason as RosterChecker.
type TokenVerifier interface {
	Verify(roomID, token string) bool
}

const (
	sendBuffer      = 32
	heartbeatPeriod = 20 * time.Second
)

// Subscriber is one open SSE connection: either the room's single host
// stream or one of its player streams.
type Subscriber struct {
	RoomID   string
	DeviceID string
	IsHost   bool
	send     chan frame
	done     chan struct{}
	once     sync.Once
}

type frame struct {
	event string
	data  []byte
}

func newSubscriber(roomID, deviceID string, isHost bool) *Subscriber {
	return &Subscriber{
		RoomID:   roomID,
		DeviceID: deviceID,
		IsHost:   isHost,
		send:     make(chan frame, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Close unblocks the subscriber's stream goroutine. Safe to call multiple
// times.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Bus holds all open subscribers, keyed by room.
type Bus struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Subscriber]struct{}
	roster   RosterChecker
	tokens   TokenVerifier
	logger   *zap.Logger
}

func New(roster RosterChecker, tokens TokenVerifier, logger *zap.Logger) *Bus {
	return &Bus{
		rooms:  make(map[string]map[*Subscriber]struct{}),
		roster: roster,
		tokens: tokens,
		logger: logger,
	}
}

// Subscribe registers a new stream for deviceID in roomID. isHost streams
// must present a valid host token; player streams must hold a roster seat.
// Returns apperr.Unauthorized-kind errors via the sentinel below — bus does
// not import apperr to avoid widening its dependency surface further than
// the two interfaces above; callers translate.
var ErrUnauthorized = fmt.Errorf("bus: unauthorized stream open")

func (b *Bus) Subscribe(roomID, deviceID, hostToken string, isHost bool) (*Subscriber, error) {
	if isHost {
		if !b.tokens.Verify(roomID, hostToken) {
			return nil, ErrUnauthorized
		}
	} else if !b.roster.IsPlayer(roomID, deviceID) {
		return nil, ErrUnauthorized
	}

	sub := newSubscriber(roomID, deviceID, isHost)
	b.mu.Lock()
	if b.rooms[roomID] == nil {
		b.rooms[roomID] = make(map[*Subscriber]struct{})
	}
	b.rooms[roomID][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes sub from its room's fan-out set.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.rooms[sub.RoomID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.rooms, sub.RoomID)
		}
	}
}

// BroadcastAll sends name/payload to every subscriber (host and players) of
// roomID.
func (b *Bus) BroadcastAll(roomID, name string, payload interface{}) {
	b.broadcast(roomID, name, payload, func(*Subscriber) bool { return true })
}

// BroadcastPlayers sends only to player streams of roomID.
func (b *Bus) BroadcastPlayers(roomID, name string, payload interface{}) {
	b.broadcast(roomID, name, payload, func(s *Subscriber) bool { return !s.IsHost })
}

// BroadcastHost sends only to the host stream of roomID.
func (b *Bus) BroadcastHost(roomID, name string, payload interface{}) {
	b.broadcast(roomID, name, payload, func(s *Subscriber) bool { return s.IsHost })
}

// BroadcastTo sends only to the single subscriber for deviceID, used for
// Mafia's private investigation reply and Truth's answerer-only prompts.
func (b *Bus) BroadcastTo(roomID, deviceID, name string, payload interface{}) {
	b.broadcast(roomID, name, payload, func(s *Subscriber) bool { return s.DeviceID == deviceID })
}

// broadcast marshals payload itself (not wrapped) so data: carries the raw
// payload JSON, matching the CONNECT frame's bare-string framing.
func (b *Bus) broadcast(roomID, name string, payload interface{}, match func(*Subscriber) bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		if b.logger != nil {
			b.logger.Error("bus: marshal event", zap.Error(err), zap.String("room_id", roomID))
		}
		return
	}
	f := frame{event: name, data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.rooms[roomID] {
		if !match(sub) {
			continue
		}
		select {
		case sub.send <- f:
		default:
			if b.logger != nil {
				b.logger.Warn("bus: dropping slow subscriber", zap.String("room_id", roomID), zap.String("device_id", sub.DeviceID))
			}
		}
	}
}

// Stream writes SSE frames to w until ctx is cancelled, sub is closed, or a
// write fails. flush is called after every write (the caller passes
// http.Flusher.Flush).
func (s *Subscriber) Stream(ctx context.Context, write func(event string, data []byte) error, flush func()) error {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case f := <-s.send:
			if err := write(f.event, f.data); err != nil {
				return err
			}
			flush()
		case <-ticker.C:
			if err := write("heartbeat", []byte(`{}`)); err != nil {
				return err
			}
			flush()
		}
	}
}
