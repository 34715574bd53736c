// Package hosttoken mints and verifies the opaque host session token a
// room's host display presents to open its event stream. The token is a
// signed JWT carrying the room ID as a claim, so verification never needs
// a store round-trip; it remains "opaque" from the client's point of view
// since nothing about it is meant to be decoded client-side.
package hosttoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type claims struct {
	RoomID string `json:"room_id"`
	jwt.RegisteredClaims
}

// Manager mints and parses host session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl}
}

// Mint issues a fresh host session token scoped to roomID.
func (m *Manager) Mint(roomID string) (string, error) {
	now := time.Now()
	c := claims{
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(m.secret)
}

// Verify reports whether token is a validly signed, unexpired host token
// for roomID. The bus does not call it; its host check is
// room.Registry.Verify, a comparison against the stored token.
func (m *Manager) Verify(roomID, token string) bool {
	if token == "" {
		return false
	}
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return false
	}
	return c.RoomID == roomID
}
