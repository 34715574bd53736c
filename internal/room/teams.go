package room

import (
	"context"
	"math/rand"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
)

// teamTag returns "A", "B", "C", ... for bucket index i.
func teamTag(i int) string {
	return string(rune('A' + i))
}

func ceilDiv(n, k int) int {
	if k == 0 {
		return 0
	}
	return (n + k - 1) / k
}

// AssignRandomTeams shuffles the roster and assigns team tags round-robin
// across k buckets, differing in size by at most one.
func (r *Registry) AssignRandomTeams(ctx context.Context, roomID string, k int) error {
	if k < 2 {
		return apperr.InvalidArgumentf("team count must be >= 2")
	}
	return r.Mutate(ctx, roomID, func(info *Info) (bool, error) {
		order := make([]int, len(info.Players))
		for i := range order {
			order[i] = i
		}
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for pos, idx := range order {
			info.Players[idx].Team = teamTag(pos % k)
		}
		if r.broadcaster != nil {
			r.broadcaster.BroadcastAll(roomID, "TEAM_ASSIGNED", teamSnapshot(info))
		}
		return true, nil
	})
}

// SelectTeam is a player-side opt-in; rejects with conflict once a bucket
// reaches ceiling(n/k).
func (r *Registry) SelectTeam(ctx context.Context, roomID, deviceID, tag string, k int) error {
	return r.Mutate(ctx, roomID, func(info *Info) (bool, error) {
		player := info.findPlayer(deviceID)
		if player == nil {
			return false, apperr.NotFoundf("device %s not in room %s", deviceID, roomID)
		}
		ceiling := ceilDiv(len(info.Players), k)
		count := 0
		for _, p := range info.Players {
			if p.Team == tag && p.DeviceID != deviceID {
				count++
			}
		}
		if count >= ceiling {
			return false, apperr.Conflictf("team %s is full", tag)
		}
		player.Team = tag
		if r.broadcaster != nil {
			r.broadcaster.BroadcastAll(roomID, "PLAYER_TEAM_SELECTED", map[string]interface{}{
				"deviceId": deviceID,
				"team":     tag,
			})
		}
		return true, nil
	})
}

// ResetTeams clears every player's team tag.
func (r *Registry) ResetTeams(ctx context.Context, roomID string, k int) error {
	return r.Mutate(ctx, roomID, func(info *Info) (bool, error) {
		for _, p := range info.Players {
			p.Team = ""
		}
		if r.broadcaster != nil {
			r.broadcaster.BroadcastAll(roomID, "TEAM_MANUAL_START", map[string]interface{}{
				"teamCount": k,
			})
		}
		return true, nil
	})
}

func teamSnapshot(info *Info) map[string]interface{} {
	out := make(map[string]string, len(info.Players))
	for _, p := range info.Players {
		out[p.DeviceID] = p.Team
	}
	return map[string]interface{}{"teams": out}
}
