package quiz

import (
	"context"
	"testing"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/catalog"
	"github.com/ujinchoi03-star/recreation/internal/hosttoken"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/scheduler"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastAll(string, string, interface{})        {}
func (noopBroadcaster) BroadcastHost(string, string, interface{})       {}
func (noopBroadcaster) BroadcastPlayers(string, string, interface{})    {}
func (noopBroadcaster) BroadcastTo(string, string, string, interface{}) {}

func setup(t *testing.T, teamOf []string) (*Machine, *room.Registry, string, []string) {
	t.Helper()
	st := store.NewMemoryStore()
	tokens := hosttoken.NewManager("secret", time.Hour)
	reg := room.NewRegistry(st, time.Hour, tokens, nil)
	cat := catalog.New(nil, nil)
	pool := scheduler.NewPool()
	m := New(st, reg, noopBroadcaster{}, cat, pool, time.Hour)

	ctx := context.Background()
	info, err := reg.Create(ctx)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	var deviceIDs []string
	for i, team := range teamOf {
		p, err := reg.Join(ctx, info.RoomID, string(rune('a'+i)))
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		deviceIDs = append(deviceIDs, p.DeviceID)
		if err := reg.Mutate(ctx, info.RoomID, func(ri *room.Info) (bool, error) {
			for _, pl := range ri.Players {
				if pl.DeviceID == p.DeviceID {
					pl.Team = team
				}
			}
			return true, nil
		}); err != nil {
			t.Fatalf("assign team: %v", err)
		}
	}
	if err := m.Initialize(ctx, info.RoomID, map[string]interface{}{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m, reg, info.RoomID, deviceIDs
}

func TestPassThenCorrectAdvancesWord(t *testing.T) {
	m, _, roomID, _ := setup(t, []string{"A", "A", "B", "B"})
	ctx := context.Background()

	if err := m.HandleAction(ctx, roomID, "", "start_round", map[string]interface{}{"categoryId": "animals"}); err != nil {
		t.Fatalf("start_round: %v", err)
	}
	st, err := m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	firstWord := st.CurrentWord

	if err := m.HandleAction(ctx, roomID, "", "pass", nil); err != nil {
		t.Fatalf("pass: %v", err)
	}
	st, _ = m.load(ctx, roomID)
	if st.CurrentWord == firstWord && len(st.RemainingWords) > 0 {
		t.Fatalf("pass should advance to a new current word when more than one word remains")
	}

	if err := m.HandleAction(ctx, roomID, "", "correct", nil); err != nil {
		t.Fatalf("correct: %v", err)
	}
	st, _ = m.load(ctx, roomID)
	if st.CurrentRoundScore != 1 {
		t.Fatalf("score = %d, want 1 after one correct call", st.CurrentRoundScore)
	}
}

func TestEndRoundAndNextTeamAdvancesTurn(t *testing.T) {
	m, _, roomID, _ := setup(t, []string{"A", "A", "B", "B"})
	ctx := context.Background()

	if err := m.HandleAction(ctx, roomID, "", "start_round", map[string]interface{}{"categoryId": "animals"}); err != nil {
		t.Fatalf("start_round: %v", err)
	}
	st, _ := m.load(ctx, roomID)
	for len(st.RemainingWords) > 0 {
		if err := m.HandleAction(ctx, roomID, "", "correct", nil); err != nil {
			t.Fatalf("correct: %v", err)
		}
		st, _ = m.load(ctx, roomID)
	}
	// one more correct call should exhaust the list and end the round
	if err := m.HandleAction(ctx, roomID, "", "correct", nil); err != nil {
		t.Fatalf("correct (final): %v", err)
	}
	st, err := m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseRoundEnd {
		t.Fatalf("phase = %q, want roundEnd once the word list is exhausted", st.Phase)
	}
	firstTeam := st.Teams[st.CurrentTeamIndex]
	if st.TeamScores[firstTeam] != 10 {
		t.Fatalf("team score = %d, want 10 (all 10 animals words answered correctly)", st.TeamScores[firstTeam])
	}

	if err := m.HandleAction(ctx, roomID, "", "next_team", nil); err != nil {
		t.Fatalf("next_team: %v", err)
	}
	st, err = m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseWaiting {
		t.Fatalf("phase = %q, want waiting for the next team", st.Phase)
	}
	if st.Teams[st.CurrentTeamIndex] == firstTeam {
		t.Fatalf("next_team should have advanced away from %s", firstTeam)
	}
}
