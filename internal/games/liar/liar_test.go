package liar

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

func setup(t *testing.T, numPlayers int) (*Machine, *room.Registry, string, []string) {
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
	for i := 0; i < numPlayers; i++ {
		p, err := reg.Join(ctx, info.RoomID, string(rune('a'+i)))
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		deviceIDs = append(deviceIDs, p.DeviceID)
	}
	if err := m.Initialize(ctx, info.RoomID, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m, reg, info.RoomID, deviceIDs
}

func runExplanationRound(t *testing.T, m *Machine, roomID string, deviceIDs []string) {
	t.Helper()
	ctx := context.Background()
	for range deviceIDs {
		st, err := m.load(ctx, roomID)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		current := st.ExplanationOrder[st.CurrentExplainerIndex]
		if err := m.HandleAction(ctx, roomID, current, "next_explainer", nil); err != nil {
			t.Fatalf("next_explainer: %v", err)
		}
	}
}

func TestLiarGuessCorrectWinsForLiar(t *testing.T) {
	m, _, roomID, deviceIDs := setup(t, 3)
	ctx := context.Background()

	st, err := m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseRoleReveal {
		t.Fatalf("phase = %q, want roleReveal right after initialize", st.Phase)
	}

	// Force past roleReveal via the phase-complete path directly, since
	// nextExplainer only applies once explanation has started.
	if err := m.OnPhaseComplete(ctx, roomID); err != nil {
		t.Fatalf("onPhaseComplete (roleReveal->explanation): %v", err)
	}
	runExplanationRound(t, m, roomID, deviceIDs)

	st, err = m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseVoteMoreRound {
		t.Fatalf("phase = %q, want voteMoreRound after one full round", st.Phase)
	}
	for _, id := range deviceIDs {
		if err := m.HandleAction(ctx, roomID, id, "vote_more_round", map[string]interface{}{"more": false}); err != nil {
			t.Fatalf("vote_more_round: %v", err)
		}
	}

	st, err = m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhasePointing {
		t.Fatalf("phase = %q, want pointing", st.Phase)
	}
	if err := m.HandleAction(ctx, roomID, "", "start_pointing", nil); err != nil {
		t.Fatalf("start_pointing: %v", err)
	}
	for _, id := range deviceIDs {
		if err := m.HandleAction(ctx, roomID, id, "point", map[string]interface{}{"targetDeviceId": st.LiarDeviceID}); err != nil {
			t.Fatalf("point: %v", err)
		}
	}

	st, err = m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.PointedDeviceID != st.LiarDeviceID {
		t.Fatalf("pointed = %s, want liar %s caught unanimously", st.PointedDeviceID, st.LiarDeviceID)
	}
	if err := m.OnPhaseComplete(ctx, roomID); err != nil {
		t.Fatalf("onPhaseComplete (pointingResult->liarGuess): %v", err)
	}

	st, err = m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseLiarGuess {
		t.Fatalf("phase = %q, want liarGuess once the liar is caught", st.Phase)
	}

	if err := m.HandleAction(ctx, roomID, st.LiarDeviceID, "guess", map[string]interface{}{"keyword": "  " + st.Keyword + "  "}); err != nil {
		t.Fatalf("guess: %v", err)
	}
	st, err = m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Winner != WinnerLiar {
		t.Fatalf("winner = %q, want liar after an exact (trimmed/lowercased) correct guess", st.Winner)
	}
}

func TestLiarNotCaughtLiarWins(t *testing.T) {
	m, _, roomID, deviceIDs := setup(t, 3)
	ctx := context.Background()

	if err := m.OnPhaseComplete(ctx, roomID); err != nil {
		t.Fatalf("onPhaseComplete: %v", err)
	}
	runExplanationRound(t, m, roomID, deviceIDs)
	for _, id := range deviceIDs {
		if err := m.HandleAction(ctx, roomID, id, "vote_more_round", map[string]interface{}{"more": false}); err != nil {
			t.Fatalf("vote_more_round: %v", err)
		}
	}
	if err := m.HandleAction(ctx, roomID, "", "start_pointing", nil); err != nil {
		t.Fatalf("start_pointing: %v", err)
	}

	st, _ := m.load(ctx, roomID)
	var nonLiar string
	for _, id := range deviceIDs {
		if id != st.LiarDeviceID {
			nonLiar = id
			break
		}
	}
	for _, id := range deviceIDs {
		if err := m.HandleAction(ctx, roomID, id, "point", map[string]interface{}{"targetDeviceId": nonLiar}); err != nil {
			t.Fatalf("point: %v", err)
		}
	}
	if err := m.OnPhaseComplete(ctx, roomID); err != nil {
		t.Fatalf("onPhaseComplete (pointingResult->gameEnd): %v", err)
	}

	st, err := m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseGameEnd || st.Winner != WinnerLiar {
		t.Fatalf("phase=%q winner=%q, want gameEnd/liar when the room points at the wrong person", st.Phase, st.Winner)
	}
}

func TestSecondRoundExplanationGoesStraightToPointing(t *testing.T) {
	m, _, roomID, deviceIDs := setup(t, 3)
	ctx := context.Background()

	if err := m.OnPhaseComplete(ctx, roomID); err != nil {
		t.Fatalf("onPhaseComplete (roleReveal->explanation): %v", err)
	}

	// fast-forward to round 2's explanation, as if the room already voted
	// "more" once after round 1.
	st, err := m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	st.RoundCount = 2
	if err := m.save(ctx, roomID, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	runExplanationRound(t, m, roomID, deviceIDs)

	st, err = m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhasePointing {
		t.Fatalf("phase = %q, want pointing once round 2's explanations finish", st.Phase)
	}
}
