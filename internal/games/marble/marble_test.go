package marble

import (
	"context"
	"testing"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/catalog"
	"github.com/ujinchoi03-star/recreation/internal/hosttoken"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastAll(string, string, interface{})               {}
func (noopBroadcaster) BroadcastHost(string, string, interface{})              {}
func (noopBroadcaster) BroadcastPlayers(string, string, interface{})           {}
func (noopBroadcaster) BroadcastTo(string, string, string, interface{})        {}

func setup(t *testing.T, numPlayers int) (*Machine, *room.Registry, string, []string) {
	t.Helper()
	st := store.NewMemoryStore()
	tokens := hosttoken.NewManager("secret", time.Hour)
	reg := room.NewRegistry(st, time.Hour, tokens, nil)
	cat := catalog.New(nil, nil)
	m := New(st, reg, noopBroadcaster{}, cat, time.Hour)

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

func submitAndCloseVotes(t *testing.T, m *Machine, roomID string, deviceIDs []string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range deviceIDs {
		if err := m.HandleAction(ctx, roomID, id, "submit_penalty", map[string]interface{}{"text": "penalty-" + id}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := m.HandleAction(ctx, roomID, "", "close_voting", nil); err != nil {
		t.Fatalf("close voting: %v", err)
	}
}

func TestBoardShape(t *testing.T) {
	m, reg, roomID, deviceIDs := setup(t, 4)
	ctx := context.Background()
	submitAndCloseVotes(t, m, roomID, deviceIDs)

	if err := reg.AssignRandomTeams(ctx, roomID, 2); err != nil {
		t.Fatalf("assign teams: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, "", "select_mode", map[string]interface{}{"mode": "team"}); err != nil {
		t.Fatalf("select mode: %v", err)
	}

	st, err := m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.Board) != boardSize {
		t.Fatalf("board length %d, want %d", len(st.Board), boardSize)
	}
	if st.Board[fixedStart].Type != "start" || st.Board[fixedFill].Type != "uirijuFill" || st.Board[fixedDrink].Type != "uirijuDrink" {
		t.Fatalf("fixed cells have wrong types: %+v", st.Board[0:8])
	}
	penaltyCount := 0
	for i, cell := range st.Board {
		if i == fixedStart || i == fixedFill || i == fixedDrink {
			continue
		}
		if cell.Type != "penalty" {
			t.Fatalf("cell %d has type %q, want penalty", i, cell.Type)
		}
		penaltyCount++
	}
	if penaltyCount != 25 {
		t.Fatalf("penalty cell count %d, want 25", penaltyCount)
	}
}

func TestRollOutOfTurnRejected(t *testing.T) {
	m, reg, roomID, deviceIDs := setup(t, 4)
	ctx := context.Background()
	submitAndCloseVotes(t, m, roomID, deviceIDs)
	if err := reg.AssignRandomTeams(ctx, roomID, 2); err != nil {
		t.Fatalf("assign teams: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, "", "select_mode", map[string]interface{}{"mode": "team"}); err != nil {
		t.Fatalf("select mode: %v", err)
	}

	st, _ := m.load(ctx, roomID)
	current := st.TurnOrder[0]

	info, _ := reg.Info(ctx, roomID)
	var offTurnDevice string
	for _, p := range info.Players {
		if p.Team != current {
			offTurnDevice = p.DeviceID
			break
		}
	}
	if offTurnDevice == "" {
		t.Fatal("could not find an off-turn device")
	}

	err := m.HandleAction(ctx, roomID, offTurnDevice, "roll", nil)
	if apperr.KindOf(err) != apperr.InvalidState {
		t.Fatalf("expected invalidState, got %v", err)
	}
}

func TestTurnFairnessSolo(t *testing.T) {
	m, reg, roomID, deviceIDs := setup(t, 3)
	ctx := context.Background()
	submitAndCloseVotes(t, m, roomID, deviceIDs)
	if err := m.HandleAction(ctx, roomID, "", "select_mode", map[string]interface{}{"mode": "solo"}); err != nil {
		t.Fatalf("select mode: %v", err)
	}

	counts := map[string]int{}
	const rolls = 30
	for i := 0; i < rolls; i++ {
		st, _ := m.load(ctx, roomID)
		current := st.TurnOrder[st.TurnIndex]
		if err := m.HandleAction(ctx, roomID, current, "roll", nil); err != nil {
			t.Fatalf("roll %d: %v", i, err)
		}
		counts[current]++
	}

	lo, hi := rolls/len(deviceIDs), (rolls+len(deviceIDs)-1)/len(deviceIDs)
	for id, c := range counts {
		if c != lo && c != hi {
			t.Fatalf("device %s got %d rolls, want %d or %d", id, c, lo, hi)
		}
	}
}
