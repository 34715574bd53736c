// Package marble implements the Marble board game (C5/§4.5.1): a 28-cell
// board shared by teams or solo players, populated with penalties either
// voted in by the room or sourced from the Content Catalog (C6).
package marble

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/catalog"
	"github.com/ujinchoi03-star/recreation/internal/gamecore"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

const (
	game       = "marble"
	boardSize  = 28
	fixedStart = 0
	fixedFill  = 7
	fixedDrink = 21
	selectCount = 26
	penaltyPerDevice = 2
)

// Cell is one of the 28 board positions.
type Cell struct {
	Type string `json:"type"` // start, uirijuFill, uirijuDrink, penalty
	Text string `json:"text,omitempty"`
}

// State is the single source-of-truth marble:state record.
type State struct {
	Stage     string         `json:"stage"` // submitting, closed, rolling
	Mode      string         `json:"mode,omitempty"` // team or solo
	Board     []Cell         `json:"board,omitempty"`
	Positions map[string]int `json:"positions,omitempty"`
	TurnOrder []string       `json:"turnOrder,omitempty"`
	TurnIndex int            `json:"turnIndex"`
	LastDice  int            `json:"lastDice"`
}

type penaltyEntry struct {
	ID       string `json:"id"`
	DeviceID string `json:"deviceId"`
	Text     string `json:"text"`
}

// Machine implements gamecore.Machine for Marble.
type Machine struct {
	store    store.Store
	registry *room.Registry
	bus      gamecore.Broadcaster
	catalog  *catalog.Catalog
	ttl      time.Duration
}

func New(st store.Store, registry *room.Registry, bus gamecore.Broadcaster, cat *catalog.Catalog, ttl time.Duration) *Machine {
	return &Machine{store: st, registry: registry, bus: bus, catalog: cat, ttl: ttl}
}

func (m *Machine) Game() string { return game }

func (m *Machine) keys(roomID string) (state, penalties, votes, selected, voteDone string) {
	return store.GameStateKey(roomID, game),
		store.GameAuxKey(roomID, game, "penalties"),
		store.GameAuxKey(roomID, game, "votes"),
		store.GameAuxKey(roomID, game, "selected"),
		store.GameAuxKey(roomID, game, "vote_done")
}

func (m *Machine) Initialize(ctx context.Context, roomID string, params map[string]interface{}) error {
	stateKey, penaltiesKey, votesKey, selectedKey, voteDoneKey := m.keys(roomID)
	for _, k := range []string{penaltiesKey, votesKey, selectedKey, voteDoneKey} {
		_ = m.store.Delete(ctx, k)
	}
	st := &State{Stage: "submitting", Positions: map[string]int{}}
	return gamecore.SaveState(ctx, m.store, stateKey, st, m.ttl)
}

func (m *Machine) load(ctx context.Context, roomID string) (*State, error) {
	var st State
	stateKey, _, _, _, _ := m.keys(roomID)
	if err := gamecore.LoadState(ctx, m.store, stateKey, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Machine) save(ctx context.Context, roomID string, st *State) error {
	stateKey, _, _, _, _ := m.keys(roomID)
	return gamecore.SaveState(ctx, m.store, stateKey, st, m.ttl)
}

// HandleAction dispatches one of: submit_penalty, toggle_vote, close_voting,
// select_mode, roll.
func (m *Machine) HandleAction(ctx context.Context, roomID, deviceID, action string, payload map[string]interface{}) error {
	unlock := m.registry.Lock(roomID)
	defer unlock()

	switch action {
	case "submit_penalty":
		return m.submitPenalty(ctx, roomID, deviceID, payload)
	case "toggle_vote":
		return m.toggleVote(ctx, roomID, deviceID, payload)
	case "close_voting":
		return m.closeVoting(ctx, roomID)
	case "select_mode":
		return m.selectMode(ctx, roomID, payload)
	case "roll":
		return m.roll(ctx, roomID, deviceID)
	default:
		return apperr.InvalidArgumentf("unknown marble action %q", action)
	}
}

func (m *Machine) submitPenalty(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	text, _ := payload["text"].(string)
	if strings.TrimSpace(text) == "" {
		return apperr.InvalidArgumentf("penalty text is required")
	}
	_, penaltiesKey, _, _, _ := m.keys(roomID)

	entries, err := m.loadPenalties(ctx, roomID)
	if err != nil {
		return err
	}
	count := 0
	for _, e := range entries {
		if e.DeviceID == deviceID {
			count++
		}
	}
	if count >= penaltyPerDevice {
		return apperr.Conflictf("device %s already submitted %d penalties", deviceID, penaltyPerDevice)
	}

	entry := penaltyEntry{ID: uuid.NewString(), DeviceID: deviceID, Text: text}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.store.ListAppend(ctx, penaltiesKey, raw, m.ttl); err != nil {
		return apperr.Internalf("append penalty: %v", err)
	}

	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	total := len(entries) + 1
	expected := len(info.Players) * penaltyPerDevice
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MARBLE_PENALTY_PROGRESS", map[string]interface{}{
			"totalCount":     total,
			"expectedCount":  expected,
			"isAllSubmitted": total >= expected,
		})
	}
	return nil
}

func (m *Machine) loadPenalties(ctx context.Context, roomID string) ([]penaltyEntry, error) {
	_, penaltiesKey, _, _, _ := m.keys(roomID)
	raws, err := m.store.ListRange(ctx, penaltiesKey, 0, -1)
	if err != nil {
		return nil, apperr.Internalf("read penalties: %v", err)
	}
	out := make([]penaltyEntry, 0, len(raws))
	for _, raw := range raws {
		var e penaltyEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, apperr.Internalf("decode penalty: %v", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Machine) toggleVote(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	penaltyID, _ := payload["penaltyId"].(string)
	if penaltyID == "" {
		return apperr.InvalidArgumentf("penaltyId is required")
	}
	_, _, votesKey, _, voteDoneKey := m.keys(roomID)
	member := deviceID + ":" + penaltyID

	members, err := m.store.SetMembers(ctx, votesKey)
	if err != nil {
		return apperr.Internalf("read votes: %v", err)
	}
	already := false
	for _, mem := range members {
		if mem == member {
			already = true
			break
		}
	}
	if already {
		if err := m.store.SetRem(ctx, votesKey, member); err != nil {
			return apperr.Internalf("remove vote: %v", err)
		}
	} else {
		if err := m.store.SetAdd(ctx, votesKey, member, m.ttl); err != nil {
			return apperr.Internalf("add vote: %v", err)
		}
	}

	deviceVoteCount := 0
	members, _ = m.store.SetMembers(ctx, votesKey)
	for _, mem := range members {
		if strings.HasPrefix(mem, deviceID+":") {
			deviceVoteCount++
		}
	}
	if deviceVoteCount == 0 {
		_ = m.store.SetRem(ctx, voteDoneKey, deviceID)
	} else {
		_ = m.store.SetAdd(ctx, voteDoneKey, deviceID, m.ttl)
	}

	snapshot := voteStatusSnapshot(members)
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MARBLE_VOTE_STATUS", snapshot)
	}
	return nil
}

func voteStatusSnapshot(members []string) map[string]interface{} {
	counts := map[string]int{}
	for _, mem := range members {
		parts := strings.SplitN(mem, ":", 2)
		if len(parts) != 2 {
			continue
		}
		counts[parts[1]]++
	}
	type row struct {
		PenaltyID string `json:"penaltyId"`
		Count     int    `json:"count"`
	}
	rows := make([]row, 0, len(counts))
	for id, c := range counts {
		rows = append(rows, row{PenaltyID: id, Count: c})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].PenaltyID < rows[j].PenaltyID
	})
	return map[string]interface{}{"votes": rows}
}

func (m *Machine) closeVoting(ctx context.Context, roomID string) error {
	entries, err := m.loadPenalties(ctx, roomID)
	if err != nil {
		return err
	}
	_, _, votesKey, selectedKey, _ := m.keys(roomID)
	members, err := m.store.SetMembers(ctx, votesKey)
	if err != nil {
		return apperr.Internalf("read votes: %v", err)
	}
	counts := map[string]int{}
	for _, mem := range members {
		parts := strings.SplitN(mem, ":", 2)
		if len(parts) == 2 {
			counts[parts[1]]++
		}
	}

	type ranked struct {
		text  string
		count int
		rnd   int
	}
	rng := rand.New(rand.NewSource(rand.Int63()))
	ranked_ := make([]ranked, 0, len(entries))
	for _, e := range entries {
		ranked_ = append(ranked_, ranked{text: e.Text, count: counts[e.ID], rnd: rng.Int()})
	}
	sort.Slice(ranked_, func(i, j int) bool {
		if ranked_[i].count != ranked_[j].count {
			return ranked_[i].count > ranked_[j].count
		}
		return ranked_[i].rnd < ranked_[j].rnd
	})

	selected := make([]string, 0, selectCount)
	for _, r := range ranked_ {
		if len(selected) >= selectCount {
			break
		}
		selected = append(selected, r.text)
	}

	if len(selected) < selectCount {
		if cat := m.catalog.FindOnePenaltyCategory(game); cat != nil {
			for _, w := range m.catalog.AllContent(*cat) {
				if len(selected) >= selectCount {
					break
				}
				selected = append(selected, w)
			}
		}
	}
	if len(selected) < selectCount {
		for _, w := range catalog.MarbleFallbackPenalties() {
			if len(selected) >= selectCount {
				break
			}
			selected = append(selected, w)
		}
	}

	raw, err := json.Marshal(selected)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, selectedKey, raw, m.ttl); err != nil {
		return apperr.Internalf("write selected: %v", err)
	}

	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	st.Stage = "closed"
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MARBLE_VOTING_CLOSED", map[string]interface{}{"selected": selected})
	}
	return nil
}

func (m *Machine) selectMode(ctx context.Context, roomID string, payload map[string]interface{}) error {
	mode, _ := payload["mode"].(string)
	if mode != "team" && mode != "solo" {
		return apperr.InvalidArgumentf("mode must be team or solo")
	}

	_, _, _, selectedKey, _ := m.keys(roomID)
	raw, err := m.store.Get(ctx, selectedKey)
	if err != nil {
		return apperr.InvalidStatef("voting has not closed yet")
	}
	var selected []string
	if err := json.Unmarshal(raw, &selected); err != nil {
		return apperr.Internalf("decode selected: %v", err)
	}

	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}

	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}

	positions := map[string]int{}
	var turnOrder []string
	if mode == "team" {
		teams := map[string]bool{}
		for _, p := range info.Players {
			if p.Team == "" {
				return apperr.InvalidStatef("teams must be assigned before team mode")
			}
			teams[p.Team] = true
		}
		for t := range teams {
			turnOrder = append(turnOrder, t)
			positions[t] = 0
		}
		sort.Strings(turnOrder)
	} else {
		order := make([]string, len(info.Players))
		for i, p := range info.Players {
			order[i] = p.DeviceID
		}
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		turnOrder = order
		for _, id := range order {
			positions[id] = 0
		}
	}

	board := generateBoard(selected)

	st.Mode = mode
	st.Board = board
	st.Positions = positions
	st.TurnOrder = turnOrder
	st.TurnIndex = 0
	st.Stage = "rolling"
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MARBLE_BOARD_READY", map[string]interface{}{
			"mode":      mode,
			"board":     board,
			"turnOrder": turnOrder,
		})
	}
	return nil
}

// generateBoard shuffles selected (up to 26 entries) into the 25 penalty
// slots, with fixed labels at 0/7/21 — spec.md §9's resolution of the
// 28-cell/26-penalty inconsistency.
func generateBoard(selected []string) []Cell {
	pool := append([]string{}, selected...)
	if len(pool) > boardSize-3 {
		pool = pool[:boardSize-3]
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	board := make([]Cell, boardSize)
	board[fixedStart] = Cell{Type: "start"}
	board[fixedFill] = Cell{Type: "uirijuFill"}
	board[fixedDrink] = Cell{Type: "uirijuDrink"}

	idx := 0
	for i := 0; i < boardSize; i++ {
		if i == fixedStart || i == fixedFill || i == fixedDrink {
			continue
		}
		text := ""
		if idx < len(pool) {
			text = pool[idx]
		}
		board[i] = Cell{Type: "penalty", Text: text}
		idx++
	}
	return board
}

func (m *Machine) roll(ctx context.Context, roomID, deviceID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Stage != "rolling" {
		return apperr.InvalidStatef("board is not ready for rolling")
	}
	if len(st.TurnOrder) == 0 {
		return apperr.InvalidStatef("no turn order established")
	}
	current := st.TurnOrder[st.TurnIndex]

	var holder string
	if st.Mode == "team" {
		info, err := m.registry.Info(ctx, roomID)
		if err != nil {
			return err
		}
		for _, p := range info.Players {
			if p.DeviceID == deviceID {
				holder = p.Team
				break
			}
		}
	} else {
		holder = deviceID
	}
	if holder != current {
		return apperr.InvalidStatef("it is %s's turn", current)
	}

	face := rand.Intn(6) + 1
	newPos := (st.Positions[current] + face) % boardSize
	st.Positions[current] = newPos
	st.LastDice = face
	st.TurnIndex = (st.TurnIndex + 1) % len(st.TurnOrder)
	next := st.TurnOrder[st.TurnIndex]

	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MARBLE_DICE_ROLLED", map[string]interface{}{
			"lander":    current,
			"face":      face,
			"landedCell": st.Board[newPos],
			"nextTurn":  next,
		})
		m.bus.BroadcastPlayers(roomID, "MARBLE_TURN_CHANGE", map[string]interface{}{
			"currentTurn": next,
		})
	}
	return nil
}

func (m *Machine) OnPhaseComplete(ctx context.Context, roomID string) error {
	// Marble has no timer-driven phase; every transition is action-driven.
	return nil
}

func (m *Machine) End(ctx context.Context, roomID string) error {
	stateKey, penaltiesKey, votesKey, selectedKey, voteDoneKey := m.keys(roomID)
	for _, k := range []string{stateKey, penaltiesKey, votesKey, selectedKey, voteDoneKey} {
		if err := m.store.Delete(ctx, k); err != nil {
			return apperr.Internalf("clear marble state: %v", err)
		}
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MARBLE_GAME_END", map[string]interface{}{})
	}
	return nil
}

