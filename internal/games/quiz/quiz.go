// Package quiz implements the Quiz speed-charades game (C5/§4.5.4): teams
// take turns racing through a shuffled word list before a round timer
// expires.
package quiz

import (
	"context"
	"sort"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/catalog"
	"github.com/ujinchoi03-star/recreation/internal/gamecore"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/scheduler"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

const game = "quiz"

const (
	PhaseWaiting  = "waiting"
	PhasePlaying  = "playing"
	PhaseRoundEnd = "roundEnd"
	PhaseFinished = "finished"
)

const defaultRoundTimeSeconds = 120
const wordsPerRound = 50

// State is the single source-of-truth quiz:state record.
type State struct {
	Teams             []string       `json:"teams"`
	CurrentTeamIndex  int            `json:"currentTeamIndex"`
	RoundTimeSeconds  int            `json:"roundTimeSeconds"`
	RemainingTime     int            `json:"remainingTime"`
	TeamScores        map[string]int `json:"teamScores"`
	CompletedTeams    []string       `json:"completedTeams"`
	Phase             string         `json:"phase"`
	CurrentWord       string         `json:"currentWord,omitempty"`
	RemainingWords    []string       `json:"remainingWords,omitempty"`
	CurrentRoundScore int            `json:"currentRoundScore"`
}

// Machine implements gamecore.Machine for Quiz.
type Machine struct {
	store     store.Store
	registry  *room.Registry
	bus       gamecore.Broadcaster
	catalog   *catalog.Catalog
	scheduler *scheduler.Pool
	ttl       time.Duration
}

func New(st store.Store, registry *room.Registry, bus gamecore.Broadcaster, cat *catalog.Catalog, pool *scheduler.Pool, ttl time.Duration) *Machine {
	return &Machine{store: st, registry: registry, bus: bus, catalog: cat, scheduler: pool, ttl: ttl}
}

func (m *Machine) Game() string { return game }

func (m *Machine) stateKey(roomID string) string { return store.GameStateKey(roomID, game) }

// Initialize reads the pre-assigned team tags off the roster and prepares
// an empty scoreboard.
func (m *Machine) Initialize(ctx context.Context, roomID string, params map[string]interface{}) error {
	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	teamSet := map[string]bool{}
	for _, p := range info.Players {
		if p.Team == "" {
			return apperr.InvalidStatef("teams must be assigned before starting quiz")
		}
		teamSet[p.Team] = true
	}
	if len(teamSet) < 2 {
		return apperr.InvalidStatef("quiz requires at least 2 teams")
	}
	teams := make([]string, 0, len(teamSet))
	for t := range teamSet {
		teams = append(teams, t)
	}
	sort.Strings(teams)

	roundTime := defaultRoundTimeSeconds
	if v, ok := params["roundTimeSeconds"].(float64); ok && v > 0 {
		roundTime = int(v)
	}

	st := &State{
		Teams:            teams,
		RoundTimeSeconds: roundTime,
		TeamScores:       map[string]int{},
		Phase:            PhaseWaiting,
	}
	for _, t := range teams {
		st.TeamScores[t] = 0
	}
	return m.save(ctx, roomID, st)
}

func (m *Machine) load(ctx context.Context, roomID string) (*State, error) {
	var st State
	if err := gamecore.LoadState(ctx, m.store, m.stateKey(roomID), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *Machine) save(ctx context.Context, roomID string, st *State) error {
	return gamecore.SaveState(ctx, m.store, m.stateKey(roomID), st, m.ttl)
}

// HandleAction dispatches one of: start_round, correct, pass, next_team.
func (m *Machine) HandleAction(ctx context.Context, roomID, deviceID, action string, payload map[string]interface{}) error {
	unlock := m.registry.Lock(roomID)
	defer unlock()

	switch action {
	case "start_round":
		return m.startRound(ctx, roomID, payload)
	case "correct":
		return m.correct(ctx, roomID)
	case "pass":
		return m.pass(ctx, roomID)
	case "next_team":
		return m.nextTeam(ctx, roomID)
	default:
		return apperr.InvalidArgumentf("unknown quiz action %q", action)
	}
}

func (m *Machine) startRound(ctx context.Context, roomID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseWaiting {
		return apperr.InvalidStatef("not waiting for a round to start")
	}
	categoryID, _ := payload["categoryId"].(string)
	if categoryID == "" {
		return apperr.InvalidArgumentf("categoryId is required")
	}
	words := m.catalog.RandomWords(categoryID, wordsPerRound)
	if len(words) == 0 {
		return apperr.InvalidArgumentf("category %s has no words", categoryID)
	}

	st.CurrentWord = words[0]
	st.RemainingWords = words[1:]
	st.CurrentRoundScore = 0
	st.RemainingTime = st.RoundTimeSeconds
	st.Phase = PhasePlaying
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "QUIZ_ROUND_STARTED", map[string]interface{}{
			"team":        st.Teams[st.CurrentTeamIndex],
			"currentWord": st.CurrentWord,
			"timerSec":    st.RoundTimeSeconds,
		})
	}
	m.scheduler.StartCountdown(roomID, st.RoundTimeSeconds, func(remaining int) {
		if m.bus != nil {
			m.bus.BroadcastAll(roomID, "QUIZ_TIMER", map[string]interface{}{"remaining": remaining})
		}
	}, func() {
		bg := context.Background()
		unlock := m.registry.Lock(roomID)
		defer unlock()
		fresh, err := m.load(bg, roomID)
		if err != nil {
			return
		}
		if fresh.Phase != PhasePlaying {
			return
		}
		if err := m.endRound(bg, roomID, fresh); err != nil && m.bus != nil {
			m.bus.BroadcastHost(roomID, "QUIZ_ERROR", map[string]interface{}{"error": err.Error()})
		}
	})
	return nil
}

func (m *Machine) correct(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhasePlaying {
		return apperr.InvalidStatef("not the playing phase")
	}
	st.CurrentRoundScore++
	if len(st.RemainingWords) == 0 {
		m.scheduler.CancelCountdown(roomID)
		return m.endRound(ctx, roomID, st)
	}
	st.CurrentWord = st.RemainingWords[0]
	st.RemainingWords = st.RemainingWords[1:]
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "QUIZ_WORD_CORRECT", map[string]interface{}{
			"score":       st.CurrentRoundScore,
			"currentWord": st.CurrentWord,
		})
	}
	return nil
}

func (m *Machine) pass(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhasePlaying {
		return apperr.InvalidStatef("not the playing phase")
	}
	queue := append(st.RemainingWords, st.CurrentWord)
	st.CurrentWord = queue[0]
	st.RemainingWords = queue[1:]
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "QUIZ_WORD_PASSED", map[string]interface{}{"currentWord": st.CurrentWord})
	}
	return nil
}

// endRound assumes the caller already holds roomID's lock and that the
// countdown has already been cancelled if this was action-triggered.
func (m *Machine) endRound(ctx context.Context, roomID string, st *State) error {
	team := st.Teams[st.CurrentTeamIndex]
	st.TeamScores[team] = st.CurrentRoundScore
	st.CompletedTeams = append(st.CompletedTeams, team)
	st.CurrentWord = ""
	st.RemainingWords = nil
	st.Phase = PhaseRoundEnd
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "QUIZ_ROUND_END", map[string]interface{}{
			"team":       team,
			"score":      st.TeamScores[team],
			"teamScores": st.TeamScores,
		})
	}
	return nil
}

func (m *Machine) nextTeam(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseRoundEnd {
		return apperr.InvalidStatef("not the round-end phase")
	}
	if len(st.CompletedTeams) >= len(st.Teams) {
		st.Phase = PhaseFinished
		if err := m.save(ctx, roomID, st); err != nil {
			return err
		}
		if m.bus != nil {
			m.bus.BroadcastAll(roomID, "QUIZ_GAME_END", map[string]interface{}{"ranking": m.ranking(st)})
		}
		return nil
	}

	completed := map[string]bool{}
	for _, t := range st.CompletedTeams {
		completed[t] = true
	}
	for i := 1; i <= len(st.Teams); i++ {
		idx := (st.CurrentTeamIndex + i) % len(st.Teams)
		if !completed[st.Teams[idx]] {
			st.CurrentTeamIndex = idx
			break
		}
	}
	st.Phase = PhaseWaiting
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "QUIZ_NEXT_TEAM", map[string]interface{}{"team": st.Teams[st.CurrentTeamIndex]})
	}
	return nil
}

type rankRow struct {
	Team  string `json:"team"`
	Score int    `json:"score"`
}

// ranking returns a stable sort by score descending.
func (m *Machine) ranking(st *State) []rankRow {
	rows := make([]rankRow, 0, len(st.Teams))
	for _, t := range st.Teams {
		rows = append(rows, rankRow{Team: t, Score: st.TeamScores[t]})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Score > rows[j].Score })
	return rows
}

// OnPhaseComplete is a no-op entry point for the gamecore.Machine
// interface; Quiz's only timer (the round countdown) resolves through the
// closure installed in startRound, which already acquires the lock.
func (m *Machine) OnPhaseComplete(ctx context.Context, roomID string) error { return nil }

func (m *Machine) End(ctx context.Context, roomID string) error {
	if err := m.store.Delete(ctx, m.stateKey(roomID)); err != nil {
		return apperr.Internalf("clear quiz state: %v", err)
	}
	m.scheduler.Cleanup(roomID)
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "QUIZ_GAME_END", map[string]interface{}{})
	}
	return nil
}
