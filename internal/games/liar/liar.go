// Package liar implements the Liar Game (C5/§4.5.3): one player holds no
// keyword and must bluff through a round of explanations before the room
// votes on who the liar is.
package liar

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/catalog"
	"github.com/ujinchoi03-star/recreation/internal/gamecore"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/scheduler"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

const game = "liar"

const (
	PhaseRoleReveal    = "roleReveal"
	PhaseExplanation   = "explanation"
	PhaseVoteMoreRound = "voteMoreRound"
	PhasePointing      = "pointing"
	PhasePointingVote  = "pointingVote"
	PhasePointingResult = "pointingResult"
	PhaseLiarGuess     = "liarGuess"
	PhaseGameEnd       = "gameEnd"
)

const (
	WinnerLiar    = "liar"
	WinnerCitizen = "citizen"
)

var fixedDuration = map[string]int{
	PhaseRoleReveal:     30,
	PhaseVoteMoreRound:  15,
	PhasePointing:       0,
	PhasePointingVote:   30,
	PhasePointingResult: 5,
	PhaseLiarGuess:      30,
	PhaseGameEnd:        0,
}

const explanationTurnSeconds = 20

// State is the single source-of-truth liar:state record.
type State struct {
	Phase                 string          `json:"phase"`
	TimerSec              int             `json:"timerSec"`
	Keyword               string          `json:"keyword"`
	CategoryName          string          `json:"categoryName"`
	LiarDeviceID          string          `json:"liarDeviceId"`
	ExplanationOrder      []string        `json:"explanationOrder"`
	CurrentExplainerIndex int             `json:"currentExplainerIndex"`
	RoundCount            int             `json:"roundCount"`
	MoreRoundVotes        map[string]bool `json:"moreRoundVotes,omitempty"`
	PointingVotes         map[string]string `json:"pointingVotes,omitempty"`
	PointedDeviceID       string          `json:"pointedDeviceId,omitempty"`
	LiarGuess             string          `json:"liarGuess,omitempty"`
	Winner                string          `json:"winner,omitempty"`
}

// Machine implements gamecore.Machine for the Liar Game.
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

// Initialize picks a random category/keyword/liar and a shuffled
// explanation order.
func (m *Machine) Initialize(ctx context.Context, roomID string, params map[string]interface{}) error {
	unlock := m.registry.Lock(roomID)
	defer unlock()

	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if len(info.Players) < 3 {
		return apperr.InvalidStatef("liar requires at least 3 players, have %d", len(info.Players))
	}

	cats := m.catalog.ListCategories(game)
	if len(cats) == 0 {
		return apperr.Internalf("no liar categories available")
	}
	cat := cats[rand.Intn(len(cats))]
	if len(cat.Words) == 0 {
		return apperr.Internalf("liar category %s has no keywords", cat.CategoryID)
	}
	keyword := cat.Words[rand.Intn(len(cat.Words))]

	order := make([]string, len(info.Players))
	for i, p := range info.Players {
		order[i] = p.DeviceID
	}
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	liarDeviceID := order[rand.Intn(len(order))]

	st := &State{
		Keyword:          keyword,
		CategoryName:     cat.Name,
		LiarDeviceID:     liarDeviceID,
		ExplanationOrder: order,
		RoundCount:       1,
	}
	if err := m.enterPhase(ctx, roomID, st, PhaseRoleReveal); err != nil {
		return err
	}

	if m.bus != nil {
		for _, id := range order {
			if id == liarDeviceID {
				m.bus.BroadcastTo(roomID, id, "LIAR_ROLE_ASSIGNED", map[string]interface{}{"isLiar": true, "categoryName": cat.Name})
			} else {
				m.bus.BroadcastTo(roomID, id, "LIAR_ROLE_ASSIGNED", map[string]interface{}{"isLiar": false, "categoryName": cat.Name, "keyword": keyword})
			}
		}
	}
	return nil
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

func (m *Machine) phaseDuration(st *State, phase string) int {
	if phase == PhaseExplanation {
		return explanationTurnSeconds
	}
	return fixedDuration[phase]
}

// enterPhase sets phase/timer, persists, broadcasts, and starts the
// countdown. Assumes the caller already holds roomID's lock.
func (m *Machine) enterPhase(ctx context.Context, roomID string, st *State, phase string) error {
	st.Phase = phase
	duration := m.phaseDuration(st, phase)
	st.TimerSec = duration
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "LIAR_PHASE_CHANGED", map[string]interface{}{
			"phase":                 phase,
			"timerSec":              duration,
			"currentExplainerIndex": st.CurrentExplainerIndex,
			"roundCount":            st.RoundCount,
		})
	}
	if duration <= 0 {
		return nil
	}
	m.scheduler.StartCountdown(roomID, duration, func(remaining int) {
		if m.bus != nil {
			m.bus.BroadcastAll(roomID, "LIAR_TIMER", map[string]interface{}{"phase": phase, "remaining": remaining})
		}
	}, func() {
		bg := context.Background()
		unlock := m.registry.Lock(roomID)
		defer unlock()
		if err := m.OnPhaseCompleteLocked(bg, roomID); err != nil && m.bus != nil {
			m.bus.BroadcastHost(roomID, "LIAR_ERROR", map[string]interface{}{"error": err.Error()})
		}
	})
	return nil
}

// HandleAction dispatches one of: next_explainer, vote_more_round,
// start_pointing, point, guess, pass.
func (m *Machine) HandleAction(ctx context.Context, roomID, deviceID, action string, payload map[string]interface{}) error {
	unlock := m.registry.Lock(roomID)
	defer unlock()

	switch action {
	case "next_explainer":
		return m.nextExplainer(ctx, roomID, deviceID)
	case "vote_more_round":
		return m.voteMoreRound(ctx, roomID, deviceID, payload)
	case "start_pointing":
		return m.startPointing(ctx, roomID)
	case "point":
		return m.point(ctx, roomID, deviceID, payload)
	case "guess":
		return m.guess(ctx, roomID, deviceID, payload)
	case "pass":
		return m.passGuess(ctx, roomID, deviceID)
	default:
		return apperr.InvalidArgumentf("unknown liar action %q", action)
	}
}

// nextExplainer lets the current speaker (or host, deviceID == "") end
// their turn early.
func (m *Machine) nextExplainer(ctx context.Context, roomID, deviceID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseExplanation {
		return apperr.InvalidStatef("not the explanation phase")
	}
	if deviceID != "" && st.ExplanationOrder[st.CurrentExplainerIndex] != deviceID {
		return apperr.InvalidStatef("it is not %s's turn to explain", deviceID)
	}
	m.scheduler.CancelCountdown(roomID)
	return m.advanceExplainer(ctx, roomID, st)
}

func (m *Machine) advanceExplainer(ctx context.Context, roomID string, st *State) error {
	st.CurrentExplainerIndex++
	if st.CurrentExplainerIndex >= len(st.ExplanationOrder) {
		st.CurrentExplainerIndex = 0
		if st.RoundCount >= 2 {
			return m.enterPhase(ctx, roomID, st, PhasePointing)
		}
		st.MoreRoundVotes = map[string]bool{}
		return m.enterPhase(ctx, roomID, st, PhaseVoteMoreRound)
	}
	return m.enterPhase(ctx, roomID, st, PhaseExplanation)
}

func (m *Machine) voteMoreRound(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseVoteMoreRound {
		return apperr.InvalidStatef("not the vote-more-round phase")
	}
	more, ok := payload["more"].(bool)
	if !ok {
		return apperr.InvalidArgumentf("more (bool) is required")
	}
	if st.MoreRoundVotes == nil {
		st.MoreRoundVotes = map[string]bool{}
	}
	st.MoreRoundVotes[deviceID] = more
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}

	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if len(st.MoreRoundVotes) >= len(info.Players) {
		m.scheduler.CancelCountdown(roomID)
		return m.resolveMoreRoundVote(ctx, roomID, st)
	}
	return nil
}

func (m *Machine) resolveMoreRoundVote(ctx context.Context, roomID string, st *State) error {
	yes, no := 0, 0
	for _, more := range st.MoreRoundVotes {
		if more {
			yes++
		} else {
			no++
		}
	}
	if yes > no && st.RoundCount < 2 {
		st.RoundCount++
		st.CurrentExplainerIndex = 0
		if err := m.save(ctx, roomID, st); err != nil {
			return err
		}
		if m.bus != nil {
			m.bus.BroadcastAll(roomID, "LIAR_MORE_ROUND", map[string]interface{}{"roundCount": st.RoundCount})
		}
		m.scheduler.ScheduleDelayed(roomID, 2*time.Second, func() {
			bg := context.Background()
			unlock := m.registry.Lock(roomID)
			defer unlock()
			fresh, err := m.load(bg, roomID)
			if err != nil {
				return
			}
			if err := m.enterPhase(bg, roomID, fresh, PhaseExplanation); err != nil && m.bus != nil {
				m.bus.BroadcastHost(roomID, "LIAR_ERROR", map[string]interface{}{"error": err.Error()})
			}
		})
		return nil
	}
	return m.enterPhase(ctx, roomID, st, PhasePointing)
}

func (m *Machine) startPointing(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhasePointing {
		return apperr.InvalidStatef("not the pointing phase")
	}
	st.PointingVotes = map[string]string{}
	return m.enterPhase(ctx, roomID, st, PhasePointingVote)
}

func (m *Machine) point(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhasePointingVote {
		return apperr.InvalidStatef("not the pointing-vote phase")
	}
	target, _ := payload["targetDeviceId"].(string)
	if target == "" {
		return apperr.InvalidArgumentf("targetDeviceId is required")
	}
	if st.PointingVotes == nil {
		st.PointingVotes = map[string]string{}
	}
	st.PointingVotes[deviceID] = target
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if len(st.PointingVotes) >= len(info.Players) {
		m.scheduler.CancelCountdown(roomID)
		return m.resolvePointing(ctx, roomID, st)
	}
	if m.bus != nil {
		m.bus.BroadcastHost(roomID, "LIAR_POINT_CAST", map[string]interface{}{"deviceId": deviceID, "target": target})
	}
	return nil
}

func (m *Machine) resolvePointing(ctx context.Context, roomID string, st *State) error {
	counts := map[string]int{}
	for _, target := range st.PointingVotes {
		counts[target]++
	}
	st.PointedDeviceID = plurality(counts)
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "LIAR_POINTING_RESULT", map[string]interface{}{"pointed": st.PointedDeviceID, "counts": counts})
	}
	return m.enterPhase(ctx, roomID, st, PhasePointingResult)
}

// plurality returns the highest-count key, breaking ties randomly.
func plurality(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best := keys[0]
	bestScore := counts[best]
	ties := []string{best}
	for _, k := range keys[1:] {
		if counts[k] > bestScore {
			bestScore = counts[k]
			ties = []string{k}
		} else if counts[k] == bestScore {
			ties = append(ties, k)
		}
	}
	return ties[rand.Intn(len(ties))]
}

func (m *Machine) guess(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseLiarGuess {
		return apperr.InvalidStatef("not the liar-guess phase")
	}
	if deviceID != st.LiarDeviceID {
		return apperr.Unauthorizedf("only the liar may guess the keyword")
	}
	text, _ := payload["keyword"].(string)
	st.LiarGuess = text
	m.scheduler.CancelCountdown(roomID)
	return m.resolveLiarGuess(ctx, roomID, st)
}

func (m *Machine) passGuess(ctx context.Context, roomID, deviceID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseLiarGuess {
		return apperr.InvalidStatef("not the liar-guess phase")
	}
	if deviceID != st.LiarDeviceID {
		return apperr.Unauthorizedf("only the liar may pass")
	}
	st.LiarGuess = ""
	m.scheduler.CancelCountdown(roomID)
	return m.resolveLiarGuess(ctx, roomID, st)
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (m *Machine) resolveLiarGuess(ctx context.Context, roomID string, st *State) error {
	correct := st.LiarGuess != "" && normalize(st.LiarGuess) == normalize(st.Keyword)
	if correct {
		st.Winner = WinnerLiar
	} else {
		st.Winner = WinnerCitizen
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "LIAR_GUESS_RESULT", map[string]interface{}{
			"guess":   st.LiarGuess,
			"correct": correct,
			"keyword": st.Keyword,
		})
	}
	return m.enterPhase(ctx, roomID, st, PhaseGameEnd)
}

// OnPhaseComplete is invoked by the Scheduler outside of the enterPhase
// closure (e.g. when resuming from a restart); acquires the lock itself.
func (m *Machine) OnPhaseComplete(ctx context.Context, roomID string) error {
	unlock := m.registry.Lock(roomID)
	defer unlock()
	return m.OnPhaseCompleteLocked(ctx, roomID)
}

// OnPhaseCompleteLocked assumes the caller already holds roomID's lock.
func (m *Machine) OnPhaseCompleteLocked(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	switch st.Phase {
	case PhaseRoleReveal:
		return m.enterPhase(ctx, roomID, st, PhaseExplanation)
	case PhaseExplanation:
		return m.advanceExplainer(ctx, roomID, st)
	case PhaseVoteMoreRound:
		return m.resolveMoreRoundVote(ctx, roomID, st)
	case PhasePointingVote:
		return m.resolvePointing(ctx, roomID, st)
	case PhasePointingResult:
		if st.PointedDeviceID != st.LiarDeviceID {
			st.Winner = WinnerLiar
			if m.bus != nil {
				m.bus.BroadcastAll(roomID, "LIAR_NOT_CAUGHT", map[string]interface{}{"pointed": st.PointedDeviceID, "liar": st.LiarDeviceID})
			}
			return m.enterPhase(ctx, roomID, st, PhaseGameEnd)
		}
		return m.enterPhase(ctx, roomID, st, PhaseLiarGuess)
	case PhaseLiarGuess:
		return m.resolveLiarGuess(ctx, roomID, st)
	default:
		return nil
	}
}

func (m *Machine) End(ctx context.Context, roomID string) error {
	if err := m.store.Delete(ctx, m.stateKey(roomID)); err != nil {
		return apperr.Internalf("clear liar state: %v", err)
	}
	m.scheduler.Cleanup(roomID)
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "LIAR_GAME_END", map[string]interface{}{})
	}
	return nil
}
