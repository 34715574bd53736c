// Package mafia implements the Mafia social-deduction game (C5/§4.5.2): a
// nine-phase night/day cycle driven by the Scheduler, with role-scoped
// night actions and a plurality day vote followed by a final defense and
// execution vote.
package mafia

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/gamecore"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/scheduler"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

const game = "mafia"

// Phases, in the order §4.5.2 walks them.
const (
	PhaseNight           = "night"
	PhaseDayAnnouncement = "dayAnnouncement"
	PhaseDayDiscussion   = "dayDiscussion"
	PhaseVote            = "vote"
	PhaseVoteResult      = "voteResult"
	PhaseFinalDefense    = "finalDefense"
	PhaseFinalVote       = "finalVote"
	PhaseFinalVoteResult = "finalVoteResult"
	PhaseGameEnd         = "gameEnd"
)

// Roles a player may hold during a round.
const (
	RoleMafia    = "mafia"
	RoleDoctor   = "doctor"
	RolePolice   = "police"
	RoleCivilian = "civilian"
)

var phaseDuration = map[string]int{
	PhaseNight:           30,
	PhaseDayAnnouncement: 10,
	PhaseDayDiscussion:   240,
	PhaseVote:            60,
	PhaseVoteResult:      5,
	PhaseFinalDefense:    30,
	PhaseFinalVote:       30,
	PhaseFinalVoteResult: 5,
	PhaseGameEnd:         0,
}

// State is the single source-of-truth mafia:state record.
type State struct {
	Phase           string          `json:"phase"`
	TimerSec        int             `json:"timerSec"`
	DayCount        int             `json:"dayCount"`
	MafiaTarget     string          `json:"mafiaTarget,omitempty"`
	DoctorTarget    string          `json:"doctorTarget,omitempty"`
	PoliceTarget    string          `json:"policeTarget,omitempty"`
	Votes           map[string]string `json:"votes,omitempty"`
	FinalVotes      map[string]bool   `json:"finalVotes,omitempty"`
	ExecutionTarget string          `json:"executionTarget,omitempty"`
	LastNightKilled string          `json:"lastNightKilled,omitempty"`
	WasSaved        bool            `json:"wasSaved"`
	DeadPlayers     []string        `json:"deadPlayers,omitempty"`
	Winner          string          `json:"winner,omitempty"`
}

// Machine implements gamecore.Machine for Mafia.
type Machine struct {
	store     store.Store
	registry  *room.Registry
	bus       gamecore.Broadcaster
	scheduler *scheduler.Pool
	ttl       time.Duration
}

func New(st store.Store, registry *room.Registry, bus gamecore.Broadcaster, pool *scheduler.Pool, ttl time.Duration) *Machine {
	return &Machine{store: st, registry: registry, bus: bus, scheduler: pool, ttl: ttl}
}

func (m *Machine) Game() string { return game }

func (m *Machine) stateKey(roomID string) string { return store.GameStateKey(roomID, game) }
func (m *Machine) chatKey(roomID string) string  { return store.GameAuxKey(roomID, game, "chat") }

// Initialize assigns roles per §4.5.2's count table and starts the first
// night.
func (m *Machine) Initialize(ctx context.Context, roomID string, params map[string]interface{}) error {
	unlock := m.registry.Lock(roomID)
	defer unlock()

	_ = m.store.Delete(ctx, m.chatKey(roomID))

	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	n := len(info.Players)
	if n < 4 {
		return apperr.InvalidStatef("mafia requires at least 4 players, have %d", n)
	}

	mafiaCount := 1
	if n > 8 {
		mafiaCount = 3
	} else if n > 5 {
		mafiaCount = 2
	}
	hasDoctor := n >= 6
	hasPolice := n >= 7

	order := make([]string, n)
	for i, p := range info.Players {
		order[i] = p.DeviceID
	}
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	roles := make(map[string]string, n)
	idx := 0
	for i := 0; i < mafiaCount; i++ {
		roles[order[idx]] = RoleMafia
		idx++
	}
	if hasDoctor {
		roles[order[idx]] = RoleDoctor
		idx++
	}
	if hasPolice {
		roles[order[idx]] = RolePolice
		idx++
	}
	for ; idx < n; idx++ {
		roles[order[idx]] = RoleCivilian
	}

	if err := m.registry.MutateLocked(ctx, roomID, func(info *room.Info) (bool, error) {
		for _, p := range info.Players {
			p.Role = roles[p.DeviceID]
			p.Alive = true
		}
		return true, nil
	}); err != nil {
		return err
	}

	st := &State{Phase: PhaseNight, DayCount: 0, Votes: map[string]string{}, FinalVotes: map[string]bool{}}
	if err := m.enterPhase(ctx, roomID, st, PhaseNight); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MAFIA_GAME_STARTED", map[string]interface{}{
			"mafiaCount": mafiaCount,
			"hasDoctor":  hasDoctor,
			"hasPolice":  hasPolice,
		})
		for _, p := range info.Players {
			m.bus.BroadcastTo(roomID, p.DeviceID, "MAFIA_ROLE_ASSIGNED", map[string]interface{}{"role": roles[p.DeviceID]})
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

// enterPhase sets st.Phase/TimerSec, persists, and starts the phase's
// countdown (if any). Assumes the caller already holds roomID's lock.
func (m *Machine) enterPhase(ctx context.Context, roomID string, st *State, phase string) error {
	st.Phase = phase
	st.TimerSec = phaseDuration[phase]
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MAFIA_PHASE_CHANGED", map[string]interface{}{
			"phase":    phase,
			"timerSec": st.TimerSec,
			"dayCount": st.DayCount,
		})
	}
	duration := phaseDuration[phase]
	if duration <= 0 {
		return nil
	}
	m.scheduler.StartCountdown(roomID, duration, func(remaining int) {
		if m.bus != nil {
			m.bus.BroadcastAll(roomID, "MAFIA_TIMER", map[string]interface{}{"phase": phase, "remaining": remaining})
		}
	}, func() {
		bg := context.Background()
		unlock := m.registry.Lock(roomID)
		defer unlock()
		if err := m.OnPhaseCompleteLocked(bg, roomID); err != nil && m.bus != nil {
			m.bus.BroadcastHost(roomID, "MAFIA_ERROR", map[string]interface{}{"error": err.Error()})
		}
	})
	return nil
}

// HandleAction dispatches one of: mafia_kill, doctor_save, police_investigate,
// mafia_chat, vote, final_vote.
func (m *Machine) HandleAction(ctx context.Context, roomID, deviceID, action string, payload map[string]interface{}) error {
	unlock := m.registry.Lock(roomID)
	defer unlock()

	switch action {
	case "mafia_kill":
		return m.nightTarget(ctx, roomID, deviceID, payload, RoleMafia, func(st *State, target string) { st.MafiaTarget = target })
	case "doctor_save":
		return m.nightTarget(ctx, roomID, deviceID, payload, RoleDoctor, func(st *State, target string) { st.DoctorTarget = target })
	case "police_investigate":
		return m.policeInvestigate(ctx, roomID, deviceID, payload)
	case "mafia_chat":
		return m.mafiaChat(ctx, roomID, deviceID, payload)
	case "vote":
		return m.vote(ctx, roomID, deviceID, payload)
	case "final_vote":
		return m.finalVote(ctx, roomID, deviceID, payload)
	default:
		return apperr.InvalidArgumentf("unknown mafia action %q", action)
	}
}

func (m *Machine) playerRole(info *room.Info, deviceID string) string {
	for _, p := range info.Players {
		if p.DeviceID == deviceID {
			return p.Role
		}
	}
	return ""
}

func (m *Machine) playerAlive(info *room.Info, deviceID string) bool {
	for _, p := range info.Players {
		if p.DeviceID == deviceID {
			return p.Alive
		}
	}
	return false
}

func (m *Machine) nightTarget(ctx context.Context, roomID, deviceID string, payload map[string]interface{}, role string, set func(*State, string)) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseNight {
		return apperr.InvalidStatef("not the night phase")
	}
	target, _ := payload["targetDeviceId"].(string)
	if target == "" {
		return apperr.InvalidArgumentf("targetDeviceId is required")
	}

	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if m.playerRole(info, deviceID) != role {
		return apperr.Unauthorizedf("device is not holding role %s", role)
	}
	if !m.playerAlive(info, deviceID) {
		return apperr.InvalidStatef("dead players cannot act")
	}
	if !m.playerAlive(info, target) {
		return apperr.InvalidArgumentf("target is not alive")
	}

	set(st, target)
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	return m.checkNightComplete(ctx, roomID, st, info)
}

func (m *Machine) policeInvestigate(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseNight {
		return apperr.InvalidStatef("not the night phase")
	}
	target, _ := payload["targetDeviceId"].(string)
	if target == "" {
		return apperr.InvalidArgumentf("targetDeviceId is required")
	}

	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if m.playerRole(info, deviceID) != RolePolice {
		return apperr.Unauthorizedf("device is not holding role police")
	}
	if !m.playerAlive(info, deviceID) {
		return apperr.InvalidStatef("dead players cannot act")
	}

	st.PoliceTarget = target
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastTo(roomID, deviceID, "MAFIA_INVESTIGATION_RESULT", map[string]interface{}{
			"targetDeviceId": target,
			"isMafia":        m.playerRole(info, target) == RoleMafia,
		})
	}
	return m.checkNightComplete(ctx, roomID, st, info)
}

func (m *Machine) mafiaChat(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	text, _ := payload["text"].(string)
	if text == "" {
		return apperr.InvalidArgumentf("text is required")
	}
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseNight {
		return apperr.InvalidStatef("mafia chat only during the night phase")
	}
	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if m.playerRole(info, deviceID) != RoleMafia {
		return apperr.Unauthorizedf("only mafia may use the night channel")
	}

	entry := map[string]interface{}{"deviceId": deviceID, "text": text}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.store.ListAppend(ctx, m.chatKey(roomID), raw, m.ttl); err != nil {
		return apperr.Internalf("append mafia chat: %v", err)
	}
	if m.bus != nil {
		for _, p := range info.Players {
			if p.Role == RoleMafia {
				m.bus.BroadcastTo(roomID, p.DeviceID, "MAFIA_CHAT", entry)
			}
		}
	}
	return nil
}

// checkNightComplete cancels the night timer and resolves immediately once
// mafia have targeted, and doctor/police have acted if present.
func (m *Machine) checkNightComplete(ctx context.Context, roomID string, st *State, info *room.Info) error {
	hasDoctor, hasPolice := false, false
	for _, p := range info.Players {
		if p.Role == RoleDoctor {
			hasDoctor = true
		}
		if p.Role == RolePolice {
			hasPolice = true
		}
	}
	if st.MafiaTarget == "" {
		return nil
	}
	if hasDoctor && st.DoctorTarget == "" {
		return nil
	}
	if hasPolice && st.PoliceTarget == "" {
		return nil
	}
	m.scheduler.CancelCountdown(roomID)
	return m.resolveNight(ctx, roomID, st)
}

func (m *Machine) resolveNight(ctx context.Context, roomID string, st *State) error {
	victim := st.MafiaTarget
	st.WasSaved = victim != "" && victim == st.DoctorTarget
	st.LastNightKilled = ""
	if victim != "" && !st.WasSaved {
		if err := m.kill(ctx, roomID, st, victim); err != nil {
			return err
		}
		st.LastNightKilled = victim
	}
	st.MafiaTarget, st.DoctorTarget, st.PoliceTarget = "", "", ""
	st.DayCount++

	if winner, err := m.checkWinner(ctx, roomID); err != nil {
		return err
	} else if winner != "" {
		return m.endGame(ctx, roomID, st, winner)
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MAFIA_NIGHT_RESULT", map[string]interface{}{
			"killed":   st.LastNightKilled,
			"wasSaved": st.WasSaved,
		})
	}
	return m.enterPhase(ctx, roomID, st, PhaseDayAnnouncement)
}

func (m *Machine) kill(ctx context.Context, roomID string, st *State, deviceID string) error {
	st.DeadPlayers = append(st.DeadPlayers, deviceID)
	return m.registry.MutateLocked(ctx, roomID, func(info *room.Info) (bool, error) {
		for _, p := range info.Players {
			if p.DeviceID == deviceID {
				p.Alive = false
			}
		}
		return true, nil
	})
}

func (m *Machine) checkWinner(ctx context.Context, roomID string) (string, error) {
	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return "", err
	}
	mafiaAlive, nonMafiaAlive := 0, 0
	for _, p := range info.Players {
		if !p.Alive {
			continue
		}
		if p.Role == RoleMafia {
			mafiaAlive++
		} else {
			nonMafiaAlive++
		}
	}
	if mafiaAlive == 0 {
		return "citizen", nil
	}
	if mafiaAlive >= nonMafiaAlive {
		return "mafia", nil
	}
	return "", nil
}

func (m *Machine) vote(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseVote {
		return apperr.InvalidStatef("not the vote phase")
	}
	target, _ := payload["targetDeviceId"].(string)
	if target == "" {
		return apperr.InvalidArgumentf("targetDeviceId is required")
	}
	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if !m.playerAlive(info, deviceID) {
		return apperr.InvalidStatef("dead players cannot vote")
	}
	if !m.playerAlive(info, target) {
		return apperr.InvalidArgumentf("target is not alive")
	}
	if st.Votes == nil {
		st.Votes = map[string]string{}
	}
	st.Votes[deviceID] = target
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastHost(roomID, "MAFIA_VOTE_CAST", map[string]interface{}{"deviceId": deviceID, "target": target})
	}
	return nil
}

func (m *Machine) finalVote(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseFinalVote {
		return apperr.InvalidStatef("not the final vote phase")
	}
	kill, ok := payload["kill"].(bool)
	if !ok {
		return apperr.InvalidArgumentf("kill (bool) is required")
	}
	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if !m.playerAlive(info, deviceID) {
		return apperr.InvalidStatef("dead players cannot vote")
	}
	if deviceID == st.ExecutionTarget {
		return apperr.InvalidStatef("the accused cannot vote on their own execution")
	}
	if st.FinalVotes == nil {
		st.FinalVotes = map[string]bool{}
	}
	st.FinalVotes[deviceID] = kill
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastHost(roomID, "MAFIA_FINAL_VOTE_CAST", map[string]interface{}{"deviceId": deviceID, "kill": kill})
	}
	return nil
}

// OnPhaseComplete acquires roomID's lock itself. The countdown closure
// installed in enterPhase already holds the lock and calls
// OnPhaseCompleteLocked instead.
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
	case PhaseNight:
		return m.resolveNight(ctx, roomID, st)
	case PhaseDayAnnouncement:
		return m.enterPhase(ctx, roomID, st, PhaseDayDiscussion)
	case PhaseDayDiscussion:
		st.Votes = map[string]string{}
		return m.enterPhase(ctx, roomID, st, PhaseVote)
	case PhaseVote:
		return m.resolveVote(ctx, roomID, st)
	case PhaseVoteResult:
		return m.afterVoteResult(ctx, roomID, st)
	case PhaseFinalDefense:
		st.FinalVotes = map[string]bool{}
		return m.enterPhase(ctx, roomID, st, PhaseFinalVote)
	case PhaseFinalVote:
		return m.resolveFinalVote(ctx, roomID, st)
	case PhaseFinalVoteResult:
		return m.afterFinalVoteResult(ctx, roomID, st)
	default:
		return nil
	}
}

func (m *Machine) resolveVote(ctx context.Context, roomID string, st *State) error {
	counts := map[string]int{}
	for _, target := range st.Votes {
		counts[target]++
	}
	st.ExecutionTarget = uniquePlurality(counts)
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MAFIA_VOTE_RESULT", map[string]interface{}{"accused": st.ExecutionTarget, "counts": counts})
	}
	return m.enterPhase(ctx, roomID, st, PhaseVoteResult)
}

func (m *Machine) afterVoteResult(ctx context.Context, roomID string, st *State) error {
	if st.ExecutionTarget == "" {
		return m.enterPhase(ctx, roomID, st, PhaseNight)
	}
	return m.enterPhase(ctx, roomID, st, PhaseFinalDefense)
}

func (m *Machine) resolveFinalVote(ctx context.Context, roomID string, st *State) error {
	killVotes, saveVotes := 0, 0
	for _, kill := range st.FinalVotes {
		if kill {
			killVotes++
		} else {
			saveVotes++
		}
	}
	executed := killVotes > saveVotes
	if executed {
		if err := m.kill(ctx, roomID, st, st.ExecutionTarget); err != nil {
			return err
		}
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "MAFIA_FINAL_VOTE_RESULT", map[string]interface{}{
			"executed":  executed,
			"target":    st.ExecutionTarget,
			"killVotes": killVotes,
			"saveVotes": saveVotes,
		})
	}
	return m.enterPhase(ctx, roomID, st, PhaseFinalVoteResult)
}

func (m *Machine) afterFinalVoteResult(ctx context.Context, roomID string, st *State) error {
	st.ExecutionTarget = ""
	if winner, err := m.checkWinner(ctx, roomID); err != nil {
		return err
	} else if winner != "" {
		return m.endGame(ctx, roomID, st, winner)
	}
	return m.enterPhase(ctx, roomID, st, PhaseNight)
}

// uniquePlurality returns the highest-count key in counts, but only when
// that key is the sole holder of the max count. A tie at the top (or an
// empty counts map) means no execution, so it returns "" per the day vote's
// rule: unlike Liar's pointing/question-select flows, a tied Mafia day vote
// is not resolved by random tiebreak.
func uniquePlurality(counts map[string]int) string {
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
	tieCount := 1
	for _, k := range keys[1:] {
		if counts[k] > bestScore {
			bestScore = counts[k]
			best = k
			tieCount = 1
		} else if counts[k] == bestScore {
			tieCount++
		}
	}
	if tieCount > 1 {
		return ""
	}
	return best
}

func (m *Machine) endGame(ctx context.Context, roomID string, st *State, winner string) error {
	st.Winner = winner
	if err := m.enterPhase(ctx, roomID, st, PhaseGameEnd); err != nil {
		return err
	}
	if m.bus == nil {
		return nil
	}
	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return nil
	}
	roles := map[string]string{}
	for _, p := range info.Players {
		roles[p.DeviceID] = p.Role
	}
	m.bus.BroadcastAll(roomID, "MAFIA_GAME_END", map[string]interface{}{"winner": winner, "roles": roles})
	return nil
}

func (m *Machine) End(ctx context.Context, roomID string) error {
	if err := m.store.Delete(ctx, m.stateKey(roomID)); err != nil {
		return apperr.Internalf("clear mafia state: %v", err)
	}
	_ = m.store.Delete(ctx, m.chatKey(roomID))
	m.scheduler.Cleanup(roomID)
	return nil
}
