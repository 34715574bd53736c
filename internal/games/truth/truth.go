// Package truth implements the Truth interrogation game (C5/§4.5.5): an
// answerer is questioned on camera and the server scores per-frame
// face-tracking samples into a deterministic lie/truth verdict.
package truth

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/gamecore"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

const game = "truth"

const (
	PhaseSelectAnswerer  = "selectAnswerer"
	PhaseSubmitQuestions = "submitQuestions"
	PhaseSelectQuestion  = "selectQuestion"
	PhaseAnswering       = "answering"
	PhaseResult          = "result"
)

// Sample is one FaceTrackingSample frame.
type Sample struct {
	EyeBlinkRate    float64 `json:"eyeBlinkRate"`
	EyeMovement     float64 `json:"eyeMovement"`
	FacialTremor    float64 `json:"facialTremor"`
	NostrilMovement float64 `json:"nostrilMovement"`
	StressLevel     float64 `json:"stressLevel"`
	MicroExpression string  `json:"microExpression"`
	Timestamp       int64   `json:"timestamp"`
}

// SubmittedQuestion is one candidate question raised for the current
// answerer.
type SubmittedQuestion struct {
	DeviceID string `json:"deviceId"`
	Text     string `json:"text"`
	IsUsed   bool   `json:"isUsed"`
}

// DetectionResult is the output of the lie-detection algorithm.
type DetectionResult struct {
	IsLie          bool   `json:"isLie"`
	Confidence     int    `json:"confidence"`
	Comment        string `json:"comment"`
	HighestChannel string `json:"highestChannel,omitempty"`
}

// State is the single source-of-truth truth:state record.
type State struct {
	Phase              string              `json:"phase"`
	Round              int                 `json:"round"`
	CurrentAnswerer    string              `json:"currentAnswerer,omitempty"`
	CurrentQuestion    string              `json:"currentQuestion,omitempty"`
	SubmittedQuestions []SubmittedQuestion `json:"submittedQuestions,omitempty"`
	FaceTrackingData   []Sample            `json:"faceTrackingData,omitempty"`
	QuestionVotes      map[string]int      `json:"questionVotes,omitempty"`
	VoteDoneDevices    []string            `json:"voteDoneDevices,omitempty"`
	CandidateQuestion  int                 `json:"candidateQuestion,omitempty"`
	Result             *DetectionResult    `json:"result,omitempty"`
}

// Machine implements gamecore.Machine for Truth.
type Machine struct {
	store    store.Store
	registry *room.Registry
	bus      gamecore.Broadcaster
	ttl      time.Duration
}

func New(st store.Store, registry *room.Registry, bus gamecore.Broadcaster, ttl time.Duration) *Machine {
	return &Machine{store: st, registry: registry, bus: bus, ttl: ttl}
}

func (m *Machine) Game() string { return game }

func (m *Machine) stateKey(roomID string) string { return store.GameStateKey(roomID, game) }

func (m *Machine) Initialize(ctx context.Context, roomID string, params map[string]interface{}) error {
	st := &State{Phase: PhaseSelectAnswerer, Round: 1}
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

// HandleAction dispatches one of: select_answerer, submit_question,
// finish_question_submission, select_random_question, confirm_question,
// toggle_question_vote, finish_question_vote, submit_face_sample,
// finish_answering, next_round.
func (m *Machine) HandleAction(ctx context.Context, roomID, deviceID, action string, payload map[string]interface{}) error {
	unlock := m.registry.Lock(roomID)
	defer unlock()

	switch action {
	case "select_answerer":
		return m.selectAnswerer(ctx, roomID, payload)
	case "submit_question":
		return m.submitQuestion(ctx, roomID, deviceID, payload)
	case "finish_question_submission":
		return m.finishQuestionSubmission(ctx, roomID)
	case "select_random_question":
		return m.selectRandomQuestion(ctx, roomID)
	case "confirm_question":
		return m.confirmQuestion(ctx, roomID)
	case "toggle_question_vote":
		return m.toggleQuestionVote(ctx, roomID, deviceID, payload)
	case "finish_question_vote":
		return m.finishQuestionVote(ctx, roomID)
	case "submit_face_sample":
		return m.submitFaceSample(ctx, roomID, deviceID, payload)
	case "finish_answering":
		return m.finishAnswering(ctx, roomID)
	case "next_round":
		return m.nextRound(ctx, roomID)
	default:
		return apperr.InvalidArgumentf("unknown truth action %q", action)
	}
}

func (m *Machine) selectAnswerer(ctx context.Context, roomID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseSelectAnswerer {
		return apperr.InvalidStatef("not the select-answerer phase")
	}
	info, err := m.registry.Info(ctx, roomID)
	if err != nil {
		return err
	}
	if len(info.Players) == 0 {
		return apperr.InvalidStatef("room has no players")
	}

	answerer, _ := payload["deviceId"].(string)
	if answerer == "" {
		answerer = info.Players[rand.Intn(len(info.Players))].DeviceID
	} else {
		found := false
		for _, p := range info.Players {
			if p.DeviceID == answerer {
				found = true
				break
			}
		}
		if !found {
			return apperr.InvalidArgumentf("deviceId %s is not in the room", answerer)
		}
	}

	st.CurrentAnswerer = answerer
	st.Phase = PhaseSubmitQuestions
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "TRUTH_ANSWERER_SELECTED", map[string]interface{}{"answerer": answerer})
	}
	return nil
}

func (m *Machine) submitQuestion(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseSubmitQuestions {
		return apperr.InvalidStatef("not the submit-questions phase")
	}
	if deviceID == st.CurrentAnswerer {
		return apperr.Unauthorizedf("the answerer may not submit a question for themselves")
	}
	text, _ := payload["text"].(string)
	if text == "" {
		return apperr.InvalidArgumentf("text is required")
	}
	st.SubmittedQuestions = append(st.SubmittedQuestions, SubmittedQuestion{DeviceID: deviceID, Text: text})
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastHost(roomID, "TRUTH_QUESTION_SUBMITTED", map[string]interface{}{"deviceId": deviceID, "total": len(st.SubmittedQuestions)})
	}
	return nil
}

func (m *Machine) finishQuestionSubmission(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseSubmitQuestions {
		return apperr.InvalidStatef("not the submit-questions phase")
	}
	if len(st.SubmittedQuestions) == 0 {
		return apperr.InvalidStatef("no questions were submitted")
	}
	st.Phase = PhaseSelectQuestion
	st.CandidateQuestion = -1
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "TRUTH_QUESTIONS_LOCKED", map[string]interface{}{"questions": st.SubmittedQuestions})
	}
	return nil
}

func unusedIndexes(questions []SubmittedQuestion) []int {
	var out []int
	for i, q := range questions {
		if !q.IsUsed {
			out = append(out, i)
		}
	}
	return out
}

// selectRandomQuestion is host-driven and reroll-friendly: it only stages
// a candidate, it does not mark the question used.
func (m *Machine) selectRandomQuestion(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseSelectQuestion {
		return apperr.InvalidStatef("not the select-question phase")
	}
	candidates := unusedIndexes(st.SubmittedQuestions)
	if len(candidates) == 0 {
		return apperr.InvalidStatef("no unused questions remain")
	}
	st.CandidateQuestion = candidates[rand.Intn(len(candidates))]
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastHost(roomID, "TRUTH_QUESTION_CANDIDATE", map[string]interface{}{
			"index": st.CandidateQuestion,
			"text":  st.SubmittedQuestions[st.CandidateQuestion].Text,
		})
	}
	return nil
}

func (m *Machine) confirmQuestion(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseSelectQuestion {
		return apperr.InvalidStatef("not the select-question phase")
	}
	if st.CandidateQuestion < 0 || st.CandidateQuestion >= len(st.SubmittedQuestions) {
		return apperr.InvalidStatef("no candidate question has been staged")
	}
	return m.enterAnswering(ctx, roomID, st, st.CandidateQuestion)
}

func (m *Machine) toggleQuestionVote(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseSelectQuestion {
		return apperr.InvalidStatef("not the select-question phase")
	}
	if deviceID == st.CurrentAnswerer {
		return apperr.Unauthorizedf("the answerer may not vote on the question")
	}
	idxF, ok := payload["questionIndex"].(float64)
	if !ok {
		return apperr.InvalidArgumentf("questionIndex is required")
	}
	idx := int(idxF)
	if idx < 0 || idx >= len(st.SubmittedQuestions) {
		return apperr.InvalidArgumentf("questionIndex out of range")
	}
	if st.QuestionVotes == nil {
		st.QuestionVotes = map[string]int{}
	}
	if existing, voted := st.QuestionVotes[deviceID]; voted && existing == idx {
		delete(st.QuestionVotes, deviceID)
	} else {
		st.QuestionVotes[deviceID] = idx
	}
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastHost(roomID, "TRUTH_QUESTION_VOTE", map[string]interface{}{"votes": st.QuestionVotes})
	}
	return nil
}

func (m *Machine) finishQuestionVote(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseSelectQuestion {
		return apperr.InvalidStatef("not the select-question phase")
	}
	counts := map[int]int{}
	for _, idx := range st.QuestionVotes {
		counts[idx]++
	}
	var chosen int
	if len(counts) == 0 {
		candidates := unusedIndexes(st.SubmittedQuestions)
		if len(candidates) == 0 {
			return apperr.InvalidStatef("no unused questions remain")
		}
		chosen = candidates[rand.Intn(len(candidates))]
	} else {
		chosen = pluralityIndex(counts)
	}
	return m.enterAnswering(ctx, roomID, st, chosen)
}

// pluralityIndex returns the highest-count key, breaking ties randomly.
func pluralityIndex(counts map[int]int) int {
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	best := keys[0]
	bestScore := counts[best]
	ties := []int{best}
	for _, k := range keys[1:] {
		if counts[k] > bestScore {
			bestScore = counts[k]
			ties = []int{k}
		} else if counts[k] == bestScore {
			ties = append(ties, k)
		}
	}
	return ties[rand.Intn(len(ties))]
}

func (m *Machine) enterAnswering(ctx context.Context, roomID string, st *State, questionIndex int) error {
	st.SubmittedQuestions[questionIndex].IsUsed = true
	st.CurrentQuestion = st.SubmittedQuestions[questionIndex].Text
	st.CandidateQuestion = 0
	st.QuestionVotes = nil
	st.VoteDoneDevices = nil
	st.FaceTrackingData = nil
	st.Phase = PhaseAnswering
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "TRUTH_QUESTION_SELECTED", map[string]interface{}{"question": st.CurrentQuestion})
	}
	return nil
}

func (m *Machine) submitFaceSample(ctx context.Context, roomID, deviceID string, payload map[string]interface{}) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseAnswering {
		return apperr.InvalidStatef("not the answering phase")
	}
	if deviceID != st.CurrentAnswerer {
		return apperr.Unauthorizedf("only the answerer may submit face-tracking samples")
	}
	sample := Sample{
		EyeBlinkRate:    floatOf(payload["eyeBlinkRate"]),
		EyeMovement:     floatOf(payload["eyeMovement"]),
		FacialTremor:    floatOf(payload["facialTremor"]),
		NostrilMovement: floatOf(payload["nostrilMovement"]),
		StressLevel:     floatOf(payload["stressLevel"]),
		MicroExpression: stringOf(payload["microExpression"]),
		Timestamp:       int64(floatOf(payload["timestamp"])),
	}
	st.FaceTrackingData = append(st.FaceTrackingData, sample)
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastHost(roomID, "TRUTH_FACE_DATA", sample)
	}
	return nil
}

func floatOf(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func (m *Machine) finishAnswering(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseAnswering {
		return apperr.InvalidStatef("not the answering phase")
	}
	result := Detect(st.FaceTrackingData)
	st.Result = &result
	st.Phase = PhaseResult
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "TRUTH_RESULT", result)
	}
	return nil
}

func (m *Machine) nextRound(ctx context.Context, roomID string) error {
	st, err := m.load(ctx, roomID)
	if err != nil {
		return err
	}
	if st.Phase != PhaseResult {
		return apperr.InvalidStatef("not the result phase")
	}
	st.Round++
	st.CurrentAnswerer = ""
	st.CurrentQuestion = ""
	st.FaceTrackingData = nil
	st.QuestionVotes = nil
	st.VoteDoneDevices = nil
	st.Result = nil
	st.Phase = PhaseSelectAnswerer
	if err := m.save(ctx, roomID, st); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "TRUTH_NEXT_ROUND", map[string]interface{}{"round": st.Round})
	}
	return nil
}

// Detect runs the deterministic lie-detection algorithm over a completed
// answering phase's samples (§4.5.5).
func Detect(data []Sample) DetectionResult {
	n := len(data)
	if n == 0 {
		return DetectionResult{IsLie: false, Confidence: 0, Comment: "no data"}
	}
	if n < 5 {
		return DetectionResult{IsLie: false, Confidence: 0, Comment: "insufficient data"}
	}

	blinks := make([]float64, n)
	eyes := make([]float64, n)
	tremors := make([]float64, n)
	nostrils := make([]float64, n)
	stresses := make([]float64, n)
	nervous := 0
	for i, s := range data {
		blinks[i] = s.EyeBlinkRate
		eyes[i] = s.EyeMovement
		tremors[i] = s.FacialTremor
		nostrils[i] = s.NostrilMovement
		stresses[i] = s.StressLevel
		if s.MicroExpression == "nervous" {
			nervous++
		}
	}

	medBlink, stdBlink := median(blinks), stdev(blinks)
	medEye, stdEye := median(eyes), stdev(eyes)
	medTremor, stdTremor := median(tremors), stdev(tremors)
	medNostril, stdNostril := median(nostrils), stdev(nostrils)

	blinkScore := clampInt(roundInt(medBlink/3*100), 0, 100)
	eyeScore := clampInt(roundInt(medEye*300), 0, 100)
	tremorScore := clampInt(roundInt(medTremor*300), 0, 100)
	nostrilScore := clampInt(roundInt(medNostril*300), 0, 100)

	volatility := roundInt(
		clamp(stdBlink*100, 0, 30) +
			clamp(stdEye*100, 0, 30) +
			clamp(stdTremor*50, 0, 20) +
			clamp(stdNostril*50, 0, 20),
	)

	half := n / 2
	trend := math.Max(0, avg(stresses[half:])-avg(stresses[:half]))

	nervousRatio := float64(nervous) / float64(n)
	microScore := roundInt(nervousRatio * 30)

	base := roundInt(
		float64(blinkScore)*0.25 +
			float64(eyeScore)*0.25 +
			float64(tremorScore)*0.15 +
			float64(nostrilScore)*0.15 +
			float64(volatility)*0.2 +
			trend*0.1 +
			float64(microScore)*0.1,
	)

	highCount := 0
	for _, s := range []int{blinkScore, eyeScore, tremorScore, nostrilScore} {
		if s >= 50 {
			highCount++
		}
	}
	bonus := 0
	if highCount >= 3 {
		bonus = 15
	} else if highCount >= 2 {
		bonus = 10
	}

	overall := clampInt(base+bonus, 0, 100)
	isLie := overall >= 7

	channels := []struct {
		name  string
		score int
	}{
		{"blink", blinkScore},
		{"eye", eyeScore},
		{"tremor", tremorScore},
		{"nostril", nostrilScore},
	}
	highest := channels[0].name
	highestScore := channels[0].score
	for _, c := range channels[1:] {
		if c.score > highestScore {
			highest = c.name
			highestScore = c.score
		}
	}

	return DetectionResult{
		IsLie:          isLie,
		Confidence:     overall,
		Comment:        narrativeComment(overall, highest),
		HighestChannel: highest,
	}
}

func narrativeComment(overall int, highestChannel string) string {
	switch {
	case overall >= 70:
		return "strong signs of deception, most visible in " + highestChannel
	case overall >= 40:
		return "some tension detected, notably in " + highestChannel
	case overall >= 7:
		return "mild stress signals, led by " + highestChannel
	default:
		return "no significant signs of deception"
	}
}

func median(xs []float64) float64 {
	sorted := append([]float64{}, xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func avg(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := avg(xs)
	sumSq := 0.0
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundInt(v float64) int {
	return int(math.Round(v))
}

// OnPhaseComplete is a no-op: Truth has no timer-driven phase, every
// transition is host- or action-driven.
func (m *Machine) OnPhaseComplete(ctx context.Context, roomID string) error { return nil }

func (m *Machine) End(ctx context.Context, roomID string) error {
	if err := m.store.Delete(ctx, m.stateKey(roomID)); err != nil {
		return apperr.Internalf("clear truth state: %v", err)
	}
	if m.bus != nil {
		m.bus.BroadcastAll(roomID, "TRUTH_GAME_END", map[string]interface{}{})
	}
	return nil
}
