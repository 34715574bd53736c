package truth

import (
	"context"
	"testing"
	"time"

	"github.com/ujinchoi03-star/recreation/internal/hosttoken"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastAll(string, string, interface{})        {}
func (noopBroadcaster) BroadcastHost(string, string, interface{})       {}
func (noopBroadcaster) BroadcastPlayers(string, string, interface{})    {}
func (noopBroadcaster) BroadcastTo(string, string, string, interface{}) {}

func setup(t *testing.T, players int) (*Machine, *room.Registry, string, []string) {
	t.Helper()
	st := store.NewMemoryStore()
	tokens := hosttoken.NewManager("secret", time.Hour)
	reg := room.NewRegistry(st, time.Hour, tokens, nil)
	m := New(st, reg, noopBroadcaster{}, time.Hour)

	ctx := context.Background()
	info, err := reg.Create(ctx)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	var deviceIDs []string
	for i := 0; i < players; i++ {
		p, err := reg.Join(ctx, info.RoomID, string(rune('a'+i)))
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		deviceIDs = append(deviceIDs, p.DeviceID)
	}
	if err := m.Initialize(ctx, info.RoomID, map[string]interface{}{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m, reg, info.RoomID, deviceIDs
}

func TestFullRoundHostDrivenQuestionSelection(t *testing.T) {
	m, _, roomID, devices := setup(t, 4)
	ctx := context.Background()

	if err := m.HandleAction(ctx, roomID, "", "select_answerer", map[string]interface{}{"deviceId": devices[0]}); err != nil {
		t.Fatalf("select_answerer: %v", err)
	}
	for _, d := range devices[1:] {
		if err := m.HandleAction(ctx, roomID, d, "submit_question", map[string]interface{}{"text": "why were you late?"}); err != nil {
			t.Fatalf("submit_question(%s): %v", d, err)
		}
	}
	// the answerer may not submit a question for themselves
	if err := m.HandleAction(ctx, roomID, devices[0], "submit_question", map[string]interface{}{"text": "nope"}); err == nil {
		t.Fatalf("expected the answerer's own submission to be rejected")
	}

	if err := m.HandleAction(ctx, roomID, "", "finish_question_submission", nil); err != nil {
		t.Fatalf("finish_question_submission: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, "", "select_random_question", nil); err != nil {
		t.Fatalf("select_random_question: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, "", "confirm_question", nil); err != nil {
		t.Fatalf("confirm_question: %v", err)
	}

	st, err := m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseAnswering {
		t.Fatalf("phase = %q, want answering", st.Phase)
	}
	if st.CurrentQuestion == "" {
		t.Fatalf("expected a question to be selected")
	}

	for i := 0; i < 6; i++ {
		if err := m.HandleAction(ctx, roomID, devices[0], "submit_face_sample", map[string]interface{}{
			"eyeBlinkRate": 0.1, "eyeMovement": 0.1, "facialTremor": 0.1, "nostrilMovement": 0.1,
			"stressLevel": 10.0, "microExpression": "calm", "timestamp": float64(i),
		}); err != nil {
			t.Fatalf("submit_face_sample: %v", err)
		}
	}
	// only the answerer may submit samples
	if err := m.HandleAction(ctx, roomID, devices[1], "submit_face_sample", map[string]interface{}{}); err == nil {
		t.Fatalf("expected a non-answerer's sample submission to be rejected")
	}

	if err := m.HandleAction(ctx, roomID, "", "finish_answering", nil); err != nil {
		t.Fatalf("finish_answering: %v", err)
	}
	st, err = m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Phase != PhaseResult {
		t.Fatalf("phase = %q, want result", st.Phase)
	}
	if st.Result == nil {
		t.Fatalf("expected a detection result to be recorded")
	}
}

func TestQuestionVotePicksPluralityAndMarksUsed(t *testing.T) {
	m, _, roomID, devices := setup(t, 3)
	ctx := context.Background()

	if err := m.HandleAction(ctx, roomID, "", "select_answerer", map[string]interface{}{"deviceId": devices[0]}); err != nil {
		t.Fatalf("select_answerer: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, devices[1], "submit_question", map[string]interface{}{"text": "q0"}); err != nil {
		t.Fatalf("submit_question: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, devices[2], "submit_question", map[string]interface{}{"text": "q1"}); err != nil {
		t.Fatalf("submit_question: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, "", "finish_question_submission", nil); err != nil {
		t.Fatalf("finish_question_submission: %v", err)
	}

	if err := m.HandleAction(ctx, roomID, devices[1], "toggle_question_vote", map[string]interface{}{"questionIndex": float64(1)}); err != nil {
		t.Fatalf("toggle_question_vote: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, devices[2], "toggle_question_vote", map[string]interface{}{"questionIndex": float64(1)}); err != nil {
		t.Fatalf("toggle_question_vote: %v", err)
	}
	if err := m.HandleAction(ctx, roomID, "", "finish_question_vote", nil); err != nil {
		t.Fatalf("finish_question_vote: %v", err)
	}

	st, err := m.load(ctx, roomID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.CurrentQuestion != "q1" {
		t.Fatalf("currentQuestion = %q, want q1 (the plurality pick)", st.CurrentQuestion)
	}
	if !st.SubmittedQuestions[1].IsUsed {
		t.Fatalf("expected the selected question to be marked used")
	}
}

func TestLieDetectionEdgeCases(t *testing.T) {
	if r := Detect(nil); r.IsLie || r.Confidence != 0 || r.Comment != "no data" {
		t.Fatalf("Detect(nil) = %+v, want no-data zero result", r)
	}
	few := []Sample{{}, {}, {}}
	if r := Detect(few); r.IsLie || r.Confidence != 0 || r.Comment != "insufficient data" {
		t.Fatalf("Detect(3 samples) = %+v, want insufficient-data zero result", r)
	}
}

func TestLieDetectionIsDeterministic(t *testing.T) {
	samples := []Sample{
		{EyeBlinkRate: 0.8, EyeMovement: 0.3, FacialTremor: 0.25, NostrilMovement: 0.2, StressLevel: 80, MicroExpression: "nervous", Timestamp: 0},
		{EyeBlinkRate: 0.9, EyeMovement: 0.35, FacialTremor: 0.3, NostrilMovement: 0.22, StressLevel: 85, MicroExpression: "nervous", Timestamp: 1},
		{EyeBlinkRate: 0.7, EyeMovement: 0.28, FacialTremor: 0.27, NostrilMovement: 0.19, StressLevel: 90, MicroExpression: "nervous", Timestamp: 2},
		{EyeBlinkRate: 0.85, EyeMovement: 0.31, FacialTremor: 0.29, NostrilMovement: 0.21, StressLevel: 88, MicroExpression: "calm", Timestamp: 3},
		{EyeBlinkRate: 0.75, EyeMovement: 0.33, FacialTremor: 0.26, NostrilMovement: 0.2, StressLevel: 92, MicroExpression: "nervous", Timestamp: 4},
	}
	first := Detect(samples)
	second := Detect(samples)
	if first != second {
		t.Fatalf("Detect is not deterministic: %+v != %+v", first, second)
	}
	if !first.IsLie {
		t.Fatalf("expected high-stress nervous samples to be flagged as a lie, got %+v", first)
	}

	calm := []Sample{
		{EyeBlinkRate: 0.05, EyeMovement: 0.01, FacialTremor: 0.01, NostrilMovement: 0.01, StressLevel: 5, MicroExpression: "calm", Timestamp: 0},
		{EyeBlinkRate: 0.04, EyeMovement: 0.01, FacialTremor: 0.01, NostrilMovement: 0.01, StressLevel: 5, MicroExpression: "calm", Timestamp: 1},
		{EyeBlinkRate: 0.05, EyeMovement: 0.01, FacialTremor: 0.01, NostrilMovement: 0.01, StressLevel: 5, MicroExpression: "calm", Timestamp: 2},
		{EyeBlinkRate: 0.04, EyeMovement: 0.01, FacialTremor: 0.01, NostrilMovement: 0.01, StressLevel: 5, MicroExpression: "calm", Timestamp: 3},
		{EyeBlinkRate: 0.05, EyeMovement: 0.01, FacialTremor: 0.01, NostrilMovement: 0.01, StressLevel: 5, MicroExpression: "calm", Timestamp: 4},
	}
	if r := Detect(calm); r.IsLie {
		t.Fatalf("expected low-stress calm samples not to be flagged as a lie, got %+v", r)
	}
}

func TestLieDetectionTiedChannelsAreDeterministic(t *testing.T) {
	// eyeMovement and facialTremor are equal (and both exceed blink/nostril),
	// so the highest-channel tiebreak is exercised on every call.
	tied := []Sample{
		{EyeBlinkRate: 0.05, EyeMovement: 0.3, FacialTremor: 0.3, NostrilMovement: 0.1, StressLevel: 50, MicroExpression: "calm", Timestamp: 0},
		{EyeBlinkRate: 0.05, EyeMovement: 0.3, FacialTremor: 0.3, NostrilMovement: 0.1, StressLevel: 50, MicroExpression: "calm", Timestamp: 1},
		{EyeBlinkRate: 0.05, EyeMovement: 0.3, FacialTremor: 0.3, NostrilMovement: 0.1, StressLevel: 50, MicroExpression: "calm", Timestamp: 2},
		{EyeBlinkRate: 0.05, EyeMovement: 0.3, FacialTremor: 0.3, NostrilMovement: 0.1, StressLevel: 50, MicroExpression: "calm", Timestamp: 3},
		{EyeBlinkRate: 0.05, EyeMovement: 0.3, FacialTremor: 0.3, NostrilMovement: 0.1, StressLevel: 50, MicroExpression: "calm", Timestamp: 4},
	}
	first := Detect(tied)
	for i := 0; i < 20; i++ {
		if got := Detect(tied); got != first {
			t.Fatalf("Detect is not deterministic on tied channels: call %d = %+v, want %+v", i, got, first)
		}
	}
}
