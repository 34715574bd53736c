// Package api implements the External API Surface (C7): a go-chi router
// exposing room/presence, team, and per-game HTTP endpoints plus SSE event
// streams, grounded on the teacher's internal/api.NewServer router shape
// and V4T54L-mafia/internal/adapter/http/server.go's go-chi/cors setup.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ujinchoi03-star/recreation/internal/analytics"
	"github.com/ujinchoi03-star/recreation/internal/apperr"
	"github.com/ujinchoi03-star/recreation/internal/bus"
	"github.com/ujinchoi03-star/recreation/internal/gamecore"
	"github.com/ujinchoi03-star/recreation/internal/observability"
	"github.com/ujinchoi03-star/recreation/internal/room"
	"github.com/ujinchoi03-star/recreation/internal/store"
)

// Server wires the C1-C6 components to HTTP handlers.
type Server struct {
	Router *chi.Mux

	store           store.Store
	registry        *room.Registry
	bus             *bus.Bus
	games           map[string]gamecore.Machine
	analytics       *analytics.Sink
	metrics         *observability.Metrics
	logger          *zap.Logger
	adminSecretHash string
	roomTTL         time.Duration
}

// NewServer builds the router and registers every route named in §6.
func NewServer(
	st store.Store,
	registry *room.Registry,
	eventBus *bus.Bus,
	games map[string]gamecore.Machine,
	sink *analytics.Sink,
	metrics *observability.Metrics,
	logger *zap.Logger,
	adminSecretHash string,
	roomTTL time.Duration,
) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Secret", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		Router:          r,
		store:           st,
		registry:        registry,
		bus:             eventBus,
		games:           games,
		analytics:       sink,
		metrics:         metrics,
		logger:          logger,
		adminSecretHash: adminSecretHash,
		roomTTL:         roomTTL,
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/rooms", s.createRoom)
	r.Post("/rooms/join", s.joinRoom)
	r.Get("/rooms/{roomId}", s.roomInfo)

	r.Get("/sse/connect", s.hostConnect)
	r.Get("/sse/player/connect", s.playerConnect)

	r.Post("/games/start", s.gamesStart)
	r.Post("/games/reaction", s.gamesReaction)
	r.Post("/games/{game}/{action}", s.gameAction)

	r.Post("/teams/random", s.teamsRandom)
	r.Post("/teams/select", s.teamsSelect)
	r.Post("/teams/reset", s.teamsReset)
	r.Get("/teams/status/{roomId}", s.teamsStatus)

	r.Post("/admin/rooms/{roomId}/force-phase", s.adminForcePhase)

	return s
}

// envelope is the {success, data, error} JSON shape every handler replies
// with, per §6.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeErr maps an apperr.Kind to an HTTP status per §7's propagation
// policy and logs (rather than returns) the message behind an internal
// error.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.Internal {
		if s.logger != nil {
			s.logger.Error("internal error", zap.Error(err))
		}
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict, apperr.InvalidState:
		return http.StatusConflict
	case apperr.Unauthorized, apperr.InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.InvalidArgumentf("malformed request body")
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

// --- room & presence ---

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Create(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.analytics.Publish(analytics.Event{RoomID: info.RoomID, Kind: "room_created"})
	s.writeData(w, map[string]interface{}{
		"roomId":           info.RoomID,
		"hostSessionToken": info.HostSessionToken,
	})
}

func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID   string `json:"roomId"`
		Nickname string `json:"nickname"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	player, err := s.registry.Join(r.Context(), req.RoomID, req.Nickname)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, map[string]interface{}{
		"deviceId": player.DeviceID,
		"nickname": player.Nickname,
	})
}

func (s *Server) roomInfo(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	info, err := s.registry.Info(r.Context(), roomID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, info)
}

func (s *Server) gamesStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID   string                 `json:"roomId"`
		GameCode string                 `json:"gameCode"`
		Params   map[string]interface{} `json:"params"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	machine, ok := s.games[req.GameCode]
	if !ok {
		s.writeErr(w, apperr.InvalidArgumentf("unknown gameCode %q", req.GameCode))
		return
	}
	if err := s.registry.StartGame(r.Context(), req.RoomID, req.GameCode); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := machine.Initialize(r.Context(), req.RoomID, req.Params); err != nil {
		s.writeErr(w, err)
		return
	}
	s.analytics.Publish(analytics.Event{RoomID: req.RoomID, Kind: "game_started", Game: req.GameCode})
	s.writeData(w, map[string]interface{}{"status": "playing", "currentGame": req.GameCode})
}

var validReactions = map[string]bool{"firework": true, "boo": true, "laugh": true, "angry": true}

func (s *Server) gamesReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID   string `json:"roomId"`
		DeviceID string `json:"deviceId"`
		Type     string `json:"type"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if !validReactions[req.Type] {
		s.writeErr(w, apperr.InvalidArgumentf("unknown reaction type %q", req.Type))
		return
	}
	if err := s.registry.ReactionRelay(r.Context(), req.RoomID, req.DeviceID, req.Type); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, map[string]interface{}{"relayed": true})
}

// gameAction dispatches POST /games/{game}/{action}; the request body
// carries the acting roomId/deviceId alongside the action's own payload.
func (s *Server) gameAction(w http.ResponseWriter, r *http.Request) {
	game := chi.URLParam(r, "game")
	action := chi.URLParam(r, "action")
	machine, ok := s.games[game]
	if !ok {
		s.writeErr(w, apperr.NotFoundf("unknown game %q", game))
		return
	}

	var req struct {
		RoomID   string                 `json:"roomId"`
		DeviceID string                 `json:"deviceId"`
		Payload  map[string]interface{} `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	start := time.Now()
	err := machine.HandleAction(r.Context(), req.RoomID, req.DeviceID, action, req.Payload)
	if s.metrics != nil {
		s.metrics.CommandLatency.WithLabelValues(game, action).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.CommandReject.WithLabelValues(string(apperr.KindOf(err))).Inc()
		}
		s.writeErr(w, err)
		return
	}
	s.writeData(w, map[string]interface{}{"ok": true})
}

// --- teams ---

func (s *Server) teamsRandom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID    string `json:"roomId"`
		TeamCount int    `json:"teamCount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.registry.AssignRandomTeams(r.Context(), req.RoomID, req.TeamCount); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, map[string]interface{}{"ok": true})
}

func (s *Server) teamsSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID    string `json:"roomId"`
		DeviceID  string `json:"deviceId"`
		Team      string `json:"team"`
		TeamCount int    `json:"teamCount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.registry.SelectTeam(r.Context(), req.RoomID, req.DeviceID, req.Team, req.TeamCount); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, map[string]interface{}{"ok": true})
}

func (s *Server) teamsReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomID    string `json:"roomId"`
		TeamCount int    `json:"teamCount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.registry.ResetTeams(r.Context(), req.RoomID, req.TeamCount); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeData(w, map[string]interface{}{"ok": true})
}

func (s *Server) teamsStatus(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	info, err := s.registry.Info(r.Context(), roomID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	teams := make(map[string]string, len(info.Players))
	for _, p := range info.Players {
		teams[p.DeviceID] = p.Team
	}
	s.writeData(w, map[string]interface{}{"teams": teams})
}

// --- event streams ---

func (s *Server) hostConnect(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	sessionID := r.URL.Query().Get("sessionId")
	sub, err := s.bus.Subscribe(roomID, "", sessionID, true)
	if err != nil {
		s.writeErr(w, apperr.Unauthorizedf("host session token mismatch"))
		return
	}
	s.streamSSE(w, r, sub)
}

func (s *Server) playerConnect(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	deviceID := r.URL.Query().Get("deviceId")
	sub, err := s.bus.Subscribe(roomID, deviceID, "", false)
	if err != nil {
		s.writeErr(w, apperr.Unauthorizedf("device not in room"))
		return
	}
	s.streamSSE(w, r, sub)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, sub *bus.Subscriber) {
	defer s.bus.Unsubscribe(sub)
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	write := func(event string, data []byte) error {
		if _, err := w.Write([]byte("event: " + event + "\ndata: ")); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		_, err := w.Write([]byte("\n\n"))
		return err
	}

	if err := write("CONNECT", []byte(`"connected"`)); err != nil {
		return
	}
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}
	_ = sub.Stream(r.Context(), write, flusher.Flush)
}

// --- admin ---

// adminForcePhase is the debug-only override named in spec.md §9: it
// patches a game's stored phase field directly and deliberately skips
// every precondition and win-condition check a normal action would run.
func (s *Server) adminForcePhase(w http.ResponseWriter, r *http.Request) {
	if s.adminSecretHash == "" {
		s.writeErr(w, apperr.Unauthorizedf("admin override is disabled"))
		return
	}
	secret := r.Header.Get("X-Admin-Secret")
	if bcrypt.CompareHashAndPassword([]byte(s.adminSecretHash), []byte(secret)) != nil {
		s.writeErr(w, apperr.Unauthorizedf("invalid admin secret"))
		return
	}

	roomID := chi.URLParam(r, "roomId")
	var req struct {
		Game  string `json:"game"`
		Phase string `json:"phase"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	key := store.GameStateKey(roomID, req.Game)
	raw, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.writeErr(w, apperr.NotFoundf("no %s state for room %s", req.Game, roomID))
		return
	}
	var blob map[string]interface{}
	if err := json.Unmarshal(raw, &blob); err != nil {
		s.writeErr(w, apperr.Internalf("decode %s state: %v", req.Game, err))
		return
	}
	blob["phase"] = req.Phase
	out, err := json.Marshal(blob)
	if err != nil {
		s.writeErr(w, apperr.Internalf("encode %s state: %v", req.Game, err))
		return
	}
	if err := s.store.Set(r.Context(), key, out, s.roomTTL); err != nil {
		s.writeErr(w, apperr.Internalf("write %s state: %v", req.Game, err))
		return
	}
	if s.logger != nil {
		s.logger.Warn("admin force-phase override applied", zap.String("room_id", roomID), zap.String("game", req.Game), zap.String("phase", req.Phase))
	}
	s.writeData(w, map[string]interface{}{"forced": true, "phase": req.Phase})
}
