// Package httpapi exposes the backend's HTTP surface: account auth, the
// pending-sync endpoint, the matchmaking queue fallback, and the webhooks the
// game server calls to report match lifecycle changes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strategyking/matchnet/internal/queue"
	"github.com/strategyking/matchnet/internal/store"
	"github.com/strategyking/matchnet/pkg/wire"
)

// Store is the persistence surface the handlers need.
type Store interface {
	CreatePlayer(ctx context.Context, username, passwordHash string) (*store.Player, error)
	FindPlayerByUsername(ctx context.Context, username string) (*store.Player, error)
	FindMatch(ctx context.Context, id uint64) (*store.Match, error)
	SetMatchStatus(ctx context.Context, id uint64, status string) error
	RecordSyncAction(ctx context.Context, playerID uint64, actionID, kind string) (bool, error)
	RecordGameResult(ctx context.Context, playerID uint64, actionID string, matchID uint64) (bool, error)
	ReleasePort(port int)
}

// Queue is the matchmaking surface the handlers need.
type Queue interface {
	Join(ctx context.Context, playerID uint64) (int, error)
	Leave(ctx context.Context, playerID uint64, reason string) error
	Release(ctx context.Context, playerIDs []uint64) error
	Length(ctx context.Context) (int64, error)
}

// Auth mints and verifies player tokens.
type Auth interface {
	HashPassword(password string) (string, error)
	CheckPassword(hash, password string) bool
	MintToken(playerID uint64, now time.Time) (string, error)
	VerifyToken(token string) (uint64, error)
}

// Notifier pushes signaling frames to connected players.
type Notifier interface {
	SendToPlayer(playerID uint64, frame []byte)
}

type API struct {
	store      Store
	queue      Queue
	auth       Auth
	notify     Notifier
	serverHost string
	log        *zap.Logger
}

func NewAPI(st Store, q Queue, a Auth, n Notifier, serverHost string, log *zap.Logger) *API {
	return &API{store: st, queue: q, auth: a, notify: n, serverHost: serverHost, log: log}
}

type ctxKey int

const playerIDKey ctxKey = 0

// PlayerID extracts the authenticated player from a request context.
func PlayerID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(playerIDKey).(uint64)
	return id, ok
}

// requireAuth verifies the Bearer token and stores the player id on the
// request context.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, wire.SyncResponse{Message: "missing bearer token"})
			return
		}
		playerID, err := a.auth.VerifyToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, wire.SyncResponse{Message: "invalid token"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), playerIDKey, playerID)))
	}
}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req wire.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, wire.LoginResponse{Message: "username and password required"})
		return
	}

	hash, err := a.auth.HashPassword(req.Password)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.LoginResponse{Message: "registration failed"})
		return
	}

	p, err := a.store.CreatePlayer(r.Context(), req.Username, hash)
	if errors.Is(err, store.ErrUsernameTaken) {
		writeJSON(w, http.StatusConflict, wire.LoginResponse{Message: "username already exists"})
		return
	}
	if err != nil {
		a.log.Error("create player failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, wire.LoginResponse{Message: "registration failed"})
		return
	}

	a.respondWithToken(w, http.StatusCreated, p)
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req wire.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.LoginResponse{Message: "malformed request"})
		return
	}

	p, err := a.store.FindPlayerByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !a.auth.CheckPassword(p.PasswordHash, req.Password)) {
		writeJSON(w, http.StatusUnauthorized, wire.LoginResponse{Message: "invalid credentials"})
		return
	}
	if err != nil {
		a.log.Error("login lookup failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, wire.LoginResponse{Message: "login failed"})
		return
	}

	a.respondWithToken(w, http.StatusOK, p)
}

func (a *API) respondWithToken(w http.ResponseWriter, status int, p *store.Player) {
	token, err := a.auth.MintToken(p.ID, time.Now())
	if err != nil {
		a.log.Error("mint token failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, wire.LoginResponse{Message: "login failed"})
		return
	}
	writeJSON(w, status, wire.LoginResponse{
		Success: true,
		Data:    &wire.PlayerData{PlayerID: p.ID, Username: p.Username, Token: token},
	})
}

// Sync applies one pending action. The action id gate makes retried delivery
// idempotent: a replay of an applied action is reported as success without
// reapplying it.
func (a *API) Sync(w http.ResponseWriter, r *http.Request) {
	playerID, _ := PlayerID(r.Context())

	var req wire.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActionID == "" {
		writeJSON(w, http.StatusBadRequest, wire.SyncResponse{Message: "action_id required"})
		return
	}

	// Effectful actions commit their effect and the action id together, so a
	// failed apply leaves the id unrecorded and the retry reapplies.
	if req.Kind == wire.SyncRecordGameResult {
		a.syncGameResult(w, r, playerID, req)
		return
	}

	fresh, err := a.store.RecordSyncAction(r.Context(), playerID, req.ActionID, req.Kind)
	if err != nil {
		a.log.Error("record sync action failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "sync failed"})
		return
	}
	if !fresh {
		writeJSON(w, http.StatusOK, wire.SyncResponse{Success: true, Message: "already applied"})
		return
	}

	writeJSON(w, http.StatusOK, wire.SyncResponse{Success: true})
}

// syncGameResult closes out the reported match. A result for a match that
// already has an outcome is a conflict the client must drop.
func (a *API) syncGameResult(w http.ResponseWriter, r *http.Request, playerID uint64, req wire.SyncRequest) {
	var result wire.GameResult
	if err := json.Unmarshal(req.Data, &result); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.SyncResponse{Message: "malformed game result"})
		return
	}

	fresh, err := a.store.RecordGameResult(r.Context(), playerID, req.ActionID, result.MatchID)
	switch {
	case errors.Is(err, store.ErrResultRecorded):
		writeJSON(w, http.StatusConflict, wire.SyncResponse{Message: "match result already recorded"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusBadRequest, wire.SyncResponse{Message: "unknown match"})
	case err != nil:
		a.log.Error("record game result failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "sync failed"})
	case !fresh:
		writeJSON(w, http.StatusOK, wire.SyncResponse{Success: true, Message: "already applied"})
	default:
		writeJSON(w, http.StatusOK, wire.SyncResponse{Success: true})
	}
}

func (a *API) JoinQueue(w http.ResponseWriter, r *http.Request) {
	playerID, _ := PlayerID(r.Context())

	position, err := a.queue.Join(r.Context(), playerID)
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued) || errors.Is(err, queue.ErrAlreadyInGame):
		writeJSON(w, http.StatusConflict, wire.SyncResponse{Message: err.Error()})
	case err != nil:
		a.log.Error("queue join failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "queue join failed"})
	default:
		writeJSON(w, http.StatusOK, struct {
			Success       bool `json:"success"`
			Position      int  `json:"position"`
			EstimatedWait int  `json:"estimated_wait"`
		}{true, position, int(wire.EstimatedWait(position).Seconds())})
	}
}

func (a *API) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	playerID, _ := PlayerID(r.Context())

	err := a.queue.Leave(r.Context(), playerID, "player request")
	switch {
	case errors.Is(err, queue.ErrNotQueued):
		writeJSON(w, http.StatusConflict, wire.SyncResponse{Message: "not in queue"})
	case err != nil:
		a.log.Error("queue leave failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "queue leave failed"})
	default:
		writeJSON(w, http.StatusOK, wire.SyncResponse{Success: true})
	}
}

func (a *API) QueueInfo(w http.ResponseWriter, r *http.Request) {
	n, err := a.queue.Length(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		PlayersInQueue int64 `json:"players_in_queue"`
	}{n})
}

// ServerReady is called by the game server once its port is accepting
// connections; the match goes active and every player is notified.
func (a *API) ServerReady(w http.ResponseWriter, r *http.Request) {
	m, ok := a.decodeWebhookMatch(w, r)
	if !ok {
		return
	}

	if err := a.store.SetMatchStatus(r.Context(), m.ID, store.MatchActive); err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "update failed"})
		return
	}

	frame, err := wire.Frame(wire.TypeServerReady, wire.ServerReadyData{
		MatchID:      m.ID,
		ServerHost:   a.serverHost,
		ServerPort:   uint16(m.ServerPort),
		ServerSecret: m.ServerSecret,
	})
	if err == nil {
		for _, id := range m.Players() {
			a.notify.SendToPlayer(id, frame)
		}
	}

	a.log.Info("game server ready", zap.Uint64("match_id", m.ID), zap.Int("port", m.ServerPort))
	writeJSON(w, http.StatusOK, wire.SyncResponse{Success: true})
}

// MatchComplete is called by the game server when the match ends: the match
// record closes, the port returns to the pool, and the players leave the
// in-game set so they can queue again.
func (a *API) MatchComplete(w http.ResponseWriter, r *http.Request) {
	var req wire.WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.SyncResponse{Message: "malformed webhook"})
		return
	}

	m, err := a.store.FindMatch(r.Context(), req.MatchID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, wire.SyncResponse{Message: "unknown match"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "lookup failed"})
		return
	}

	if err := a.store.SetMatchStatus(r.Context(), m.ID, store.MatchCompleted); err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "update failed"})
		return
	}
	a.store.ReleasePort(m.ServerPort)

	players := m.Players()
	if err := a.queue.Release(r.Context(), players); err != nil {
		a.log.Error("release players failed", zap.Error(err), zap.Uint64("match_id", m.ID))
	}

	frame, err := wire.Frame(wire.TypeMatchComplete, wire.MatchCompleteData{
		MatchID: m.ID,
		Winner:  req.Winner,
		Status:  store.MatchCompleted,
	})
	if err == nil {
		for _, id := range players {
			a.notify.SendToPlayer(id, frame)
		}
	}

	a.log.Info("match complete", zap.Uint64("match_id", m.ID))
	writeJSON(w, http.StatusOK, wire.SyncResponse{Success: true})
}

func (a *API) decodeWebhookMatch(w http.ResponseWriter, r *http.Request) (*store.Match, bool) {
	var req wire.WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.SyncResponse{Message: "malformed webhook"})
		return nil, false
	}
	m, err := a.store.FindMatch(r.Context(), req.MatchID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, wire.SyncResponse{Message: "unknown match"})
		return nil, false
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, wire.SyncResponse{Message: "lookup failed"})
		return nil, false
	}
	return m, true
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
