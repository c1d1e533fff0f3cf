package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strategyking/matchnet/internal/auth"
	"github.com/strategyking/matchnet/internal/queue"
	"github.com/strategyking/matchnet/internal/store"
	"github.com/strategyking/matchnet/pkg/wire"
)

type fakeStore struct {
	players       map[string]*store.Player
	matches       map[uint64]*store.Match
	syncActions   map[string]bool
	releasedPorts []int
	nextID        uint64
	applyErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		players:     make(map[string]*store.Player),
		matches:     make(map[uint64]*store.Match),
		syncActions: make(map[string]bool),
		nextID:      1,
	}
}

func (f *fakeStore) CreatePlayer(ctx context.Context, username, hash string) (*store.Player, error) {
	if _, ok := f.players[username]; ok {
		return nil, store.ErrUsernameTaken
	}
	p := &store.Player{ID: f.nextID, Username: username, PasswordHash: hash, Level: 1, Rating: 1000}
	f.nextID++
	f.players[username] = p
	return p, nil
}

func (f *fakeStore) FindPlayerByUsername(ctx context.Context, username string) (*store.Player, error) {
	p, ok := f.players[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) FindMatch(ctx context.Context, id uint64) (*store.Match, error) {
	m, ok := f.matches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) SetMatchStatus(ctx context.Context, id uint64, status string) error {
	m, ok := f.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = status
	return nil
}

func (f *fakeStore) RecordSyncAction(ctx context.Context, playerID uint64, actionID, kind string) (bool, error) {
	if f.syncActions[actionID] {
		return false, nil
	}
	f.syncActions[actionID] = true
	return true, nil
}

func (f *fakeStore) RecordGameResult(ctx context.Context, playerID uint64, actionID string, matchID uint64) (bool, error) {
	if f.syncActions[actionID] {
		return false, nil
	}
	m, ok := f.matches[matchID]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.Status == store.MatchCompleted {
		return false, store.ErrResultRecorded
	}
	if f.applyErr != nil {
		// Failed apply leaves no trace, like a rolled-back transaction.
		return false, f.applyErr
	}
	m.Status = store.MatchCompleted
	f.syncActions[actionID] = true
	return true, nil
}

func (f *fakeStore) ReleasePort(port int) {
	f.releasedPorts = append(f.releasedPorts, port)
}

type fakeQueue struct {
	joined   []uint64
	left     []uint64
	released [][]uint64
	joinErr  error
	leaveErr error
	length   int64
}

func (f *fakeQueue) Join(ctx context.Context, playerID uint64) (int, error) {
	if f.joinErr != nil {
		return 0, f.joinErr
	}
	f.joined = append(f.joined, playerID)
	return len(f.joined), nil
}

func (f *fakeQueue) Leave(ctx context.Context, playerID uint64, reason string) error {
	if f.leaveErr != nil {
		return f.leaveErr
	}
	f.left = append(f.left, playerID)
	return nil
}

func (f *fakeQueue) Release(ctx context.Context, playerIDs []uint64) error {
	f.released = append(f.released, playerIDs)
	return nil
}

func (f *fakeQueue) Length(ctx context.Context) (int64, error) { return f.length, nil }

type fakeNotifier struct {
	frames map[uint64][][]byte
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{frames: make(map[uint64][][]byte)}
}

func (f *fakeNotifier) SendToPlayer(playerID uint64, frame []byte) {
	f.frames[playerID] = append(f.frames[playerID], frame)
}

type apiFixture struct {
	api    *API
	srv    http.Handler
	store  *fakeStore
	queue  *fakeQueue
	notify *fakeNotifier
	auth   *auth.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store:  newFakeStore(),
		queue:  &fakeQueue{},
		notify: newFakeNotifier(),
		auth:   auth.New("test-key"),
	}
	f.api = NewAPI(f.store, f.queue, f.auth, f.notify, "game.example.com", zap.NewNop())
	f.srv = f.api.SetupRoutes(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeLogin(t *testing.T, rec *httptest.ResponseRecorder) wire.LoginResponse {
	t.Helper()
	var out wire.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func registerAndLogin(t *testing.T, f *apiFixture, username string) (uint64, string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/register", "", wire.LoginRequest{Username: username, Password: "secret"})
	require.Equal(t, http.StatusCreated, rec.Code)
	out := decodeLogin(t, rec)
	require.True(t, out.Success)
	require.NotNil(t, out.Data)
	return out.Data.PlayerID, out.Data.Token
}

func TestRegisterThenLogin(t *testing.T) {
	f := newAPIFixture(t)
	id, _ := registerAndLogin(t, f, "alice")
	require.NotZero(t, id)

	rec := f.do(t, http.MethodPost, "/auth/login", "", wire.LoginRequest{Username: "alice", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeLogin(t, rec)
	require.True(t, out.Success)
	require.Equal(t, "alice", out.Data.Username)
	require.Equal(t, id, out.Data.PlayerID)

	// The returned token verifies against the same key.
	got, err := f.auth.VerifyToken(out.Data.Token)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestLoginWrongPasswordRejected(t *testing.T) {
	f := newAPIFixture(t)
	registerAndLogin(t, f, "alice")

	rec := f.do(t, http.MethodPost, "/auth/login", "", wire.LoginRequest{Username: "alice", Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, decodeLogin(t, rec).Success)
}

func TestRegisterDuplicateUsernameConflicts(t *testing.T) {
	f := newAPIFixture(t)
	registerAndLogin(t, f, "alice")

	rec := f.do(t, http.MethodPost, "/auth/register", "", wire.LoginRequest{Username: "alice", Password: "other"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSyncRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/sync", "", wire.SyncRequest{ActionID: "a1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/sync", "garbage", wire.SyncRequest{ActionID: "a1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSyncIsIdempotentPerActionID(t *testing.T) {
	f := newAPIFixture(t)
	_, token := registerAndLogin(t, f, "alice")

	req := wire.SyncRequest{ActionID: "a1", Kind: wire.SyncUpdateProfile}
	rec := f.do(t, http.MethodPost, "/sync", token, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/sync", token, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var out wire.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Success)
	require.Equal(t, "already applied", out.Message)
}

func TestSyncGameResultConflictsWhenAlreadyRecorded(t *testing.T) {
	f := newAPIFixture(t)
	_, token := registerAndLogin(t, f, "alice")
	f.store.matches[9] = &store.Match{ID: 9, Status: store.MatchCompleted, PlayerIDs: "[1,2]"}

	payload, _ := json.Marshal(wire.GameResult{MatchID: 9})
	rec := f.do(t, http.MethodPost, "/sync", token, wire.SyncRequest{
		ActionID: "a2", Kind: wire.SyncRecordGameResult, Data: payload,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSyncGameResultCompletesMatch(t *testing.T) {
	f := newAPIFixture(t)
	_, token := registerAndLogin(t, f, "alice")
	f.store.matches[9] = &store.Match{ID: 9, Status: store.MatchActive, PlayerIDs: "[1,2]"}

	payload, _ := json.Marshal(wire.GameResult{MatchID: 9})
	rec := f.do(t, http.MethodPost, "/sync", token, wire.SyncRequest{
		ActionID: "a3", Kind: wire.SyncRecordGameResult, Data: payload,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, store.MatchCompleted, f.store.matches[9].Status)
}

func TestSyncGameResultRetriedAfterApplyFailure(t *testing.T) {
	f := newAPIFixture(t)
	_, token := registerAndLogin(t, f, "alice")
	f.store.matches[9] = &store.Match{ID: 9, Status: store.MatchActive, PlayerIDs: "[1,2]"}
	f.store.applyErr = errors.New("database down")

	payload, _ := json.Marshal(wire.GameResult{MatchID: 9})
	req := wire.SyncRequest{ActionID: "a4", Kind: wire.SyncRecordGameResult, Data: payload}

	rec := f.do(t, http.MethodPost, "/sync", token, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, store.MatchActive, f.store.matches[9].Status)

	// The failed attempt recorded nothing, so the retry applies the result
	// instead of reporting it already applied.
	f.store.applyErr = nil
	rec = f.do(t, http.MethodPost, "/sync", token, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var out wire.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Success)
	require.Empty(t, out.Message)
	require.Equal(t, store.MatchCompleted, f.store.matches[9].Status)
}

func TestJoinQueueReturnsPosition(t *testing.T) {
	f := newAPIFixture(t)
	id, token := registerAndLogin(t, f, "alice")

	rec := f.do(t, http.MethodPost, "/matchmaking/join", token, struct{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Success       bool `json:"success"`
		Position      int  `json:"position"`
		EstimatedWait int  `json:"estimated_wait"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Success)
	require.Equal(t, 1, out.Position)
	require.Equal(t, 15, out.EstimatedWait)
	require.Equal(t, []uint64{id}, f.queue.joined)
}

func TestJoinQueueTwiceConflicts(t *testing.T) {
	f := newAPIFixture(t)
	_, token := registerAndLogin(t, f, "alice")
	f.queue.joinErr = queue.ErrAlreadyQueued

	rec := f.do(t, http.MethodPost, "/matchmaking/join", token, struct{}{})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServerReadyNotifiesPlayers(t *testing.T) {
	f := newAPIFixture(t)
	f.store.matches[9] = &store.Match{
		ID: 9, Status: store.MatchPending, PlayerIDs: "[10,11]",
		ServerPort: 5001, ServerSecret: "deadbeef",
	}

	rec := f.do(t, http.MethodPost, "/webhooks/server-ready", "", wire.WebhookRequest{MatchID: 9})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, store.MatchActive, f.store.matches[9].Status)

	for _, id := range []uint64{10, 11} {
		require.Len(t, f.notify.frames[id], 1)
		sig, err := wire.DecodeSignal(f.notify.frames[id][0])
		require.NoError(t, err)
		ready, ok := sig.(wire.ServerReady)
		require.True(t, ok)
		require.Equal(t, uint64(9), ready.MatchID)
		require.Equal(t, "game.example.com", ready.ServerHost)
		require.Equal(t, uint16(5001), ready.ServerPort)
	}
}

func TestMatchCompleteReleasesEverything(t *testing.T) {
	f := newAPIFixture(t)
	f.store.matches[9] = &store.Match{
		ID: 9, Status: store.MatchActive, PlayerIDs: "[10,11]", ServerPort: 5001,
	}
	winner := uint64(10)

	rec := f.do(t, http.MethodPost, "/webhooks/match-complete", "", wire.WebhookRequest{MatchID: 9, Winner: &winner})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, store.MatchCompleted, f.store.matches[9].Status)
	require.Equal(t, []int{5001}, f.store.releasedPorts)
	require.Equal(t, [][]uint64{{10, 11}}, f.queue.released)

	sig, err := wire.DecodeSignal(f.notify.frames[10][0])
	require.NoError(t, err)
	mc, ok := sig.(wire.MatchComplete)
	require.True(t, ok)
	require.Equal(t, uint64(9), mc.MatchID)
	require.NotNil(t, mc.Winner)
	require.Equal(t, winner, *mc.Winner)
}

func TestMatchCompleteUnknownMatch(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/webhooks/match-complete", "", wire.WebhookRequest{MatchID: 404})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newAPIFixture(t)
	_, _ = registerAndLogin(t, f, "alice")

	stale, err := f.auth.MintToken(1, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/sync", stale, wire.SyncRequest{ActionID: "a1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueueInfo(t *testing.T) {
	f := newAPIFixture(t)
	f.queue.length = 3

	rec := f.do(t, http.MethodGet, "/matchmaking/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		PlayersInQueue int64 `json:"players_in_queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, int64(3), out.PlayersInQueue)
}
