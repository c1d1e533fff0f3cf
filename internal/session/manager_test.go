package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strategyking/matchnet/internal/backend"
	"github.com/strategyking/matchnet/internal/handoff"
	"github.com/strategyking/matchnet/internal/signaling"
	"github.com/strategyking/matchnet/internal/taskrunner"
	"github.com/strategyking/matchnet/pkg/wire"
)

type fakeAPI struct {
	mu       sync.Mutex
	loginErr error
	player   wire.PlayerData

	syncErrs []error
	synced   []wire.SyncRequest

	queueJoins  []string
	queueLeaves []string
}

func (f *fakeAPI) Login(ctx context.Context, username, password string) (wire.PlayerData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return wire.PlayerData{}, f.loginErr
	}
	return f.player, nil
}

func (f *fakeAPI) SyncPending(ctx context.Context, token string, req wire.SyncRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, req)
	if len(f.syncErrs) > 0 {
		err := f.syncErrs[0]
		f.syncErrs = f.syncErrs[1:]
		return err
	}
	return nil
}

func (f *fakeAPI) JoinQueue(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueJoins = append(f.queueJoins, token)
	return nil
}

func (f *fakeAPI) LeaveQueue(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueLeaves = append(f.queueLeaves, token)
	return nil
}

func (f *fakeAPI) queueCalls() (joins, leaves []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queueJoins...), append([]string(nil), f.queueLeaves...)
}

type fakeSignaling struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	tokens     []string
	sent       []wire.Command
	closed     int
	inbound    chan signaling.Inbound
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{inbound: make(chan signaling.Inbound, 16)}
}

func (f *fakeSignaling) Connect(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.connectErr
}

func (f *fakeSignaling) Send(cmd wire.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeSignaling) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeSignaling) Inbound() <-chan signaling.Inbound { return f.inbound }

func (f *fakeSignaling) sentCommands() []wire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Command, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaling) connectTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.tokens))
	copy(out, f.tokens)
	return out
}

type fakeTransport struct {
	mu       sync.Mutex
	connects []handoff.ConnectParams
	err      error
}

func (f *fakeTransport) Connect(ctx context.Context, p handoff.ConnectParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, p)
	return f.err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeTransport) first() handoff.ConnectParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[0]
}

type fixture struct {
	m         *Manager
	api       *fakeAPI
	signal    *fakeSignaling
	transport *fakeTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	api := &fakeAPI{player: wire.PlayerData{PlayerID: 42, Username: "alice", Token: "t1"}}
	signal := newFakeSignaling()
	transport := &fakeTransport{}
	runner := taskrunner.New(context.Background(), zap.NewNop(), 0)
	m := NewManager(runner, api, signal, transport, zap.NewNop())
	return &fixture{m: m, api: api, signal: signal, transport: transport}
}

// tickUntil drains ticks until pred sees an event it accepts or the deadline
// passes, collecting everything emitted along the way.
func tickUntil(t *testing.T, m *Manager, pred func([]Event) bool) []Event {
	t.Helper()
	var all []Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		all = append(all, m.Tick()...)
		if pred(all) {
			return all
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached, events: %+v", all)
	return nil
}

func hasEvent[E Event](events []Event) bool {
	for _, e := range events {
		if _, ok := e.(E); ok {
			return true
		}
	}
	return false
}

func findEvent[E Event](t *testing.T, events []Event) E {
	t.Helper()
	for _, e := range events {
		if v, ok := e.(E); ok {
			return v
		}
	}
	var zero E
	t.Fatalf("event %T not found in %+v", zero, events)
	return zero
}

func login(t *testing.T, f *fixture) {
	t.Helper()
	f.m.Login("alice", "correct")
	require.Equal(t, StateConnecting, f.m.State())
	events := tickUntil(t, f.m, hasEvent[LoginCompleted])
	lc := findEvent[LoginCompleted](t, events)
	require.True(t, lc.Success)
}

func TestLoginSuccessGoesOnlineAndConnectsSignaling(t *testing.T) {
	f := newFixture(t)
	login(t, f)

	require.Equal(t, StateOnline, f.m.State())
	p := f.m.Profile()
	require.NotNil(t, p)
	require.Equal(t, "alice", p.Username)
	require.Equal(t, uint64(42), p.UserID)
	require.Equal(t, "t1", p.Token)

	// The signaling connect is issued with the session token.
	tickUntil(t, f.m, func([]Event) bool { return len(f.signal.connectTokens()) == 1 })
	require.Equal(t, []string{"t1"}, f.signal.connectTokens())
}

func TestLoginRejectionStaysOffline(t *testing.T) {
	f := newFixture(t)
	f.api.loginErr = backend.ErrAuthRejected

	f.m.Login("alice", "wrong")
	events := tickUntil(t, f.m, hasEvent[LoginCompleted])
	lc := findEvent[LoginCompleted](t, events)

	require.False(t, lc.Success)
	require.Equal(t, StateOffline, f.m.State())
	require.Nil(t, f.m.Profile())
	require.Empty(t, f.signal.connectTokens())
}

func TestLogoutInvalidatesInFlightLogin(t *testing.T) {
	f := newFixture(t)

	f.m.Login("alice", "correct")
	f.m.Logout()

	// The login result lands after logout and must be discarded.
	time.Sleep(50 * time.Millisecond)
	events := f.m.Tick()

	require.False(t, hasEvent[LoginCompleted](events))
	require.True(t, hasEvent[LogoutCompleted](events))
	require.Equal(t, StateOffline, f.m.State())
	require.Nil(t, f.m.Profile())
}

func TestJoinQueueOfflineEmitsRecoverableError(t *testing.T) {
	f := newFixture(t)

	f.m.JoinQueue()
	events := f.m.Tick()

	ne := findEvent[NetworkError](t, events)
	require.True(t, ne.Recoverable)
	require.Empty(t, f.signal.sentCommands())
}

func TestJoinQueueOnlineSendsCommand(t *testing.T) {
	f := newFixture(t)
	login(t, f)

	f.m.JoinQueue()
	cmds := f.signal.sentCommands()
	require.Len(t, cmds, 1)
	require.Equal(t, wire.TypeQueueJoin, cmds[0].Type)

	f.m.LeaveQueue()
	cmds = f.signal.sentCommands()
	require.Len(t, cmds, 2)
	require.Equal(t, wire.TypeQueueLeave, cmds[1].Type)
}

func TestQueueCommandsFallBackToHTTPWhenSocketDown(t *testing.T) {
	f := newFixture(t)
	login(t, f)
	f.signal.mu.Lock()
	f.signal.sendErr = signaling.ErrNotConnected
	f.signal.mu.Unlock()

	f.m.JoinQueue()
	events := tickUntil(t, f.m, hasEvent[QueueJoinResponse])
	resp := findEvent[QueueJoinResponse](t, events)
	require.True(t, resp.Success)

	f.m.LeaveQueue()
	tickUntil(t, f.m, hasEvent[QueueLeft])

	joins, leaves := f.api.queueCalls()
	require.Equal(t, []string{"t1"}, joins)
	require.Equal(t, []string{"t1"}, leaves)
	require.Empty(t, f.signal.sentCommands())
}

func TestQueueCommandOtherSendErrorIsSurfaced(t *testing.T) {
	f := newFixture(t)
	login(t, f)
	f.signal.mu.Lock()
	f.signal.sendErr = signaling.ErrSendBufferFull
	f.signal.mu.Unlock()

	f.m.JoinQueue()
	events := f.m.Tick()

	ne := findEvent[NetworkError](t, events)
	require.True(t, ne.Recoverable)
	joins, _ := f.api.queueCalls()
	require.Empty(t, joins)
}

func TestQueueStatusSignalsBecomeEvents(t *testing.T) {
	f := newFixture(t)
	login(t, f)

	f.signal.inbound <- signaling.Inbound{Signal: wire.QueueStatus{Position: 1, EstimatedWait: 15 * time.Second}}
	events := tickUntil(t, f.m, hasEvent[QueueStatus])
	qs := findEvent[QueueStatus](t, events)
	require.Equal(t, 1, qs.Position)
	require.Equal(t, 15*time.Second, qs.EstimatedWait)
}

func TestMatchFoundHandsOffExactlyOnce(t *testing.T) {
	f := newFixture(t)
	login(t, f)

	data := wire.MatchFoundData{
		MatchID: 9, ServerHost: "10.0.0.5", ServerPort: 5001,
		ServerSecret: "deadbeef", Players: []uint64{42, 77},
	}
	f.signal.inbound <- signaling.Inbound{Signal: wire.MatchFound{MatchFoundData: data}}
	f.signal.inbound <- signaling.Inbound{Signal: wire.MatchFound{MatchFoundData: data}}

	events := tickUntil(t, f.m, func([]Event) bool { return f.transport.count() >= 1 })

	var found int
	for _, e := range events {
		if _, ok := e.(MatchFound); ok {
			found++
		}
	}
	require.Equal(t, 1, found)
	require.Equal(t, 1, f.transport.count())

	p := f.transport.first()
	require.Equal(t, "10.0.0.5:5001", p.ServerAddr)
	require.Equal(t, uint64(42), p.Auth.ClientID)
	require.Equal(t, handoff.DeriveKey("deadbeef", 42), p.Auth.Key)
}

func TestSyncSuccessRemovesEntries(t *testing.T) {
	f := newFixture(t)
	login(t, f)

	f.m.QueueSync(wire.SyncUpdateProfile, json.RawMessage(`{"name":"alice"}`))
	f.m.QueueSync(wire.SyncUpdateSettings, json.RawMessage(`{"volume":3}`))
	require.Len(t, f.m.Pending(), 2)

	f.m.SyncNow()
	require.Equal(t, StateSyncing, f.m.State())

	events := tickUntil(t, f.m, hasEvent[SyncCompleted])
	sc := findEvent[SyncCompleted](t, events)
	require.True(t, sc.Success)
	require.Empty(t, sc.Conflicts)
	require.Empty(t, f.m.Pending())
	require.Equal(t, StateOnline, f.m.State())
}

func TestSyncFailureKeepsEntryAndBumpsRetry(t *testing.T) {
	f := newFixture(t)
	login(t, f)
	f.api.syncErrs = []error{errors.New("backend down")}

	f.m.QueueSync(wire.SyncRecordGameResult, json.RawMessage(`{"match_id":9}`))
	f.m.SyncNow()

	events := tickUntil(t, f.m, hasEvent[SyncCompleted])
	sc := findEvent[SyncCompleted](t, events)
	require.False(t, sc.Success)

	pending := f.m.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].RetryCount)
	require.Equal(t, StateOnline, f.m.State())
}

func TestSyncConflictDropsEntryAndReportsIt(t *testing.T) {
	f := newFixture(t)
	login(t, f)
	f.api.syncErrs = []error{backend.ErrConflict}

	f.m.QueueSync(wire.SyncUpdateProfile, nil)
	f.m.QueueSync(wire.SyncUpdateSettings, nil)
	conflictID := f.m.Pending()[0].ID

	f.m.SyncNow()
	events := tickUntil(t, f.m, hasEvent[SyncCompleted])
	sc := findEvent[SyncCompleted](t, events)

	require.True(t, sc.Success)
	require.Equal(t, []string{conflictID}, sc.Conflicts)
	require.Empty(t, f.m.Pending())
}

func TestConnectionLostSchedulesReconnect(t *testing.T) {
	f := newFixture(t)
	login(t, f)
	tickUntil(t, f.m, func([]Event) bool { return len(f.signal.connectTokens()) == 1 })

	f.signal.inbound <- signaling.Inbound{Lost: &signaling.Lost{Reason: "gone", RetryIn: time.Millisecond}}
	events := tickUntil(t, f.m, hasEvent[ConnectionLost])
	cl := findEvent[ConnectionLost](t, events)
	require.Equal(t, "gone", cl.Reason)

	// After the delay the session dials again with the same token.
	tickUntil(t, f.m, func([]Event) bool { return len(f.signal.connectTokens()) == 2 })
	require.Equal(t, []string{"t1", "t1"}, f.signal.connectTokens())
}

func TestLostWhileLoggedOutDoesNotReconnect(t *testing.T) {
	f := newFixture(t)
	login(t, f)
	tickUntil(t, f.m, func([]Event) bool { return len(f.signal.connectTokens()) == 1 })
	f.m.Logout()

	f.signal.inbound <- signaling.Inbound{Lost: &signaling.Lost{Reason: "gone", RetryIn: time.Millisecond}}
	tickUntil(t, f.m, hasEvent[ConnectionLost])

	// No new dial attempts after the session ended.
	time.Sleep(20 * time.Millisecond)
	f.m.Tick()
	require.Len(t, f.signal.connectTokens(), 1)
}
