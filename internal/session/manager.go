// Package session is the client-side orchestrator: the single owner of the
// connection state, the player profile, and the pending-sync queue. All of
// its methods, including Tick, run on the simulation thread; network results
// only reach it through the task runner on tick boundaries.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strategyking/matchnet/internal/backend"
	"github.com/strategyking/matchnet/internal/handoff"
	"github.com/strategyking/matchnet/internal/signaling"
	"github.com/strategyking/matchnet/internal/taskrunner"
	"github.com/strategyking/matchnet/pkg/wire"
)

type ConnectionState int

const (
	StateOffline ConnectionState = iota
	StateConnecting
	StateOnline
	StateSyncing
)

func (s ConnectionState) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// Profile is the authenticated player identity. It exists only between a
// successful login and the next logout or auth failure.
type Profile struct {
	Token    string
	UserID   uint64
	Username string
	Level    uint32
	Rating   uint32
}

// PendingSync is one locally generated action awaiting a confirmed round
// trip. Entries leave the queue only on confirmed success or an explicit
// conflict decision; failures increment RetryCount and keep the entry.
type PendingSync struct {
	ID         string
	Kind       string
	Payload    json.RawMessage
	Timestamp  time.Time
	RetryCount int
}

// API is the one-shot HTTP surface the session drives.
type API interface {
	Login(ctx context.Context, username, password string) (wire.PlayerData, error)
	SyncPending(ctx context.Context, token string, req wire.SyncRequest) error
	JoinQueue(ctx context.Context, token string) error
	LeaveQueue(ctx context.Context, token string) error
}

// Signaling is the persistent channel surface the session drives.
type Signaling interface {
	Connect(ctx context.Context, token string) error
	Send(cmd wire.Command) error
	Close()
	Inbound() <-chan signaling.Inbound
}

// Transport is the authoritative game transport a found match is handed off
// to. It is opaque here; the session only initiates the connection.
type Transport interface {
	Connect(ctx context.Context, p handoff.ConnectParams) error
}

const maxRetryDelay = 60 * time.Second

type Manager struct {
	log       *zap.Logger
	runner    *taskrunner.Runner
	api       API
	signal    Signaling
	transport Transport

	state   ConnectionState
	profile *Profile
	pending []PendingSync

	events   []Event
	reqToken string

	handedOff map[uint64]bool

	syncRemaining int
	syncConflicts []string

	reconnectPending bool
	reconnectAt      time.Time
	retryDelay       time.Duration

	now func() time.Time
}

func NewManager(runner *taskrunner.Runner, api API, signal Signaling, transport Transport, log *zap.Logger) *Manager {
	return &Manager{
		log:       log,
		runner:    runner,
		api:       api,
		signal:    signal,
		transport: transport,
		state:     StateOffline,
		reqToken:  uuid.NewString(),
		handedOff: make(map[uint64]bool),
		now:       time.Now,
	}
}

func (m *Manager) State() ConnectionState { return m.state }

// Profile returns a copy of the current identity, or nil when logged out.
func (m *Manager) Profile() *Profile {
	if m.profile == nil {
		return nil
	}
	p := *m.profile
	return &p
}

// Pending returns a snapshot of the sync queue.
func (m *Manager) Pending() []PendingSync {
	out := make([]PendingSync, len(m.pending))
	copy(out, m.pending)
	return out
}

// Login starts an authentication round trip. A login while already online is
// rejected; a second login while still connecting supersedes the first, whose
// result is then discarded as stale.
func (m *Manager) Login(username, password string) {
	if m.state == StateOnline || m.state == StateSyncing {
		m.emit(NetworkError{Message: "already logged in", Recoverable: true})
		return
	}

	m.state = StateConnecting
	m.reqToken = uuid.NewString()
	token := m.reqToken

	m.runner.Go(func(ctx context.Context) func() {
		data, err := m.api.Login(ctx, username, password)
		return func() {
			if token != m.reqToken {
				m.log.Info("discarding stale login result")
				return
			}
			if err != nil {
				m.state = StateOffline
				m.profile = nil
				m.emit(LoginCompleted{Success: false, Err: err.Error()})
				return
			}

			m.profile = &Profile{
				Token:    data.Token,
				UserID:   data.PlayerID,
				Username: data.Username,
				// The backend does not report these yet.
				Level:  1,
				Rating: 1000,
			}
			m.state = StateOnline
			m.emit(LoginCompleted{Success: true, Profile: m.Profile()})
			m.connectSignaling()
		}
	})
}

// Logout tears the session down: profile cleared, signaling closed, any
// in-flight results invalidated, pending sync flush cancelled. The pending
// queue itself survives for the next session.
func (m *Manager) Logout() {
	m.reqToken = uuid.NewString()
	m.profile = nil
	m.state = StateOffline
	m.syncRemaining = 0
	m.reconnectPending = false
	m.retryDelay = 0
	m.signal.Close()
	m.emit(LogoutCompleted{})
}

func (m *Manager) JoinQueue() {
	m.sendQueueCommand(wire.TypeQueueJoin, m.api.JoinQueue, "cannot join queue while offline")
}

func (m *Manager) LeaveQueue() {
	m.sendQueueCommand(wire.TypeQueueLeave, m.api.LeaveQueue, "cannot leave queue while offline")
}

// SendCustom forwards an arbitrary payload over the signaling channel.
func (m *Manager) SendCustom(data json.RawMessage) {
	if m.state != StateOnline && m.state != StateSyncing {
		m.emit(NetworkError{Message: "cannot send while offline", Recoverable: true})
		return
	}
	if err := m.signal.Send(wire.Command{Type: wire.TypeCustomMessage, Data: data}); err != nil {
		m.emit(NetworkError{Message: err.Error(), Recoverable: true})
	}
}

// sendQueueCommand prefers the signaling channel and falls back to the HTTP
// endpoint while the socket is down, e.g. between reconnect attempts.
func (m *Manager) sendQueueCommand(cmdType string, fallback func(ctx context.Context, token string) error, offlineMsg string) {
	if m.state != StateOnline {
		m.emit(NetworkError{Message: offlineMsg, Recoverable: true})
		return
	}

	err := m.signal.Send(wire.Command{Type: cmdType})
	if err == nil {
		return
	}
	if !errors.Is(err, signaling.ErrNotConnected) {
		m.emit(NetworkError{Message: err.Error(), Recoverable: true})
		return
	}

	token := m.reqToken
	authToken := m.profile.Token
	m.runner.Go(func(ctx context.Context) func() {
		callErr := fallback(ctx, authToken)
		return func() {
			if token != m.reqToken {
				return
			}
			if callErr != nil {
				m.emit(NetworkError{Message: callErr.Error(), Recoverable: true})
				return
			}
			switch cmdType {
			case wire.TypeQueueJoin:
				m.emit(QueueJoinResponse{Success: true, Message: "joined matchmaking queue"})
			case wire.TypeQueueLeave:
				m.emit(QueueLeft{})
			}
		}
	})
}

// QueueSync records an action for later reconciliation. Allowed in any
// state; offline actions simply wait for the next flush.
func (m *Manager) QueueSync(kind string, payload json.RawMessage) {
	m.pending = append(m.pending, PendingSync{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: m.now(),
	})
}

// SyncNow flushes the pending queue one entry at a time. Entries queued
// after the round starts wait for the next round; there is never more than
// one sync round in flight.
func (m *Manager) SyncNow() {
	if m.state == StateSyncing {
		m.emit(NetworkError{Message: "sync already in progress", Recoverable: true})
		return
	}
	if m.state != StateOnline {
		m.emit(NetworkError{Message: "cannot sync while offline", Recoverable: true})
		return
	}
	if len(m.pending) == 0 {
		m.emit(SyncCompleted{Success: true})
		return
	}

	m.state = StateSyncing
	m.syncRemaining = len(m.pending)
	m.syncConflicts = nil
	m.flushNext()
}

func (m *Manager) flushNext() {
	if m.syncRemaining == 0 || len(m.pending) == 0 {
		m.state = StateOnline
		m.emit(SyncCompleted{Success: true, Conflicts: m.syncConflicts})
		return
	}

	entry := m.pending[0]
	token := m.reqToken
	authToken := m.profile.Token

	m.runner.Go(func(ctx context.Context) func() {
		err := m.api.SyncPending(ctx, authToken, wire.SyncRequest{
			ActionID: entry.ID,
			Kind:     entry.Kind,
			Data:     entry.Payload,
		})
		return func() {
			if token != m.reqToken {
				m.log.Info("discarding stale sync result", zap.String("action_id", entry.ID))
				return
			}
			switch {
			case err == nil:
				m.pending = m.pending[1:]
				m.syncRemaining--
				m.flushNext()
			case errors.Is(err, backend.ErrConflict):
				// Conflicts are dropped by explicit policy, reported by id.
				m.pending = m.pending[1:]
				m.syncRemaining--
				m.syncConflicts = append(m.syncConflicts, entry.ID)
				m.flushNext()
			default:
				m.pending[0].RetryCount++
				m.syncRemaining = 0
				m.state = StateOnline
				m.emit(SyncCompleted{Success: false, Conflicts: m.syncConflicts})
			}
		}
	})
}

// Tick is the once-per-frame entry point: apply completed network results,
// drain inbound signaling frames, run due reconnect attempts, and hand the
// accumulated events to the caller.
func (m *Manager) Tick() []Event {
	m.runner.Drain()

	for {
		select {
		case in := <-m.signal.Inbound():
			m.handleInbound(in)
			continue
		default:
		}
		break
	}

	if m.reconnectPending && m.profile != nil && !m.now().Before(m.reconnectAt) {
		m.reconnectPending = false
		m.connectSignaling()
	}

	events := m.events
	m.events = nil
	return events
}

func (m *Manager) connectSignaling() {
	token := m.reqToken
	authToken := m.profile.Token

	m.runner.Go(func(ctx context.Context) func() {
		err := m.signal.Connect(ctx, authToken)
		return func() {
			if token != m.reqToken {
				// Session changed while dialing; drop the connection if one
				// was established.
				if err == nil {
					m.signal.Close()
				}
				return
			}
			if err == nil || errors.Is(err, signaling.ErrAlreadyConnected) {
				return
			}
			m.emit(NetworkError{Message: err.Error(), Recoverable: true})
			m.scheduleReconnect(signalRetryBase)
		}
	})
}

const signalRetryBase = 5 * time.Second

// scheduleReconnect applies capped exponential backoff starting from the
// suggested delay.
func (m *Manager) scheduleReconnect(suggested time.Duration) {
	if m.retryDelay == 0 {
		m.retryDelay = suggested
	} else {
		m.retryDelay *= 2
		if m.retryDelay > maxRetryDelay {
			m.retryDelay = maxRetryDelay
		}
	}
	m.reconnectPending = true
	m.reconnectAt = m.now().Add(m.retryDelay)
	m.log.Info("signaling reconnect scheduled", zap.Duration("in", m.retryDelay))
}

func (m *Manager) handleInbound(in signaling.Inbound) {
	if in.Lost != nil {
		m.emit(ConnectionLost{Reason: in.Lost.Reason, RetryIn: in.Lost.RetryIn})
		if m.profile != nil {
			m.scheduleReconnect(in.Lost.RetryIn)
		}
		return
	}

	switch sig := in.Signal.(type) {
	case wire.ConnectionSuccess:
		m.retryDelay = 0
		m.emit(ConnectionEstablished{Message: sig.Message})
	case wire.QueueJoinResponse:
		m.emit(QueueJoinResponse{Success: sig.Success, Message: sig.Message})
	case wire.QueueJoined:
		m.emit(QueueJoined{EstimatedWait: sig.EstimatedWait})
	case wire.QueueStatus:
		m.emit(QueueStatus{Position: sig.Position, EstimatedWait: sig.EstimatedWait})
	case wire.QueueLeft:
		m.emit(QueueLeft{})
	case wire.QueueCancelled:
		m.emit(QueueCancelled{Reason: sig.Reason})
	case wire.MatchFound:
		m.handleMatchFound(sig.MatchFoundData)
	case wire.ServerReady:
		m.emit(ServerReady{MatchID: sig.MatchID, ServerHost: sig.ServerHost, ServerPort: sig.ServerPort})
	case wire.MatchComplete:
		m.emit(MatchCompleted{MatchID: sig.MatchID, Winner: sig.Winner})
	case wire.ServerError:
		m.emit(NetworkError{Message: sig.Message, Recoverable: true})
	case wire.Echo:
		m.log.Debug("echo from server")
	case wire.Unknown:
		m.log.Warn("unknown signaling message type", zap.String("type", sig.RawType))
	}
}

// handleMatchFound starts the authoritative-transport handoff exactly once
// per match id; repeated deliveries are logged and ignored.
func (m *Manager) handleMatchFound(data wire.MatchFoundData) {
	if m.handedOff[data.MatchID] {
		m.log.Info("duplicate match_found ignored", zap.Uint64("match_id", data.MatchID))
		return
	}
	m.handedOff[data.MatchID] = true

	info := handoff.MatchInfo{
		MatchID:      data.MatchID,
		ServerHost:   data.ServerHost,
		ServerPort:   data.ServerPort,
		ServerSecret: data.ServerSecret,
		Players:      data.Players,
	}
	m.emit(MatchFound{Info: info})

	if m.transport == nil || m.profile == nil {
		return
	}
	params := handoff.Params(info, m.profile.UserID)
	token := m.reqToken

	m.runner.Go(func(ctx context.Context) func() {
		err := m.transport.Connect(ctx, params)
		return func() {
			if token != m.reqToken {
				return
			}
			if err != nil {
				// The one-shot handoff failed; this matchmaking attempt is
				// over and there is no automatic re-fetch.
				m.emit(NetworkError{Message: "game server connection failed: " + err.Error(), Recoverable: false})
			}
		}
	})
}

func (m *Manager) emit(e Event) {
	m.events = append(m.events, e)
}
