// Package match drives the authoritative server's match lifecycle: it tracks
// expected vs. connected players and advances the match phase from the
// simulation tick.
package match

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/strategyking/matchnet/internal/handoff"
	"github.com/strategyking/matchnet/pkg/wire"
)

type Phase string

const (
	PhaseWaiting    Phase = "waiting_for_players"
	PhaseStarting   Phase = "match_starting"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
)

var phaseOrder = map[Phase]int{
	PhaseWaiting:    0,
	PhaseStarting:   1,
	PhaseInProgress: 2,
	PhaseCompleted:  3,
}

var (
	ErrCapacityExceeded = errors.New("match is full")
	ErrAlreadyConnected = errors.New("player already connected")
	ErrMatchOver        = errors.New("match already completed")
)

// Broadcaster delivers a frame to every connected peer. Implementations must
// not call back into the Manager.
type Broadcaster interface {
	Broadcast(frame []byte)
}

// Manager is safe for use from the tick loop and from concurrent peer
// connect/disconnect notifications. A single mutex guards the pair
// (phase, connected) because the transition predicate reads both together.
type Manager struct {
	log     *zap.Logger
	matchID uint64
	secret  string

	mu        sync.Mutex
	phase     Phase
	expected  []uint64
	connected map[uint64]bool

	broadcast Broadcaster
}

func NewManager(matchID uint64, secret string, expected []uint64, b Broadcaster, log *zap.Logger) *Manager {
	return &Manager{
		log:       log,
		matchID:   matchID,
		secret:    secret,
		phase:     PhaseWaiting,
		expected:  expected,
		connected: make(map[uint64]bool, len(expected)),
		broadcast: b,
	}
}

// PeerConnected authorizes a connecting transport peer. The claimed identity
// is verified against the expected list and the match secret; a peer beyond
// capacity is refused, not silently admitted.
func (m *Manager) PeerConnected(d handoff.AuthDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseCompleted {
		return ErrMatchOver
	}
	// A full match refuses everyone up front; identity does not matter once
	// connected == expected.
	if len(m.connected) >= len(m.expected) {
		return ErrCapacityExceeded
	}
	if err := handoff.Verify(d, m.secret, m.expected); err != nil {
		return err
	}
	if m.connected[d.ClientID] {
		return fmt.Errorf("%w: client %d", ErrAlreadyConnected, d.ClientID)
	}

	m.connected[d.ClientID] = true
	m.log.Info("player connected",
		zap.Uint64("player_id", d.ClientID),
		zap.Int("connected", len(m.connected)),
		zap.Int("expected", len(m.expected)))
	return nil
}

// PeerDisconnected releases the player's slot. Before the match starts the
// player may reconnect; once in progress the phase is untouched and gameplay
// systems decide what a missing player means.
func (m *Manager) PeerDisconnected(playerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected[playerID] {
		return
	}
	delete(m.connected, playerID)
	m.log.Info("player disconnected",
		zap.Uint64("player_id", playerID),
		zap.Int("remaining", len(m.connected)))
}

// Tick advances the phase machine. Waiting -> Starting fires exactly once
// when every expected player is connected; Starting -> InProgress fires on
// the following tick after the match-start broadcast.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseWaiting:
		if len(m.expected) > 0 && len(m.connected) == len(m.expected) {
			m.setPhase(PhaseStarting)
			m.log.Info("all players connected, starting match", zap.Uint64("match_id", m.matchID))
		}
	case PhaseStarting:
		if m.broadcast != nil {
			frame, err := wire.Frame(wire.TypeMatchStart, wire.MatchStartData{MatchID: m.matchID})
			if err == nil {
				m.broadcast.Broadcast(frame)
			}
		}
		m.setPhase(PhaseInProgress)
		m.log.Info("match in progress", zap.Uint64("match_id", m.matchID))
	case PhaseInProgress, PhaseCompleted:
		// Gameplay systems own these.
	}
}

// Complete marks the match finished. Completed is a terminal sink.
func (m *Manager) Complete(winner *uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseCompleted {
		return ErrMatchOver
	}
	m.setPhase(PhaseCompleted)
	if winner != nil {
		m.log.Info("match completed", zap.Uint64("match_id", m.matchID), zap.Uint64("winner", *winner))
	} else {
		m.log.Info("match completed", zap.Uint64("match_id", m.matchID))
	}
	return nil
}

// Snapshot reports the current phase and connected count for observers.
func (m *Manager) Snapshot() (Phase, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase, len(m.connected)
}

// setPhase enforces the forward-only invariant. A backward transition is a
// programming error and halts the subsystem.
func (m *Manager) setPhase(next Phase) {
	if phaseOrder[next] < phaseOrder[m.phase] {
		panic(fmt.Sprintf("match: illegal phase transition %s -> %s", m.phase, next))
	}
	m.phase = next
}
