package session

import (
	"time"

	"github.com/strategyking/matchnet/internal/handoff"
)

// Event is a typed outward notification for the presentation layer. Events
// are produced only on tick boundaries, by Tick.
type Event interface{ isEvent() }

type LoginCompleted struct {
	Success bool
	Profile *Profile
	Err     string
}

type LogoutCompleted struct{}

type ConnectionEstablished struct {
	Message string
}

type ConnectionLost struct {
	Reason  string
	RetryIn time.Duration
}

type QueueJoinResponse struct {
	Success bool
	Message string
}

type QueueJoined struct {
	EstimatedWait time.Duration
}

type QueueStatus struct {
	Position      int
	EstimatedWait time.Duration
}

type QueueLeft struct{}

type QueueCancelled struct {
	Reason string
}

// MatchFound is emitted exactly once per match id, no matter how many times
// the frame is delivered.
type MatchFound struct {
	Info handoff.MatchInfo
}

type ServerReady struct {
	MatchID    uint64
	ServerHost string
	ServerPort uint16
}

type MatchCompleted struct {
	MatchID uint64
	Winner  *uint64
}

type SyncCompleted struct {
	Success   bool
	Conflicts []string
}

type NetworkError struct {
	Message     string
	Recoverable bool
}

func (LoginCompleted) isEvent()        {}
func (LogoutCompleted) isEvent()       {}
func (ConnectionEstablished) isEvent() {}
func (ConnectionLost) isEvent()        {}
func (QueueJoinResponse) isEvent()     {}
func (QueueJoined) isEvent()           {}
func (QueueStatus) isEvent()           {}
func (QueueLeft) isEvent()             {}
func (QueueCancelled) isEvent()        {}
func (MatchFound) isEvent()            {}
func (ServerReady) isEvent()           {}
func (MatchCompleted) isEvent()        {}
func (SyncCompleted) isEvent()         {}
func (NetworkError) isEvent()          {}
