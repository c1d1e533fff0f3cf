package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signal is one decoded server -> client frame. The set is closed: every
// frame decodes to exactly one of the variants below, with Unknown as the
// fallback for types this build does not recognize. Unparsable frames are an
// error so the channel can log them without guessing.
type Signal interface{ isSignal() }

type ConnectionSuccess struct {
	Message string
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

type MatchFound struct {
	MatchFoundData
}

type ServerReady struct {
	ServerReadyData
}

type MatchComplete struct {
	MatchCompleteData
}

type MatchStart struct {
	MatchStartData
}

type Echo struct {
	Data json.RawMessage
}

// ServerError is an application-level error pushed by the backend; the
// connection itself is still up.
type ServerError struct {
	Message string
}

// Unknown carries the raw discriminator of an unrecognized frame so it can be
// logged instead of silently dropped.
type Unknown struct {
	RawType string
}

func (ConnectionSuccess) isSignal() {}
func (QueueJoinResponse) isSignal() {}
func (QueueJoined) isSignal()       {}
func (QueueStatus) isSignal()       {}
func (QueueLeft) isSignal()         {}
func (QueueCancelled) isSignal()    {}
func (MatchFound) isSignal()        {}
func (ServerReady) isSignal()       {}
func (MatchComplete) isSignal()     {}
func (MatchStart) isSignal()        {}
func (Echo) isSignal()              {}
func (ServerError) isSignal()       {}
func (Unknown) isSignal()           {}

// DecodeSignal parses one inbound frame into its typed variant.
func DecodeSignal(raw []byte) (Signal, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode signal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode signal: missing type discriminator")
	}

	switch env.Type {
	case TypeConnectionSuccess:
		var d messageData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return ConnectionSuccess{Message: d.Message}, nil

	case TypeQueueJoinResponse:
		var d queueJoinResponseData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return QueueJoinResponse{Success: d.Success, Message: d.Message}, nil

	case TypeQueueJoined:
		var d queueJoinedData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return QueueJoined{EstimatedWait: time.Duration(d.EstimatedWaitSec) * time.Second}, nil

	case TypeQueueStatus:
		var d queueStatusData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return QueueStatus{
			Position:      d.Position,
			EstimatedWait: time.Duration(d.EstimatedWaitSec) * time.Second,
		}, nil

	case TypeQueueLeft:
		return QueueLeft{}, nil

	case TypeQueueCancelled:
		var d queueCancelledData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return QueueCancelled{Reason: d.Reason}, nil

	case TypeMatchFound:
		var d MatchFoundData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return MatchFound{MatchFoundData: d}, nil

	case TypeServerReady:
		var d ServerReadyData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return ServerReady{ServerReadyData: d}, nil

	case TypeMatchComplete:
		var d MatchCompleteData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return MatchComplete{MatchCompleteData: d}, nil

	case TypeMatchStart:
		var d MatchStartData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return MatchStart{MatchStartData: d}, nil

	case TypeEcho:
		return Echo{Data: env.Data}, nil

	case TypeError:
		var d messageData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		return ServerError{Message: d.Message}, nil

	default:
		return Unknown{RawType: env.Type}, nil
	}
}

func unmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode signal data: %w", err)
	}
	return nil
}
