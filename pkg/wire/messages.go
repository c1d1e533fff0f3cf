// Package wire holds the JSON shapes exchanged between the game client, the
// matchmaking backend, and the authoritative game server. Signaling frames are
// envelopes with a "type" discriminator and a "data" payload.
package wire

import (
	"encoding/json"
	"time"
)

// Server -> client signal types.
const (
	TypeConnectionSuccess = "connection_success"
	TypeQueueJoinResponse = "queue_join_response"
	TypeQueueJoined       = "queue_joined"
	TypeQueueStatus       = "queue_status"
	TypeQueueLeft         = "queue_left"
	TypeQueueCancelled    = "queue_cancelled"
	TypeMatchFound        = "match_found"
	TypeServerReady       = "server_ready"
	TypeMatchComplete     = "match_complete"
	TypeMatchStart        = "match_start"
	TypeEcho              = "echo"
	TypeError             = "error"
)

// Client -> server command types.
const (
	TypeAuth          = "auth"
	TypeQueueJoin     = "queue_join"
	TypeQueueLeave    = "queue_leave"
	TypeCustomMessage = "custom_message"
)

// Envelope is the outer frame shape in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is a client -> server frame. Token is only set on the first frame
// when the deployment authenticates in-band instead of via query parameter.
type Command struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame marshals an envelope with the given payload.
func Frame(msgType string, data any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// MatchFoundData is the match-found payload. Field names are camelCase on the
// wire; the payload is immutable once received and consumed exactly once to
// start the authoritative transport connection.
type MatchFoundData struct {
	MatchID      uint64   `json:"matchId"`
	ServerHost   string   `json:"serverHost"`
	ServerPort   uint16   `json:"serverPort"`
	ServerSecret string   `json:"serverSecret"`
	Players      []uint64 `json:"players"`
}

// ServerReadyData notifies queued players that their allocated game server is
// accepting connections.
type ServerReadyData struct {
	MatchID      uint64 `json:"matchId"`
	ServerHost   string `json:"serverAddress"`
	ServerPort   uint16 `json:"serverPort"`
	ServerSecret string `json:"serverSecret"`
}

// MatchCompleteData closes out a match; Winner is nil on a draw or abort.
type MatchCompleteData struct {
	MatchID uint64  `json:"matchId"`
	Winner  *uint64 `json:"winner"`
	Status  string  `json:"status"`
}

// MatchStartData is broadcast by the game server when all expected players
// have connected.
type MatchStartData struct {
	MatchID uint64 `json:"matchId"`
}

type messageData struct {
	Message string `json:"message"`
}

type queueJoinResponseData struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type queueJoinedData struct {
	EstimatedWaitSec int `json:"estimated_wait_time"`
}

type queueStatusData struct {
	Position         int `json:"position"`
	EstimatedWaitSec int `json:"estimated_wait"`
}

type queueCancelledData struct {
	Reason string `json:"reason"`
}

// HTTP auth contract: POST /auth/login and /auth/register.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    *PlayerData `json:"data,omitempty"`
}

type PlayerData struct {
	PlayerID uint64 `json:"player_id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Pending-sync action kinds.
const (
	SyncUpdateProfile    = "update_profile"
	SyncRecordGameResult = "record_game_result"
	SyncUpdateSettings   = "update_settings"
)

// SyncRequest is one pending-sync action. ActionID makes retried delivery
// safe: the backend applies each action id at most once.
type SyncRequest struct {
	ActionID string          `json:"action_id"`
	Kind     string          `json:"kind"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type SyncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// GameResult is the record_game_result payload.
type GameResult struct {
	MatchID  uint64  `json:"match_id"`
	Winner   *uint64 `json:"winner"`
	Duration float64 `json:"duration_sec"`
}

// WebhookRequest is posted by the game server to the backend.
type WebhookRequest struct {
	MatchID uint64  `json:"match_id"`
	Winner  *uint64 `json:"winner,omitempty"`
}

// EstimatedWait converts a queue position to the advertised wait.
func EstimatedWait(position int) time.Duration {
	return time.Duration(position) * 15 * time.Second
}
