// Package handoff translates a match-found result into authoritative
// transport connection parameters on the client, and authorizes newly linked
// peers on the game server. The server secret is a one-time value scoped to a
// single match; it is never the player's login token.
package handoff

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
)

// ProtocolVersion must match between client and game server or the peer is
// refused before any gameplay traffic flows.
const ProtocolVersion uint32 = 15

var (
	ErrUnknownPlayer   = errors.New("player not in expected list")
	ErrBadKey          = errors.New("auth key does not match match secret")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// MatchInfo is the immutable match-found payload as the client consumes it.
type MatchInfo struct {
	MatchID      uint64
	ServerHost   string
	ServerPort   uint16
	ServerSecret string
	Players      []uint64
}

// AuthDescriptor identifies a connecting peer to the game server. Key is
// derived from the match secret, so only players who received the match-found
// message can produce it.
type AuthDescriptor struct {
	ClientID        uint64 `json:"clientId"`
	Key             string `json:"key"`
	ProtocolVersion uint32 `json:"protocolVersion"`
}

// ConnectParams is everything the authoritative transport needs to dial.
type ConnectParams struct {
	LocalAddr  string
	ServerAddr string
	Auth       AuthDescriptor
}

// DeriveKey computes the per-client key material from the match secret.
func DeriveKey(secret string, clientID uint64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], clientID)
	mac.Write(id[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// Params derives the transport connection parameters for one client. The
// local side binds an ephemeral port; the peer address comes straight from
// the match-found payload.
func Params(info MatchInfo, clientID uint64) ConnectParams {
	return ConnectParams{
		LocalAddr:  "0.0.0.0:0",
		ServerAddr: net.JoinHostPort(info.ServerHost, strconv.Itoa(int(info.ServerPort))),
		Auth: AuthDescriptor{
			ClientID:        clientID,
			Key:             DeriveKey(info.ServerSecret, clientID),
			ProtocolVersion: ProtocolVersion,
		},
	}
}

// Verify checks a connecting peer's claimed identity against the expected
// player list and the match secret. Identity is authenticated, never assigned
// by arrival order.
func Verify(d AuthDescriptor, secret string, expected []uint64) error {
	if d.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, d.ProtocolVersion, ProtocolVersion)
	}
	if !slices.Contains(expected, d.ClientID) {
		return fmt.Errorf("%w: client %d", ErrUnknownPlayer, d.ClientID)
	}
	want := DeriveKey(secret, d.ClientID)
	if !hmac.Equal([]byte(want), []byte(d.Key)) {
		return fmt.Errorf("%w: client %d", ErrBadKey, d.ClientID)
	}
	return nil
}
