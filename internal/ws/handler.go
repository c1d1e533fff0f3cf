// Package ws accepts signaling connections, authenticates them, and bridges
// frames between the socket and the hub. One registered socket per player;
// the hub closes the outbox to tear the writer down.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/strategyking/matchnet/internal/hub"
	"github.com/strategyking/matchnet/internal/queue"
	"github.com/strategyking/matchnet/pkg/wire"
)

const (
	writeTimeout = 3 * time.Second
	authTimeout  = 5 * time.Second
	outboxSize   = 16
)

// TokenVerifier resolves a signaling token to a player id.
type TokenVerifier interface {
	VerifyToken(token string) (uint64, error)
}

// Queue is the subset of matchmaking operations driven over the socket.
type Queue interface {
	Join(ctx context.Context, playerID uint64) (int, error)
	Leave(ctx context.Context, playerID uint64, reason string) error
}

// Handler serves GET /ws. The token arrives either as a ?token= query
// parameter or as the first frame, an {"type":"auth","token":...} command.
func Handler(h *hub.Hub, verifier TokenVerifier, q Queue, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		playerID, err := authenticate(r, conn, verifier)
		if err != nil {
			log.Info("signaling auth failed", zap.Error(err))
			conn.Close(websocket.StatusPolicyViolation, "authentication failed")
			return
		}

		outbox := make(chan []byte, outboxSize)
		h.Inbox() <- hub.Register{PlayerID: playerID, Outbox: outbox}
		defer func() {
			h.Inbox() <- hub.Unregister{PlayerID: playerID, Outbox: outbox}
			// A dropped socket also drops the player out of matchmaking; a
			// Leave for a player who was not queued is a harmless error.
			if err := q.Leave(context.Background(), playerID, "disconnected"); err != nil && !errors.Is(err, queue.ErrNotQueued) {
				log.Error("queue leave on disconnect failed", zap.Error(err), zap.Uint64("player_id", playerID))
			}
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for frame := range outbox {
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, frame)
				cancel()
			}
			conn.Close(websocket.StatusNormalClosure, "bye")
		}()

		if frame, err := wire.Frame(wire.TypeConnectionSuccess, map[string]string{
			"message": "connected to matchmaking",
		}); err == nil {
			h.SendToPlayer(playerID, frame)
		}

		log.Info("signaling connected", zap.Uint64("player_id", playerID))
		readLoop(r.Context(), conn, h, q, playerID, log)
	}
}

func authenticate(r *http.Request, conn *websocket.Conn, verifier TokenVerifier) (uint64, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		// First-frame auth for deployments that keep tokens out of URLs.
		ctx, cancel := context.WithTimeout(r.Context(), authTimeout)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return 0, errors.New("no auth frame received")
		}
		var cmd wire.Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != wire.TypeAuth {
			return 0, errors.New("first frame is not an auth command")
		}
		token = cmd.Token
	}
	if token == "" {
		return 0, errors.New("missing token")
	}
	return verifier.VerifyToken(token)
}

func readLoop(ctx context.Context, conn *websocket.Conn, h *hub.Hub, q Queue, playerID uint64, log *zap.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			return
		}

		var cmd wire.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			sendError(h, playerID, "bad json")
			continue
		}

		switch cmd.Type {
		case wire.TypeQueueJoin:
			position, err := q.Join(ctx, playerID)
			if err != nil {
				sendFrame(h, playerID, wire.TypeQueueJoinResponse, map[string]any{
					"success": false, "message": err.Error(),
				})
				continue
			}
			sendFrame(h, playerID, wire.TypeQueueJoinResponse, map[string]any{
				"success": true, "message": "joined matchmaking queue",
			})
			sendFrame(h, playerID, wire.TypeQueueJoined, map[string]int{
				"estimated_wait_time": int(wire.EstimatedWait(position).Seconds()),
			})

		case wire.TypeQueueLeave:
			if err := q.Leave(ctx, playerID, "player request"); err != nil {
				sendError(h, playerID, err.Error())
				continue
			}
			sendFrame(h, playerID, wire.TypeQueueLeft, nil)

		case wire.TypeCustomMessage:
			// Echoed back for connectivity checks.
			if frame, err := wire.Frame(wire.TypeEcho, cmd.Data); err == nil {
				h.SendToPlayer(playerID, frame)
			}

		default:
			log.Warn("unknown command type", zap.String("type", cmd.Type), zap.Uint64("player_id", playerID))
			sendError(h, playerID, "unknown command type")
		}
	}
}

func sendFrame(h *hub.Hub, playerID uint64, msgType string, data any) {
	if frame, err := wire.Frame(msgType, data); err == nil {
		h.SendToPlayer(playerID, frame)
	}
}

func sendError(h *hub.Hub, playerID uint64, message string) {
	sendFrame(h, playerID, wire.TypeError, map[string]string{"message": message})
}
