// Package hub tracks the live signaling socket of every authenticated player
// and routes frames to them. It is an actor: all state lives inside one
// goroutine fed by a typed message inbox.
package hub

import (
	"context"

	"go.uber.org/zap"
)

type Msg interface{ isHubMsg() }

// Register attaches a player's outbox. Registering a player who already has a
// socket closes the old outbox first: one active transport per peer.
type Register struct {
	PlayerID uint64
	Outbox   chan []byte
}

type Unregister struct {
	PlayerID uint64
	// Outbox guards against unregistering a newer connection: the entry is
	// only removed when it still points at this channel.
	Outbox chan []byte
}

type Send struct {
	PlayerID uint64
	Frame    []byte
}

type Broadcast struct {
	Frame []byte
}

// Connected replies with the currently registered player ids.
type Connected struct {
	Reply chan []uint64
}

type Shutdown struct{}

func (Register) isHubMsg()   {}
func (Unregister) isHubMsg() {}
func (Send) isHubMsg()       {}
func (Broadcast) isHubMsg()  {}
func (Connected) isHubMsg()  {}
func (Shutdown) isHubMsg()   {}

type Hub struct {
	inbox   chan Msg
	clients map[uint64]chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan Msg, 64),
		clients: make(map[uint64]chan []byte),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

// SendToPlayer queues a frame for one player; a no-op if they are offline.
func (h *Hub) SendToPlayer(playerID uint64, frame []byte) {
	select {
	case h.inbox <- Send{PlayerID: playerID, Frame: frame}:
	case <-h.ctx.Done():
	}
}

// BroadcastFrame queues a frame for every connected player.
func (h *Hub) BroadcastFrame(frame []byte) {
	select {
	case h.inbox <- Broadcast{Frame: frame}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Register:
				if old := h.clients[msg.PlayerID]; old != nil {
					close(old)
					h.log.Info("replacing existing connection", zap.Uint64("player_id", msg.PlayerID))
				}
				h.clients[msg.PlayerID] = msg.Outbox

			case Unregister:
				if h.clients[msg.PlayerID] == msg.Outbox {
					// The hub owns every close, so the writer draining this
					// outbox sees it end and exits.
					close(msg.Outbox)
					delete(h.clients, msg.PlayerID)
				}

			case Send:
				if ch := h.clients[msg.PlayerID]; ch != nil {
					h.deliver(msg.PlayerID, ch, msg.Frame)
				}

			case Broadcast:
				for id, ch := range h.clients {
					h.deliver(id, ch, msg.Frame)
				}

			case Connected:
				ids := make([]uint64, 0, len(h.clients))
				for id := range h.clients {
					ids = append(ids, id)
				}
				msg.Reply <- ids

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) deliver(playerID uint64, ch chan []byte, frame []byte) {
	select {
	case ch <- frame:
	default:
		// Writer is stuck or gone; drop the socket rather than the hub.
		close(ch)
		delete(h.clients, playerID)
		h.log.Warn("dropping slow client", zap.Uint64("player_id", playerID))
	}
}

func (h *Hub) shutdown() {
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
	h.cancel()
}
