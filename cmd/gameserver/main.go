package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/strategyking/matchnet/internal/config"
	"github.com/strategyking/matchnet/internal/handoff"
	"github.com/strategyking/matchnet/internal/match"
	"github.com/strategyking/matchnet/pkg/wire"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("game server exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.LoadGameServer()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	peers := newPeerSet(log.Named("peers"))
	mgr := match.NewManager(cfg.MatchID, cfg.ServerSecret, cfg.ExpectedPlayers, peers, log.Named("match"))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ServerPort))
	if err != nil {
		return fmt.Errorf("listen on game port: %w", err)
	}
	defer ln.Close()

	log.Info("game server listening",
		zap.Uint64("match_id", cfg.MatchID),
		zap.Int("port", cfg.ServerPort),
		zap.Uint64s("expected_players", cfg.ExpectedPlayers))

	if err := postWebhook(ctx, cfg.BackendURL+"/webhooks/server-ready", wire.WebhookRequest{MatchID: cfg.MatchID}); err != nil {
		// The backend never learning about this server makes it unreachable.
		return fmt.Errorf("server-ready webhook: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return acceptLoop(ctx, ln, mgr, peers, log)
	})

	g.Go(func() error {
		return tickLoop(ctx, cfg, mgr, log)
	})

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		peers.closeAll()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// Report completion even on shutdown so the backend frees the port and
	// the players.
	_ = mgr.Complete(nil)
	reportCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if werr := postWebhook(reportCtx, cfg.BackendURL+"/webhooks/match-complete", wire.WebhookRequest{MatchID: cfg.MatchID}); werr != nil {
		log.Error("match-complete webhook failed", zap.Error(werr))
	}
	return err
}

// acceptLoop admits peers. The first line on every connection must be the
// JSON auth descriptor; anything else, or a descriptor that fails
// verification, closes the socket with a one-line reason.
func acceptLoop(ctx context.Context, ln net.Listener, mgr *match.Manager, peers *peerSet, log *zap.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		go handlePeer(ctx, conn, mgr, peers, log)
	}
}

func handlePeer(ctx context.Context, conn net.Conn, mgr *match.Manager, peers *peerSet, log *zap.Logger) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	var d handoff.AuthDescriptor
	if err := json.Unmarshal(bytes.TrimSpace(line), &d); err != nil {
		writeLine(conn, map[string]string{"status": "rejected", "reason": "malformed auth"})
		conn.Close()
		return
	}

	if err := mgr.PeerConnected(d); err != nil {
		log.Warn("peer rejected", zap.Uint64("client_id", d.ClientID), zap.Error(err))
		writeLine(conn, map[string]string{"status": "rejected", "reason": err.Error()})
		conn.Close()
		return
	}

	writeLine(conn, map[string]string{"status": "accepted"})
	peers.add(d.ClientID, conn)

	// Hold the socket open until the peer hangs up or the server stops.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	discard := make([]byte, 4096)
	for {
		if _, err := conn.Read(discard); err != nil {
			break
		}
	}

	peers.remove(d.ClientID)
	mgr.PeerDisconnected(d.ClientID)
}

func tickLoop(ctx context.Context, cfg config.GameServer, mgr *match.Manager, log *zap.Logger) error {
	ticker := time.NewTicker(time.Second / time.Duration(cfg.TickHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mgr.Tick()
		}
	}
}

// peerSet is the broadcast fan-out over connected TCP peers. Frames go out
// newline-delimited.
type peerSet struct {
	log *zap.Logger

	mu    sync.Mutex
	conns map[uint64]net.Conn
}

func newPeerSet(log *zap.Logger) *peerSet {
	return &peerSet{log: log, conns: make(map[uint64]net.Conn)}
}

func (p *peerSet) add(clientID uint64, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[clientID] = conn
}

func (p *peerSet) remove(clientID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, clientID)
}

func (p *peerSet) Broadcast(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
		if _, err := conn.Write(append(frame, '\n')); err != nil {
			p.log.Warn("broadcast write failed", zap.Uint64("client_id", id), zap.Error(err))
		}
		conn.SetWriteDeadline(time.Time{})
	}
}

func (p *peerSet) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		conn.Close()
		delete(p.conns, id)
	}
}

func writeLine(conn net.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	conn.Write(append(payload, '\n'))
}

func postWebhook(ctx context.Context, url string, body wire.WebhookRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
	}
	return nil
}
