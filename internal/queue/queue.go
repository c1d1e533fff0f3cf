// Package queue implements the 1v1 matchmaking queue on Redis: a FIFO list
// of waiting players plus membership sets guarding against double-queueing,
// paired off by a periodic pairing pass.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/strategyking/matchnet/internal/store"
	"github.com/strategyking/matchnet/pkg/wire"
)

const (
	queueKey   = "matchmaking:queue"
	inQueueKey = "matchmaking:in_queue"
	inGameKey  = "matchmaking:in_game"

	matchSize = 2
)

var (
	ErrAlreadyQueued = errors.New("player already in matchmaking queue")
	ErrAlreadyInGame = errors.New("player already in a game")
	ErrNotQueued     = errors.New("player not in matchmaking queue")
)

// Notifier pushes signaling frames to players; the hub implements it.
type Notifier interface {
	SendToPlayer(playerID uint64, frame []byte)
}

// MatchStore creates match records when a pair is formed.
type MatchStore interface {
	CreateMatch(ctx context.Context, playerIDs []uint64) (*store.Match, error)
}

type Service struct {
	rdb        *redis.Client
	matches    MatchStore
	notify     Notifier
	serverHost string
	log        *zap.Logger
}

func NewService(rdb *redis.Client, matches MatchStore, notify Notifier, serverHost string, log *zap.Logger) *Service {
	return &Service{
		rdb:        rdb,
		matches:    matches,
		notify:     notify,
		serverHost: serverHost,
		log:        log,
	}
}

// Join enqueues the player and returns their 1-based queue position. Joining
// twice, or while in a game, is rejected so queue membership stays
// exactly-once.
func (s *Service) Join(ctx context.Context, playerID uint64) (int, error) {
	id := formatID(playerID)

	inGame, err := s.rdb.SIsMember(ctx, inGameKey, id).Result()
	if err != nil {
		return 0, fmt.Errorf("check in-game set: %w", err)
	}
	if inGame {
		return 0, ErrAlreadyInGame
	}

	added, err := s.rdb.SAdd(ctx, inQueueKey, id).Result()
	if err != nil {
		return 0, fmt.Errorf("add to in-queue set: %w", err)
	}
	if added == 0 {
		return 0, ErrAlreadyQueued
	}

	length, err := s.rdb.LPush(ctx, queueKey, id).Result()
	if err != nil {
		// Keep the membership set consistent with the list.
		s.rdb.SRem(ctx, inQueueKey, id)
		return 0, fmt.Errorf("push to queue: %w", err)
	}

	s.log.Info("player joined queue", zap.Uint64("player_id", playerID), zap.Int64("position", length))
	return int(length), nil
}

// Leave removes the player and pushes a queue_cancelled notification.
func (s *Service) Leave(ctx context.Context, playerID uint64, reason string) error {
	id := formatID(playerID)

	removed, err := s.rdb.SRem(ctx, inQueueKey, id).Result()
	if err != nil {
		return fmt.Errorf("remove from in-queue set: %w", err)
	}
	if removed == 0 {
		return ErrNotQueued
	}
	if err := s.rdb.LRem(ctx, queueKey, 0, id).Err(); err != nil {
		return fmt.Errorf("remove from queue list: %w", err)
	}

	if frame, err := wire.Frame(wire.TypeQueueCancelled, map[string]string{"reason": reason}); err == nil {
		s.notify.SendToPlayer(playerID, frame)
	}
	s.log.Info("player left queue", zap.Uint64("player_id", playerID), zap.String("reason", reason))
	return nil
}

// Process runs one pairing pass: if at least two players wait, pop the two
// oldest, create the match, and notify both. Partial failures roll the
// players back into the queue rather than losing them.
func (s *Service) Process(ctx context.Context) error {
	length, err := s.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return fmt.Errorf("queue length: %w", err)
	}
	if length >= matchSize {
		if err := s.pair(ctx); err != nil {
			return err
		}
	}
	return s.broadcastStatus(ctx)
}

func (s *Service) pair(ctx context.Context) error {
	first, err1 := s.rdb.RPop(ctx, queueKey).Result()
	second, err2 := s.rdb.RPop(ctx, queueKey).Result()
	if err1 != nil || err2 != nil {
		if err1 == nil {
			s.rdb.RPush(ctx, queueKey, first)
		}
		return fmt.Errorf("pop queue entries: %v, %v", err1, err2)
	}

	p1, _ := strconv.ParseUint(first, 10, 64)
	p2, _ := strconv.ParseUint(second, 10, 64)
	playerIDs := []uint64{p1, p2}

	s.rdb.SRem(ctx, inQueueKey, first, second)

	m, err := s.matches.CreateMatch(ctx, playerIDs)
	if err != nil {
		// Put both players back at the head so they pair first next pass.
		s.rdb.RPush(ctx, queueKey, second, first)
		s.rdb.SAdd(ctx, inQueueKey, first, second)
		return fmt.Errorf("create match: %w", err)
	}

	s.rdb.SAdd(ctx, inGameKey, first, second)

	s.log.Info("match found",
		zap.Uint64("match_id", m.ID),
		zap.Uint64s("players", playerIDs),
		zap.Int("server_port", m.ServerPort))

	frame, err := wire.Frame(wire.TypeMatchFound, wire.MatchFoundData{
		MatchID:      m.ID,
		ServerHost:   s.serverHost,
		ServerPort:   uint16(m.ServerPort),
		ServerSecret: m.ServerSecret,
		Players:      playerIDs,
	})
	if err != nil {
		return fmt.Errorf("encode match_found: %w", err)
	}
	for _, id := range playerIDs {
		s.notify.SendToPlayer(id, frame)
	}
	return nil
}

// broadcastStatus tells every waiting player their position and estimated
// wait. Position 1 is the next player to be paired.
func (s *Service) broadcastStatus(ctx context.Context) error {
	ids, err := s.rdb.LRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	// LPush prepends, so the oldest entry is at the tail.
	for i := len(ids) - 1; i >= 0; i-- {
		position := len(ids) - i
		playerID, err := strconv.ParseUint(ids[i], 10, 64)
		if err != nil {
			continue
		}
		frame, err := wire.Frame(wire.TypeQueueStatus, map[string]int{
			"position":       position,
			"estimated_wait": int(wire.EstimatedWait(position).Seconds()),
		})
		if err != nil {
			continue
		}
		s.notify.SendToPlayer(playerID, frame)
	}
	return nil
}

// Length reports how many players are waiting.
func (s *Service) Length(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Release moves a player out of the in-game set once their match ends.
func (s *Service) Release(ctx context.Context, playerIDs []uint64) error {
	members := make([]any, 0, len(playerIDs))
	for _, id := range playerIDs {
		members = append(members, formatID(id))
	}
	if err := s.rdb.SRem(ctx, inGameKey, members...).Err(); err != nil {
		return fmt.Errorf("remove from in-game set: %w", err)
	}
	return nil
}

// Run loops pairing passes until the context ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Process(ctx); err != nil {
				s.log.Error("pairing pass failed", zap.Error(err))
			}
		}
	}
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
