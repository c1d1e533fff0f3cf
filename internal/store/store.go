// Package store persists players and matches in Postgres via gorm and hands
// out game-server ports from a fixed range.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	MatchPending   = "pending"
	MatchActive    = "active"
	MatchCompleted = "completed"
)

const (
	portRangeStart = 5001
	portRangeSize  = 100
)

var (
	ErrUsernameTaken  = errors.New("username already exists")
	ErrNotFound       = errors.New("not found")
	ErrNoPorts        = errors.New("no available ports for game server")
	ErrResultRecorded = errors.New("match result already recorded")
)

type Player struct {
	ID           uint64 `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64"`
	PasswordHash string
	Level        uint32 `gorm:"default:1"`
	Rating       uint32 `gorm:"default:1000"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Match struct {
	ID           uint64 `gorm:"primaryKey"`
	Status       string `gorm:"size:16"`
	PlayerIDs    string // JSON-encoded id list
	ServerPort   int
	ServerSecret string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Players decodes the JSON id column.
func (m *Match) Players() []uint64 {
	var ids []uint64
	_ = json.Unmarshal([]byte(m.PlayerIDs), &ids)
	return ids
}

// SyncAction records an applied pending-sync action id so retried delivery
// is applied at most once.
type SyncAction struct {
	ActionID  string `gorm:"primaryKey;size:64"`
	PlayerID  uint64
	Kind      string `gorm:"size:32"`
	CreatedAt time.Time
}

type Store struct {
	db *gorm.DB

	mu        sync.Mutex
	usedPorts map[int]bool
}

// Open connects to Postgres and migrates the schema. TranslateError maps
// driver constraint violations to gorm sentinels.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Player{}, &Match{}, &SyncAction{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, usedPorts: make(map[int]bool)}, nil
}

// CreatePlayer inserts the player and lets the unique index arbitrate
// concurrent registrations of the same username.
func (s *Store) CreatePlayer(ctx context.Context, username, passwordHash string) (*Player, error) {
	p := &Player{Username: username, PasswordHash: passwordHash, Level: 1, Rating: 1000}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create player: %w", err)
	}
	return p, nil
}

func (s *Store) FindPlayerByUsername(ctx context.Context, username string) (*Player, error) {
	var p Player
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find player: %w", err)
	}
	return &p, nil
}

func (s *Store) FindPlayer(ctx context.Context, id uint64) (*Player, error) {
	var p Player
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find player: %w", err)
	}
	return &p, nil
}

// CreateMatch allocates a port, generates the one-time server secret, and
// inserts the match in pending state.
func (s *Store) CreateMatch(ctx context.Context, playerIDs []uint64) (*Match, error) {
	port, err := s.allocatePort()
	if err != nil {
		return nil, err
	}

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		s.ReleasePort(port)
		return nil, fmt.Errorf("generate server secret: %w", err)
	}

	ids, _ := json.Marshal(playerIDs)
	m := &Match{
		Status:       MatchPending,
		PlayerIDs:    string(ids),
		ServerPort:   port,
		ServerSecret: hex.EncodeToString(secret),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		s.ReleasePort(port)
		return nil, fmt.Errorf("create match: %w", err)
	}
	return m, nil
}

func (s *Store) FindMatch(ctx context.Context, id uint64) (*Match, error) {
	var m Match
	err := s.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find match: %w", err)
	}
	return &m, nil
}

func (s *Store) SetMatchStatus(ctx context.Context, id uint64, status string) error {
	res := s.db.WithContext(ctx).Model(&Match{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update match status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordGameResult marks the match completed and records the action id in one
// transaction: either both commit or neither does, so a retry after a failed
// apply is replayed instead of answered "already applied". Reports false when
// the action id went through before.
func (s *Store) RecordGameResult(ctx context.Context, playerID uint64, actionID string, matchID uint64) (bool, error) {
	fresh := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SyncAction
		err := tx.Where("action_id = ?", actionID).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup sync action: %w", err)
		}

		var m Match
		err = tx.First(&m, matchID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("find match: %w", err)
		}
		if m.Status == MatchCompleted {
			return ErrResultRecorded
		}

		if err := tx.Model(&Match{}).Where("id = ?", matchID).Update("status", MatchCompleted).Error; err != nil {
			return fmt.Errorf("update match status: %w", err)
		}
		rec := &SyncAction{ActionID: actionID, PlayerID: playerID, Kind: "record_game_result"}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("record sync action: %w", err)
		}
		fresh = true
		return nil
	})
	return fresh, err
}

// RecordSyncAction inserts the action id; reports false when the id was seen
// before, which callers treat as already applied.
func (s *Store) RecordSyncAction(ctx context.Context, playerID uint64, actionID, kind string) (bool, error) {
	var existing SyncAction
	err := s.db.WithContext(ctx).Where("action_id = ?", actionID).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("lookup sync action: %w", err)
	}

	rec := &SyncAction{ActionID: actionID, PlayerID: playerID, Kind: kind}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return false, fmt.Errorf("record sync action: %w", err)
	}
	return true, nil
}

func (s *Store) allocatePort() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < portRangeSize; i++ {
		port := portRangeStart + i
		if !s.usedPorts[port] {
			s.usedPorts[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPorts
}

func (s *Store) ReleasePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usedPorts, port)
}
