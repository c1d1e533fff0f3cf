// Package config loads process configuration from the environment, with a
// .env file overlay for local development.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Server configures the matchmaking backend process.
type Server struct {
	Port          int
	DatabaseURL   string
	RedisURL      string
	AppKey        string
	ServerHost    string
	QueueInterval time.Duration
}

// GameServer configures one authoritative game server process, spawned per
// match.
type GameServer struct {
	MatchID         uint64
	ExpectedPlayers []uint64
	ServerSecret    string
	ServerPort      int
	BackendURL      string
	TickHz          int
}

// LoadServer reads backend configuration. A missing .env file is fine; real
// environments set variables directly.
func LoadServer() (Server, error) {
	_ = godotenv.Load()

	cfg := Server{
		Port:          envInt("PORT", 3334),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      envString("REDIS_URL", "redis://localhost:6379"),
		AppKey:        os.Getenv("APP_KEY"),
		ServerHost:    envString("SERVER_HOST", "127.0.0.1"),
		QueueInterval: time.Duration(envInt("QUEUE_INTERVAL_MS", 2000)) * time.Millisecond,
	}
	if cfg.DatabaseURL == "" {
		return Server{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AppKey == "" {
		return Server{}, fmt.Errorf("APP_KEY is required")
	}
	return cfg, nil
}

// LoadGameServer reads game server configuration. The expected player list
// arrives as a JSON array, e.g. EXPECTED_PLAYERS=[10,11].
func LoadGameServer() (GameServer, error) {
	_ = godotenv.Load()

	cfg := GameServer{
		MatchID:      uint64(envInt("MATCH_ID", 0)),
		ServerSecret: os.Getenv("SERVER_SECRET"),
		ServerPort:   envInt("SERVER_PORT", 5001),
		BackendURL:   envString("BACKEND_URL", "http://localhost:3334"),
		TickHz:       envInt("TICK_HZ", 30),
	}
	if cfg.MatchID == 0 {
		return GameServer{}, fmt.Errorf("MATCH_ID is required")
	}
	if cfg.ServerSecret == "" {
		return GameServer{}, fmt.Errorf("SERVER_SECRET is required")
	}
	if raw := os.Getenv("EXPECTED_PLAYERS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.ExpectedPlayers); err != nil {
			return GameServer{}, fmt.Errorf("parse EXPECTED_PLAYERS: %w", err)
		}
	}
	if len(cfg.ExpectedPlayers) == 0 {
		return GameServer{}, fmt.Errorf("EXPECTED_PLAYERS is required")
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
