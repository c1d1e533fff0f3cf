// Package backend is the one-shot HTTP client for the matchmaking backend:
// authentication, pending-sync reconciliation, and the queue fallback used
// before a signaling channel exists.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/strategyking/matchnet/pkg/wire"
)

const requestTimeout = 10 * time.Second

var (
	// ErrAuthRejected means bad credentials: terminal for this attempt, the
	// user has to retry.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrConflict means the backend refused a sync action as conflicting;
	// retrying the same action will not help.
	ErrConflict = errors.New("sync conflict")
)

type Client struct {
	http    *http.Client
	baseURL string
	log     *zap.Logger
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: baseURL,
		log:     log,
	}
}

// Login authenticates and returns the player identity. Transport failures
// are recoverable; a rejected login wraps ErrAuthRejected.
func (c *Client) Login(ctx context.Context, username, password string) (wire.PlayerData, error) {
	var out wire.LoginResponse
	status, err := c.post(ctx, "/auth/login", "", wire.LoginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return wire.PlayerData{}, err
	}
	if status == http.StatusUnauthorized || (status < 500 && !out.Success) {
		return wire.PlayerData{}, fmt.Errorf("%w: %s", ErrAuthRejected, out.Message)
	}
	if !out.Success || out.Data == nil {
		return wire.PlayerData{}, fmt.Errorf("login response missing data")
	}
	c.log.Info("login successful", zap.String("username", out.Data.Username))
	return *out.Data, nil
}

// Register creates an account; the response shape matches Login.
func (c *Client) Register(ctx context.Context, username, password string) (wire.PlayerData, error) {
	var out wire.LoginResponse
	status, err := c.post(ctx, "/auth/register", "", wire.LoginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return wire.PlayerData{}, err
	}
	if status >= 400 || !out.Success || out.Data == nil {
		return wire.PlayerData{}, fmt.Errorf("%w: %s", ErrAuthRejected, out.Message)
	}
	return *out.Data, nil
}

// SyncPending reconciles one pending action. The action id makes retried
// delivery idempotent on the server.
func (c *Client) SyncPending(ctx context.Context, token string, req wire.SyncRequest) error {
	var out wire.SyncResponse
	status, err := c.post(ctx, "/sync", token, req, &out)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, out.Message)
	case status >= 400 || !out.Success:
		return fmt.Errorf("sync rejected: %s", out.Message)
	}
	return nil
}

// JoinQueue is the HTTP fallback for joining matchmaking when no signaling
// channel is up yet.
func (c *Client) JoinQueue(ctx context.Context, token string) error {
	return c.queueCall(ctx, "/matchmaking/join", token)
}

func (c *Client) LeaveQueue(ctx context.Context, token string) error {
	return c.queueCall(ctx, "/matchmaking/leave", token)
}

func (c *Client) queueCall(ctx context.Context, path, token string) error {
	var out wire.SyncResponse
	status, err := c.post(ctx, path, token, struct{}{}, &out)
	if err != nil {
		return err
	}
	if status >= 400 || !out.Success {
		return fmt.Errorf("queue request failed: %s", out.Message)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response from %s: %w", path, err)
	}
	return resp.StatusCode, nil
}
