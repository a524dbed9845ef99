// Package api is the HTTP client for the session orchestrator's REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Client provides HTTP methods for the orchestrator API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// New creates a client for the orchestrator at baseURL
// (e.g. "http://localhost:8181").
func New(baseURL string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is the orchestrator's error envelope.
type APIError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// SessionInfo describes one session known to the orchestrator.
type SessionInfo struct {
	SessionID           string `json:"session_id"`
	WorkingDirectory    string `json:"working_directory"`
	Active              bool   `json:"active"`
	Summary             string `json:"summary,omitempty"`
	EarliestMessageDate string `json:"earliest_message_date,omitempty"`
	LatestMessageDate   string `json:"latest_message_date,omitempty"`
}

// CreateSessionRequest creates a new session or forks a terminated one.
// BootstrapMessages is the ordered list of frames fed to the agent before
// the conversation starts: a permission-mode control frame, then the first
// user message.
type CreateSessionRequest struct {
	SessionID         string   `json:"session_id"`
	WorkingDir        string   `json:"working_dir"`
	Resume            bool     `json:"resume"`
	BootstrapMessages []string `json:"bootstrap_messages"`
}

// CreateSessionResponse carries the session identity the server minted. On
// resume the returned session id differs from the requested one.
type CreateSessionResponse struct {
	SessionID            string `json:"session_id"`
	WebSocketURL         string `json:"websocket_url"`
	ApprovalWebSocketURL string `json:"approval_websocket_url"`
}

// GetSessionResponse describes a single session. The websocket URLs are
// present only while the session has a live agent process.
type GetSessionResponse struct {
	SessionID            string            `json:"session_id"`
	WorkingDirectory     string            `json:"working_directory"`
	Content              []json.RawMessage `json:"content"`
	WebSocketURL         string            `json:"websocket_url,omitempty"`
	ApprovalWebSocketURL string            `json:"approval_websocket_url,omitempty"`
}

// Active reports whether the session has a live agent process.
func (r *GetSessionResponse) Active() bool {
	return r.WebSocketURL != ""
}

// ListSessions returns all sessions the orchestrator can see.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var result struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("list sessions: decode: %w", err)
	}
	return result.Sessions, nil
}

// CreateSession creates or resumes a session.
func (c *Client) CreateSession(ctx context.Context, request CreateSessionRequest) (*CreateSessionResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("create session: marshal: %w", err)
	}

	c.logger.Info().
		Str("session_id", request.SessionID).
		Str("working_dir", request.WorkingDir).
		Bool("resume", request.Resume).
		Int("bootstrap_messages", len(request.BootstrapMessages)).
		Msg("Creating session")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.decodeError(resp)
	}

	var result CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("create session: decode: %w", err)
	}
	return &result, nil
}

// GetSession returns one session with its recorded content.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*GetSessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var result GetSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("get session: decode: %w", err)
	}
	return &result, nil
}

// WebSocketURL resolves a websocket path returned by the orchestrator
// against the client's base URL, mapping http(s) to ws(s).
func (c *Client) WebSocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse websocket path: %w", err)
	}
	return u.ResolveReference(ref).String(), nil
}

// decodeError turns a non-2xx response into an APIError.
func (c *Client) decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(body)
		apiErr.Code = "UNKNOWN"
	}

	c.logger.Warn().
		Int("status", resp.StatusCode).
		Str("code", apiErr.Code).
		Str("error", apiErr.Message).
		Msg("Orchestrator request failed")
	return apiErr
}
