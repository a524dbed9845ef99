// Package approval correlates tool-permission requests arriving on the
// approval channel with exactly one human response each.
package approval

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yuya-takeyama/cc-console/internal/channel"
	"github.com/yuya-takeyama/cc-console/pkg/types"
)

var (
	// ErrNotConnected is returned when a response is attempted while the
	// approval channel is not open.
	ErrNotConnected = errors.New("approval channel not connected")

	// ErrAlreadyAnswered is returned when a request id has already been
	// answered; the original response is never re-sent.
	ErrAlreadyAnswered = errors.New("approval request already answered")

	// ErrUnknownRequest is returned for an id that was never pending, e.g.
	// a request discarded by a session transition.
	ErrUnknownRequest = errors.New("unknown approval request")
)

// Sender is the slice of the channel connection the correlator needs.
type Sender interface {
	IsConnected() bool
	Send(v any)
}

// Handlers receive correlator events for the display layer.
type Handlers struct {
	// OnRequest fires once per newly pending request.
	OnRequest func(types.ApprovalRequest)
	// OnResolved fires when a request leaves the pending set, whether it
	// was answered or discarded.
	OnResolved func(id string)
}

// Correlator owns the pending-request set for one session's approval channel.
type Correlator struct {
	conn     Sender
	handlers Handlers
	logger   zerolog.Logger

	mu       sync.Mutex
	pending  []types.ApprovalRequest
	answered map[string]struct{}
}

// New creates a correlator bound to the given approval channel.
func New(conn Sender, handlers Handlers, logger zerolog.Logger) *Correlator {
	return &Correlator{
		conn:     conn,
		handlers: handlers,
		logger:   logger.With().Str("component", "approval").Logger(),
		answered: make(map[string]struct{}),
	}
}

// HandleFrame processes one raw approval-channel frame. Malformed frames are
// logged and dropped. Valid frames insert into the pending set exactly once
// per id, so redelivery after a reconnect is harmless.
func (c *Correlator) HandleFrame(f channel.Frame) {
	var req types.ApprovalRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		c.logger.Warn().Err(err).RawJSON("raw", f.Data).Msg("Dropping malformed approval frame")
		return
	}
	if !req.Valid() {
		c.logger.Warn().RawJSON("raw", f.Data).Msg("Dropping approval frame with unexpected shape")
		return
	}

	c.mu.Lock()
	if c.hasPendingLocked(req.ID) {
		c.mu.Unlock()
		c.logger.Debug().Str("approval_id", req.ID).Msg("Ignoring redelivered approval request")
		return
	}
	if _, done := c.answered[req.ID]; done {
		c.mu.Unlock()
		c.logger.Debug().Str("approval_id", req.ID).Msg("Ignoring approval request answered earlier")
		return
	}
	c.pending = append(c.pending, req)
	handler := c.handlers.OnRequest
	c.mu.Unlock()

	c.logger.Info().
		Str("approval_id", req.ID).
		Str("tool_name", req.Request.ToolName).
		Msg("Approval request pending")

	if handler != nil {
		handler(req)
	}
}

// Respond sends exactly one wire response for the given request id and
// retires it from the pending set.
func (c *Correlator) Respond(id, behavior string, updatedInput map[string]any, updatedPermissions []types.PermissionUpdate, message string) error {
	if !c.conn.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	if _, done := c.answered[id]; done {
		c.mu.Unlock()
		return ErrAlreadyAnswered
	}
	idx := -1
	for i, req := range c.pending {
		if req.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	req := c.pending[idx]

	decision := types.ApprovalDecision{Behavior: behavior}
	switch behavior {
	case types.BehaviorAllow:
		if updatedInput == nil {
			updatedInput = req.Request.Input
		}
		decision.UpdatedInput = updatedInput
		decision.UpdatedPermissions = updatedPermissions
		// Leaving planning mode always drops the session back to the
		// default permission mode. Protocol rule, not a user option.
		if req.Request.ToolName == types.ExitPlanModeTool {
			decision.UpdatedPermissions = append(decision.UpdatedPermissions, types.SetModeDefault())
		}
	default:
		decision.Message = message
	}

	c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	c.answered[id] = struct{}{}
	handler := c.handlers.OnResolved
	c.mu.Unlock()

	c.conn.Send(types.ApprovalResponse{ID: id, Response: decision})
	c.logger.Info().
		Str("approval_id", id).
		Str("behavior", behavior).
		Msg("Approval response sent")

	if handler != nil {
		handler(id)
	}
	return nil
}

// Allow approves the request, optionally rewriting the tool input and
// attaching permission updates.
func (c *Correlator) Allow(id string, updatedInput map[string]any, updatedPermissions []types.PermissionUpdate) error {
	return c.Respond(id, types.BehaviorAllow, updatedInput, updatedPermissions, "")
}

// Deny rejects the request with a message for the agent.
func (c *Correlator) Deny(id, message string) error {
	return c.Respond(id, types.BehaviorDeny, nil, nil, message)
}

// Current returns the oldest pending request; one dialog surfaces at a time.
func (c *Correlator) Current() (types.ApprovalRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return types.ApprovalRequest{}, false
	}
	return c.pending[0], true
}

// Pending returns a copy of the pending set, oldest first.
func (c *Correlator) Pending() []types.ApprovalRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ApprovalRequest, len(c.pending))
	copy(out, c.pending)
	return out
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reset discards all pending state. Requests dropped here belong to a
// superseded session identity and can never be answered.
func (c *Correlator) Reset() {
	c.mu.Lock()
	discarded := c.pending
	c.pending = nil
	c.answered = make(map[string]struct{})
	handler := c.handlers.OnResolved
	c.mu.Unlock()

	if len(discarded) > 0 {
		c.logger.Info().Int("count", len(discarded)).Msg("Discarding pending approval requests")
	}
	if handler != nil {
		for _, req := range discarded {
			handler(req.ID)
		}
	}
}

func (c *Correlator) hasPendingLocked(id string) bool {
	for _, req := range c.pending {
		if req.ID == id {
			return true
		}
	}
	return false
}
