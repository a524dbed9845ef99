// Package session owns the state machine governing session identity
// changes: creating a session, resuming (forking) a terminated one, active
// messaging, and deactivation when the agent process exits.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yuya-takeyama/cc-console/internal/api"
	"github.com/yuya-takeyama/cc-console/internal/approval"
	"github.com/yuya-takeyama/cc-console/internal/channel"
	"github.com/yuya-takeyama/cc-console/pkg/types"
)

// Status is the controller's lifecycle state.
type Status int

const (
	StatusNone Status = iota
	StatusCreating
	StatusActive
	StatusResuming
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusCreating:
		return "creating"
	case StatusActive:
		return "active"
	case StatusResuming:
		return "resuming"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

var (
	// ErrTransitionInProgress is returned when a create or resume overlaps
	// another; transitions are strictly serialized.
	ErrTransitionInProgress = errors.New("session transition already in progress")

	// ErrNoSession is returned when resuming without a prior identity.
	ErrNoSession = errors.New("no session to resume")

	// ErrNotActive is returned for operations that need a live session.
	ErrNotActive = errors.New("session is not active")

	// ErrMainChannelClosed is returned when the main channel dies before
	// the session becomes ready; the session lands in Inactive.
	ErrMainChannelClosed = errors.New("main channel closed during session startup")
)

// Identity is one lifetime of a remote agent process. The channel URLs are
// present only while the agent is alive; a terminated session must be
// resumed, which mints a new identity.
type Identity struct {
	SessionID   string
	MainURL     string
	ApprovalURL string
	WorkingDir  string
}

// Active reports whether the identity has live channel endpoints.
func (id Identity) Active() bool {
	return id.MainURL != ""
}

// Handlers receive controller-level events.
type Handlers struct {
	OnEvent  func(Event)
	OnStatus func(Status)
}

// FrameSink receives a copy of every frame crossing either channel, in both
// directions. Optional; used for wire-level debug logs.
type FrameSink interface {
	LogInbound(channel, sessionID string, frame []byte)
	LogOutbound(channel, sessionID string, frame []byte)
}

// Options configures a Controller.
type Options struct {
	API              *api.Client
	Dialer           channel.Dialer
	Logger           zerolog.Logger
	Handlers         Handlers
	ApprovalHandlers approval.Handlers
	FrameLog         FrameSink

	WorkingDir     string
	PermissionMode string
	SettleDelay    time.Duration
	EchoTimeout    time.Duration
}

// Controller drives the dual-channel session connection. It owns exactly one
// main and one approval channel connection; superseding sockets and
// discarding stale callbacks is handled inside channel.Conn via its epoch.
type Controller struct {
	apiClient *api.Client
	logger    zerolog.Logger
	handlers  Handlers
	frameLog  FrameSink

	main       *channel.Conn
	approvals  *channel.Conn
	correlator *approval.Correlator
	tracker    *Tracker
	events     *EventLog

	settleDelay time.Duration

	mu             sync.Mutex
	status         Status
	identity       Identity
	workingDir     string
	permissionMode string
	inTransition   bool
}

// NewController wires the channel pair, correlator, tracker, and event log.
func NewController(opts Options) *Controller {
	logger := opts.Logger.With().Str("component", "session").Logger()

	if opts.PermissionMode == "" {
		opts.PermissionMode = types.PermissionModeDefault
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if opts.EchoTimeout <= 0 {
		opts.EchoTimeout = 5 * time.Second
	}

	c := &Controller{
		apiClient:      opts.API,
		logger:         logger,
		handlers:       opts.Handlers,
		frameLog:       opts.FrameLog,
		settleDelay:    opts.SettleDelay,
		status:         StatusNone,
		workingDir:     opts.WorkingDir,
		permissionMode: opts.PermissionMode,
		events:         NewEventLog(opts.Handlers.OnEvent),
	}

	c.main = channel.New("main", opts.Dialer, channel.NoReconnect(), channel.Handlers{
		OnFrame: c.handleMainFrame,
		OnSend:  func(data []byte) { c.logFrame(false, "main", data) },
		OnClose: c.handleMainClose,
	}, opts.Logger)

	c.approvals = channel.New("approval", opts.Dialer, channel.DefaultBackoff(), channel.Handlers{
		OnFrame: func(f channel.Frame) {
			c.logFrame(true, "approval", f.Data)
			c.correlator.HandleFrame(f)
		},
		OnSend: func(data []byte) { c.logFrame(false, "approval", data) },
	}, opts.Logger)

	c.correlator = approval.New(c.approvals, opts.ApprovalHandlers, opts.Logger)
	c.tracker = NewTracker(c.main, opts.EchoTimeout, nil, opts.Logger)

	return c
}

// Send routes a user turn according to the session state: dispatch on an
// active session, create one when none exists, or resume a terminated one.
func (c *Controller) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	status := c.status
	sessionID := c.identity.SessionID
	workingDir := c.workingDir
	mode := c.permissionMode
	c.mu.Unlock()

	switch status {
	case StatusActive:
		return c.tracker.Submit(sessionID, mode, text)
	case StatusNone:
		return c.Create(ctx, workingDir, text)
	case StatusInactive:
		return c.Resume(ctx, text)
	default:
		return ErrTransitionInProgress
	}
}

// Create starts a brand-new session in workDir with message as the first
// user turn.
func (c *Controller) Create(ctx context.Context, workDir, message string) error {
	if err := c.beginTransition(StatusCreating); err != nil {
		return err
	}
	return c.transition(ctx, uuid.NewString(), workDir, false, message)
}

// Resume forks the current (terminated) session: the orchestrator seeds a
// new agent process from the prior conversation and mints a NEW session id.
func (c *Controller) Resume(ctx context.Context, message string) error {
	c.mu.Lock()
	priorID := c.identity.SessionID
	workDir := c.identity.WorkingDir
	c.mu.Unlock()
	if priorID == "" {
		return ErrNoSession
	}
	return c.ResumeSession(ctx, priorID, workDir, message)
}

// ResumeSession forks an arbitrary terminated session by id.
func (c *Controller) ResumeSession(ctx context.Context, priorID, workDir, message string) error {
	if err := c.beginTransition(StatusResuming); err != nil {
		return err
	}
	return c.transition(ctx, priorID, workDir, true, message)
}

// beginTransition serializes create/resume; only one may be in flight.
func (c *Controller) beginTransition(next Status) error {
	c.mu.Lock()
	if c.inTransition {
		c.mu.Unlock()
		return ErrTransitionInProgress
	}
	c.inTransition = true
	prev := c.status
	c.status = next
	c.mu.Unlock()

	c.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("Session transition started")
	c.notifyStatus(next)
	return nil
}

// transition tears down the old channel pair, performs the create/resume
// call, and establishes the new pair. State tied to the old identity is
// discarded before anything new is created.
func (c *Controller) transition(ctx context.Context, requestID, workDir string, resume bool, message string) error {
	c.main.Disconnect()
	c.approvals.Disconnect()
	c.correlator.Reset()
	c.tracker.Reset()

	sendUUID := uuid.NewString()
	modeFrame, err := json.Marshal(types.NewSetPermissionModeFrame(uuid.NewString(), c.PermissionMode()))
	if err != nil {
		c.failTransition(resume, message)
		return fmt.Errorf("marshal bootstrap mode frame: %w", err)
	}
	userFrame, err := json.Marshal(types.NewUserFrame(sendUUID, requestID, message))
	if err != nil {
		c.failTransition(resume, message)
		return fmt.Errorf("marshal bootstrap user frame: %w", err)
	}

	resp, err := c.apiClient.CreateSession(ctx, api.CreateSessionRequest{
		SessionID:  requestID,
		WorkingDir: workDir,
		Resume:     resume,
		// Mode precedes the first user message; order is part of the protocol.
		BootstrapMessages: []string{string(modeFrame), string(userFrame)},
	})
	if err != nil {
		c.failTransition(resume, message)
		return fmt.Errorf("session transition: %w", err)
	}

	mainURL, err := c.apiClient.WebSocketURL(resp.WebSocketURL)
	if err != nil {
		c.failTransition(resume, message)
		return fmt.Errorf("session transition: %w", err)
	}
	approvalURL, err := c.apiClient.WebSocketURL(resp.ApprovalWebSocketURL)
	if err != nil {
		c.failTransition(resume, message)
		return fmt.Errorf("session transition: %w", err)
	}

	c.mu.Lock()
	c.identity = Identity{
		SessionID:   resp.SessionID,
		MainURL:     mainURL,
		ApprovalURL: approvalURL,
		WorkingDir:  workDir,
	}
	c.mu.Unlock()

	c.main.Connect(mainURL)
	c.approvals.Connect(approvalURL)
	// The bootstrap user frame is already on its way through the
	// orchestrator; track it so its echo clears the draft.
	c.tracker.Track(sendUUID, message)

	// Absorb backend startup latency before reporting ready.
	select {
	case <-time.After(c.settleDelay):
	case <-ctx.Done():
	}

	// The settle timer can fire while the main dial is still in flight;
	// wait until the dial resolves before judging the channel.
	for c.main.State() == channel.StateConnecting && ctx.Err() == nil {
		time.Sleep(5 * time.Millisecond)
	}

	// The main channel never reconnects on its own, so a session whose main
	// channel died during startup would otherwise stay Active forever with
	// every send dropped. Surface it as Inactive, same as a later close.
	if !c.main.IsConnected() {
		c.mu.Lock()
		c.status = StatusInactive
		c.identity.MainURL = ""
		c.identity.ApprovalURL = ""
		c.inTransition = false
		c.mu.Unlock()

		c.logger.Warn().
			Str("session_id", resp.SessionID).
			Msg("Main channel did not survive session startup")
		c.appendCompletedNotice(resp.SessionID)
		c.notifyStatus(StatusInactive)
		return fmt.Errorf("session transition: %w", ErrMainChannelClosed)
	}

	c.mu.Lock()
	c.status = StatusActive
	c.inTransition = false
	c.mu.Unlock()

	c.logger.Info().
		Str("session_id", resp.SessionID).
		Str("working_dir", workDir).
		Bool("resumed", resume).
		Msg("Session active")
	c.notifyStatus(StatusActive)
	return nil
}

// failTransition rolls the status back after a create/resume failure. The
// attempted message never reached a channel, so it stays as the draft for
// the user to retry.
func (c *Controller) failTransition(resume bool, message string) {
	c.mu.Lock()
	if resume {
		c.status = StatusInactive
	} else {
		c.status = StatusNone
	}
	status := c.status
	c.inTransition = false
	c.mu.Unlock()
	c.tracker.SetDraft(message)
	c.notifyStatus(status)
}

// logFrame copies one wire frame to the configured sink.
func (c *Controller) logFrame(inbound bool, ch string, data []byte) {
	if c.frameLog == nil {
		return
	}
	sessionID := c.Identity().SessionID
	if inbound {
		c.frameLog.LogInbound(ch, sessionID, data)
	} else {
		c.frameLog.LogOutbound(ch, sessionID, data)
	}
}

// handleMainFrame forwards every main-channel frame to the display log and
// sniffs the few fields the client acts on.
func (c *Controller) handleMainFrame(f channel.Frame) {
	c.logFrame(true, "main", f.Data)

	meta, err := types.ParseFrameMeta(f.Data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping main frame with unreadable envelope")
		return
	}

	switch meta.Type {
	case types.FrameTypeUser:
		// Echo of a locally submitted message clears the pending send.
		if meta.UUID != "" {
			c.tracker.HandleEcho(meta.UUID)
		}
	case types.FrameTypeControlResponse:
		c.logger.Debug().
			Str("request_id", meta.Response.RequestID).
			Str("subtype", meta.Response.Subtype).
			Msg("Control response received")
	}

	c.events.Append(Event{Kind: KindFrame, Raw: f.Data, Time: f.ReceivedAt})
}

// handleMainClose marks the session inactive when the agent process goes
// away outside a transition. The main channel never reconnects on its own;
// recovery is an explicit resume, which mints a new identity.
func (c *Controller) handleMainClose(err error) {
	c.mu.Lock()
	if c.inTransition || c.status != StatusActive {
		c.mu.Unlock()
		return
	}
	c.status = StatusInactive
	sessionID := c.identity.SessionID
	c.identity.MainURL = ""
	c.identity.ApprovalURL = ""
	c.mu.Unlock()

	c.logger.Info().Err(err).Str("session_id", sessionID).Msg("Main channel closed, session inactive")

	c.appendCompletedNotice(sessionID)
	c.notifyStatus(StatusInactive)
}

// appendCompletedNotice records the end of a session's agent process. The
// stable id keeps the notice idempotent across redeliveries.
func (c *Controller) appendCompletedNotice(sessionID string) {
	c.events.Append(Event{
		ID:   "session-completed-" + sessionID,
		Kind: KindNotice,
		Text: fmt.Sprintf("Session %s completed. Your next message resumes it under a new session id.", sessionID),
	})
}

// Interrupt asks the agent to stop the current turn.
func (c *Controller) Interrupt() error {
	if c.Status() != StatusActive || !c.main.IsConnected() {
		return ErrNotActive
	}
	c.main.Send(types.NewInterruptFrame(uuid.NewString()))
	return nil
}

// SetPermissionMode records the mode for subsequent turns and, on an active
// session, asserts it immediately.
func (c *Controller) SetPermissionMode(mode string) {
	c.mu.Lock()
	c.permissionMode = mode
	active := c.status == StatusActive
	c.mu.Unlock()

	if active && c.main.IsConnected() {
		c.main.Send(types.NewSetPermissionModeFrame(uuid.NewString(), mode))
	}
}

// Close tears down both channels and discards session-scoped state.
func (c *Controller) Close() {
	c.main.Disconnect()
	c.approvals.Disconnect()
	c.correlator.Reset()
	c.tracker.Reset()
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Identity returns the current session identity.
func (c *Controller) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// PermissionMode returns the mode asserted ahead of each user turn.
func (c *Controller) PermissionMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permissionMode
}

// Approvals exposes the approval correlator.
func (c *Controller) Approvals() *approval.Correlator {
	return c.correlator
}

// Tracker exposes the send/echo tracker.
func (c *Controller) Tracker() *Tracker {
	return c.tracker
}

// Draft returns the text of the last unconfirmed send, empty once echoed.
func (c *Controller) Draft() string {
	return c.tracker.Draft()
}

// Events exposes the display log.
func (c *Controller) Events() *EventLog {
	return c.events
}

func (c *Controller) notifyStatus(s Status) {
	if c.handlers.OnStatus != nil {
		c.handlers.OnStatus(s)
	}
}
